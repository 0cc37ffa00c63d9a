package skland

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

type attendanceBody struct {
	UID    string `json:"uid"`
	GameID string `json:"gameId"`
}

// flexString decodes a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type bindingRole struct {
	RoleID   flexString `json:"roleId"`
	Nickname string     `json:"nickname"`
	ServerID flexString `json:"serverId"`
	Level    int        `json:"level"`
}

type BindingApp struct {
	AppCode     string `json:"appCode"`
	AppName     string `json:"appName"`
	BindingList []struct {
		UID         flexString    `json:"uid"`
		NickName    string        `json:"nickName"`
		ChannelName string        `json:"channelName"`
		DefaultRole *bindingRole  `json:"defaultRole"`
		Roles       []bindingRole `json:"roles"`
	} `json:"bindingList"`
}

type BindingData struct {
	List []BindingApp `json:"list"`
}

// Role is the game character resolved from a binding list.
type Role struct {
	RoleID      string
	Nickname    string
	ServerID    string
	ChannelName string
	RecordUID   string
}

const (
	defaultNickname    = "终末地角色"
	defaultChannelName = "官服"
)

// EndfieldRole resolves the role of the first Endfield binding: its default role,
// else its first role.
func (b *BindingData) EndfieldRole() (*Role, bool) {
	for _, app := range b.List {
		if app.AppCode != EndfieldAppCode {
			continue
		}
		if len(app.BindingList) == 0 {
			return nil, false
		}
		binding := app.BindingList[0]
		raw := binding.DefaultRole
		if raw == nil && len(binding.Roles) > 0 {
			raw = &binding.Roles[0]
		}
		if raw == nil || raw.RoleID == "" {
			return nil, false
		}

		role := &Role{
			RoleID:      string(raw.RoleID),
			Nickname:    raw.Nickname,
			ServerID:    string(raw.ServerID),
			ChannelName: binding.ChannelName,
			RecordUID:   string(binding.UID),
		}
		if role.Nickname == "" {
			role.Nickname = binding.NickName
		}
		if role.Nickname == "" {
			role.Nickname = defaultNickname
		}
		if role.ChannelName == "" {
			role.ChannelName = defaultChannelName
		}
		if role.ServerID == "" {
			role.ServerID = DefaultServerID
		}
		return role, true
	}
	return nil, false
}

type UserInfoData struct {
	User struct {
		ID       flexString `json:"id"`
		Nickname string     `json:"nickname"`
	} `json:"user"`
}

func (d *UserInfoData) UserID() string {
	return string(d.User.ID)
}

// AttendanceAward is one reward item, normalized from either response shape.
type AttendanceAward struct {
	Name  string
	Count int
}

const unknownAward = "未知物品"

type attendanceResource struct {
	ID    flexString `json:"id"`
	Name  string     `json:"name"`
	Count int        `json:"count"`
	Num   int        `json:"num"`
}

type AttendanceData struct {
	Awards []struct {
		Resource attendanceResource `json:"resource"`
		Count    int                `json:"count"`
	} `json:"awards"`
	AwardIDs []struct {
		ID    flexString `json:"id"`
		Type  string     `json:"type"`
		Count int        `json:"count"`
	} `json:"awardIds"`
	ResourceInfoMap map[string]attendanceResource `json:"resourceInfoMap"`
}

// Items flattens both award layouts the attendance endpoint has been seen to use.
func (d *AttendanceData) Items() []AttendanceAward {
	var out []AttendanceAward
	for _, a := range d.Awards {
		name := a.Resource.Name
		if name == "" {
			name = unknownAward
		}
		out = append(out, AttendanceAward{Name: name, Count: a.Count})
	}
	if len(out) > 0 || d.ResourceInfoMap == nil {
		return out
	}
	for _, a := range d.AwardIDs {
		if a.ID == "" {
			continue
		}
		name, count := unknownAward, a.Count
		if res, ok := d.ResourceInfoMap[string(a.ID)]; ok {
			if res.Name != "" {
				name = res.Name
			}
			if count == 0 {
				count = res.Count
			}
			if count == 0 {
				count = res.Num
			}
		}
		out = append(out, AttendanceAward{Name: name, Count: count})
	}
	return out
}

// RefreshToken exchanges a credential for a short-lived signing token. The call is
// unsigned; it only carries the cred header.
func (c *Client) RefreshToken(ctx context.Context, cred string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathRefresh, nil)
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	setRaw(req.Header, "cred", cred)
	req.Header.Set("User-Agent", IOSUserAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.TransientNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.TransientNetwork(fmt.Errorf("read refresh body: %w", err))
	}

	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Error().Int("status", resp.StatusCode).Str("body", truncateBody(raw)).Msg("token refresh returned non-JSON body")
		return "", apperrors.CredentialInvalid("token refresh failed")
	}
	if out.Code != CodeOK || out.Message != "OK" || out.Data.Token == "" {
		log.Warn().Int("code", out.Code).Str("message", out.Message).Msg("token refresh rejected")
		return "", apperrors.CredentialInvalid(fmt.Sprintf("token refresh rejected: %s", out.Message))
	}
	return out.Data.Token, nil
}

func (c *Client) Binding(ctx context.Context, cred string) (*BindingData, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: pathBinding, cred: cred})
	if err != nil {
		return nil, err
	}
	if !resp.OK() || resp.Message != "OK" {
		return nil, rejection(resp)
	}
	var data BindingData
	if err := resp.Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// UserInfo fetches the Skland account profile using the mobile app identity.
func (c *Client) UserInfo(ctx context.Context, cred string) (*UserInfoData, error) {
	resp, err := c.do(ctx, call{
		method:         http.MethodGet,
		path:           pathUserInfo,
		cred:           cred,
		useDeviceID:    true,
		userAgent:      AppUserAgent,
		platform:       AppPlatform,
		vName:          AppVName,
		acceptLanguage: AcceptLanguage,
		headers: map[string]string{
			"language":        AppLanguage,
			"os":              AppOS,
			"nId":             AppNID,
			"vCode":           AppVCode,
			"channel":         AppChannel,
			"manufacturer":    guessManufacturer(AppUserAgent),
			"Accept-Language": AcceptLanguage,
		},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, rejection(resp)
	}
	var data UserInfoData
	if err := resp.Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Attendance performs the daily check-in for one role. The raw envelope is
// returned so callers can tell "done" apart from "already done".
func (c *Client) Attendance(ctx context.Context, cred, uid string) (*Response, error) {
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   pathAttendance,
		cred:   cred,
		uid:    uid,
		gameID: GameIDEndfield,
		body:   attendanceBody{UID: uid, GameID: GameIDEndfield},
	})
}

// CardDetail loads the full role card. skUserID is the Skland account id, not
// the game uid.
func (c *Client) CardDetail(ctx context.Context, cred, roleID, serverID, skUserID string) (json.RawMessage, error) {
	if serverID == "" {
		serverID = DefaultServerID
	}
	resp, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   pathCardDetail,
		cred:   cred,
		params: map[string]string{
			"roleId":   roleID,
			"serverId": serverID,
			"userId":   skUserID,
		},
		useDeviceID:    true,
		referer:        "https://game.skland.com/",
		acceptLanguage: AcceptLanguage,
		headers: map[string]string{
			"Accept":           "*/*",
			"Origin":           "https://game.skland.com",
			"Referer":          "https://game.skland.com/",
			"X-Requested-With": "com.hypergryph.skland",
			"Sec-Fetch-Site":   "same-site",
			"Sec-Fetch-Mode":   "cors",
			"Sec-Fetch-Dest":   "empty",
			"Accept-Language":  AcceptLanguage,
		},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, rejection(resp)
	}
	return resp.Data, nil
}

func (c *Client) PlayerInfo(ctx context.Context, cred, uid string) (json.RawMessage, error) {
	resp, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   pathPlayerInfo,
		cred:   cred,
		uid:    uid,
		gameID: GameIDEndfield,
		params: map[string]string{"uid": uid, "gameId": GameIDEndfield},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, rejection(resp)
	}
	return resp.Data, nil
}

func (c *Client) Enums(ctx context.Context, cred string) (json.RawMessage, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: pathEnums, cred: cred})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, rejection(resp)
	}
	return resp.Data, nil
}

// rejection maps a non-success envelope onto an application error. Code 10001
// outside of check-in means the cred is dead.
func rejection(resp *Response) error {
	if resp.Code == CodeAlreadyDone {
		return apperrors.CredentialInvalid(resp.Message)
	}
	return apperrors.UpstreamRejected(resp.Code, resp.Message)
}

func guessManufacturer(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "samsung"), strings.Contains(ua, "sm-"):
		return "Samsung"
	case strings.Contains(ua, "xiaomi"), strings.Contains(ua, "redmi"), strings.Contains(ua, "poco"):
		return "Xiaomi"
	case strings.Contains(ua, "huawei"), strings.Contains(ua, "honor"):
		return "Huawei"
	case strings.Contains(ua, "oneplus"):
		return "OnePlus"
	case strings.Contains(ua, "oppo"):
		return "Oppo"
	case strings.Contains(ua, "vivo"):
		return "Vivo"
	}
	return AppManufacturer
}
