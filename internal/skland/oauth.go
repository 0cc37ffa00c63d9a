package skland

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

const (
	sklandWebOrigin  = "https://www.skland.com"
	sklandWebReferer = "https://www.skland.com/"
)

// authEnvelope is the response shape of the account service.
type authEnvelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// ErrTokenLoginUnavailable is wrapped by GrantCode when the account service
// refuses token logins from this host.
var ErrTokenLoginUnavailable = stderrors.New("token login unavailable")

// CredInfo is the result of exchanging a login token for a Skland credential.
type CredInfo struct {
	Cred         string
	SklandUserID string
}

// GenScanID starts a QR login and returns its scan id.
func (c *Client) GenScanID(ctx context.Context) (string, error) {
	env, _, err := c.authCall(ctx, http.MethodPost, pathScanLogin, map[string]string{"appCode": AppCode})
	if err != nil {
		return "", err
	}
	if env.Status != 0 || env.Msg != "OK" {
		return "", apperrors.UpstreamRejected(env.Status, env.Msg)
	}
	var data struct {
		ScanID string `json:"scanId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ScanID == "" {
		return "", apperrors.UpstreamRejected(CodeRequestError, "scan id missing")
	}
	return data.ScanID, nil
}

// ScanStatus polls a QR login. It returns an empty scan code while the code has
// not been scanned yet.
func (c *Client) ScanStatus(ctx context.Context, scanID string) (string, error) {
	path := pathScanStatus + "?scanId=" + url.QueryEscape(scanID)
	env, status, err := c.authCall(ctx, http.MethodGet, path, nil)
	if err != nil {
		if status != 0 {
			return "", nil
		}
		return "", err
	}
	if env.Status != 0 {
		return "", nil
	}
	var data struct {
		ScanCode string `json:"scanCode"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", nil
	}
	return data.ScanCode, nil
}

// TokenByScanCode turns a confirmed scan code into an account login token.
func (c *Client) TokenByScanCode(ctx context.Context, scanCode string) (string, error) {
	env, _, err := c.authCall(ctx, http.MethodPost, pathTokenByScan, map[string]string{"scanCode": scanCode})
	if err != nil {
		return "", err
	}
	if env.Status != 0 {
		return "", apperrors.UpstreamRejected(env.Status, env.Msg)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return "", apperrors.UpstreamRejected(CodeRequestError, "token missing")
	}
	return data.Token, nil
}

// GrantCode exchanges an account login token for a one-time OAuth code. A 405
// means the account service refuses token logins from this host.
func (c *Client) GrantCode(ctx context.Context, token string) (string, error) {
	body := struct {
		AppCode string `json:"appCode"`
		Token   string `json:"token"`
		Type    int    `json:"type"`
	}{AppCode: AppCode, Token: token, Type: 0}

	env, status, err := c.authCall(ctx, http.MethodPost, pathGrant, body)
	if status == http.StatusMethodNotAllowed {
		return "", apperrors.Wrap(apperrors.ErrCodeUpstreamRejected, "token login is unavailable from this host", ErrTokenLoginUnavailable).
			WithDetails(map[string]any{"code": status})
	}
	if err != nil {
		return "", err
	}
	if env.Status != 0 {
		return "", apperrors.CredentialInvalid(fmt.Sprintf("grant rejected: %s", env.Msg))
	}
	var data struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Code == "" {
		return "", apperrors.UpstreamRejected(CodeRequestError, "grant code missing")
	}
	return data.Code, nil
}

// CredByCode exchanges an OAuth code for a Skland credential.
func (c *Client) CredByCode(ctx context.Context, code string) (*CredInfo, error) {
	if c.deviceID == nil {
		return nil, apperrors.DeviceIDUnavailable(nil)
	}
	did, err := c.deviceID.DeviceID(ctx, DeviceProfile{
		UserAgent:      WebUserAgent,
		AcceptLanguage: AcceptLanguage,
		Referer:        sklandWebReferer,
	})
	if err != nil {
		return nil, err
	}

	raw, err := compactJSON(struct {
		Kind int    `json:"kind"`
		Code string `json:"code"`
	}{Kind: 1, Code: code})
	if err != nil {
		return nil, fmt.Errorf("marshal cred body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathCredByCode, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create cred request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", WebUserAgent)
	req.Header.Set("Referer", sklandWebReferer)
	req.Header.Set("Origin", sklandWebOrigin)
	setRaw(req.Header, "dId", did)
	setRaw(req.Header, "platform", PlatformEndfield)
	setRaw(req.Header, "timestamp", strconv.FormatInt(NowTimeFunc().Unix(), 10))
	setRaw(req.Header, "vName", SignVName)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.TransientNetwork(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.TransientNetwork(fmt.Errorf("read cred body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("body", truncateBody(body)).Msg("cred exchange failed")
		return nil, apperrors.UpstreamRejected(resp.StatusCode, "cred exchange failed")
	}

	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Cred   string     `json:"cred"`
			UserID flexString `json:"userId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.UpstreamRejected(CodeRequestError, "malformed cred response")
	}
	if out.Code != CodeOK {
		return nil, apperrors.CredentialInvalid(fmt.Sprintf("cred exchange rejected: %s", out.Message))
	}
	if out.Data.Cred == "" {
		return nil, apperrors.UpstreamRejected(CodeRequestError, "cred missing")
	}

	log.Info().Int("cred_len", len(out.Data.Cred)).Msg("cred obtained from login token")
	return &CredInfo{Cred: out.Data.Cred, SklandUserID: string(out.Data.UserID)}, nil
}

// CredByToken runs the grant and cred exchange for a login token.
func (c *Client) CredByToken(ctx context.Context, token string) (*CredInfo, error) {
	code, err := c.GrantCode(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.CredByCode(ctx, code)
}

// authCall sends an unsigned request to the account service.
func (c *Client) authCall(ctx context.Context, method, path string, body any) (*authEnvelope, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal auth body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.authURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("User-Agent", IOSUserAgent)
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("account service request error")
		return nil, 0, apperrors.TransientNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperrors.TransientNetwork(fmt.Errorf("read auth body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("account service returned error status")
		return &authEnvelope{}, resp.StatusCode, apperrors.UpstreamRejected(resp.StatusCode, "account service error")
	}

	var env authEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, resp.StatusCode, apperrors.UpstreamRejected(CodeRequestError, "malformed account service response")
	}
	return &env, resp.StatusCode, nil
}
