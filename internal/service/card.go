package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/skland"
)

const cardTopChars = 8

// CardAPI loads role cards.
type CardAPI interface {
	CardDetail(ctx context.Context, cred, roleID, serverID, skUserID string) (json.RawMessage, error)
	UserInfo(ctx context.Context, cred string) (*skland.UserInfoData, error)
}

type CardService struct {
	api          CardAPI
	accounts     Accounts
	users        repository.UserRepository
	activeWindow time.Duration
	loc          *time.Location
	now          func() time.Time
}

func NewCardService(api CardAPI, accounts Accounts, users repository.UserRepository, activeWindow time.Duration, loc *time.Location) *CardService {
	if loc == nil {
		loc = time.Local
	}
	return &CardService{
		api:          api,
		accounts:     accounts,
		users:        users,
		activeWindow: activeWindow,
		loc:          loc,
		now:          time.Now,
	}
}

type cardChar struct {
	ID       string `json:"id"`
	CharData struct {
		Name   string `json:"name"`
		Rarity struct {
			Value string `json:"value"`
		} `json:"rarity"`
	} `json:"charData"`
	Level          int `json:"level"`
	EvolvePhase    int `json:"evolvePhase"`
	PotentialLevel int `json:"potentialLevel"`
}

type cardDetail struct {
	Detail struct {
		Base struct {
			ServerName string `json:"serverName"`
			RoleID     string `json:"roleId"`
			Name       string `json:"name"`
			Level      int    `json:"level"`
			WorldLevel int    `json:"worldLevel"`
			CharNum    int    `json:"charNum"`
			WeaponNum  int    `json:"weaponNum"`
			DocNum     int    `json:"docNum"`
		} `json:"base"`
		Chars   []cardChar `json:"chars"`
		Dungeon struct {
			CurStamina string `json:"curStamina"`
			MaxStamina string `json:"maxStamina"`
			MaxTs      string `json:"maxTs"`
		} `json:"dungeon"`
		BpSystem struct {
			CurLevel int `json:"curLevel"`
			MaxLevel int `json:"maxLevel"`
		} `json:"bpSystem"`
		DailyMission struct {
			DailyActivation    int `json:"dailyActivation"`
			MaxDailyActivation int `json:"maxDailyActivation"`
		} `json:"dailyMission"`
		Domain    []buildDomain `json:"domain"`
		SpaceShip struct {
			Rooms []buildRoom `json:"rooms"`
		} `json:"spaceShip"`
		CurrentTs string `json:"currentTs"`
	} `json:"detail"`
}

// Card summarises the role card of uidArg, or of the caller's active UID when
// uidArg carries no digits. Roles the caller has not bound are read with a
// credential borrowed from a recently active user.
func (s *CardService) Card(ctx context.Context, caller model.Caller, uidArg string) (string, error) {
	card, reply, err := s.load(ctx, caller, digitsOf(uidArg))
	if card == nil {
		return reply, err
	}
	return formatCard(card, s.now(), s.loc), nil
}

// Daily shows stamina with its refill time, daily activation and pass level
// of the caller's active UID.
func (s *CardService) Daily(ctx context.Context, caller model.Caller) (string, error) {
	card, reply, err := s.load(ctx, caller, "")
	if card == nil {
		return reply, err
	}
	return formatDaily(card, s.now(), s.loc), nil
}

// Build lists regions, settlements and ship rooms of the caller's active UID.
func (s *CardService) Build(ctx context.Context, caller model.Caller) (string, error) {
	card, reply, err := s.load(ctx, caller, "")
	if card == nil {
		return reply, err
	}
	return formatBuild(card), nil
}

// load fetches the card detail of uid, or of the active UID when uid is empty.
// A nil card comes with either a user-facing reply or an error.
func (s *CardService) load(ctx context.Context, caller model.Caller, uid string) (*cardDetail, string, error) {
	var user *model.User
	var err error
	if uid == "" {
		user, err = s.accounts.ActiveUser(ctx, caller)
		if err != nil {
			return nil, "", err
		}
		if user == nil {
			return nil, "❌ 未绑定终末地账号，请先使用「end bind」", nil
		}
		uid = user.UID
	} else {
		user, err = s.users.FindByUID(ctx, uid, caller.UserID, caller.BotID)
		if err != nil {
			return nil, "", fmt.Errorf("find user: %w", err)
		}
	}

	cred, serverID, skUserID := "", skland.DefaultServerID, ""
	own := user != nil && user.Cred != "" && user.CookieStatus != model.CookieStatusInvalid
	if own {
		cred, skUserID = user.Cred, user.SklandUserID
		if user.ServerID != "" {
			serverID = user.ServerID
		}
	} else {
		cred, err = s.users.RandomActiveCred(ctx, time.Now().Add(-s.activeWindow))
		if err != nil {
			return nil, "", fmt.Errorf("pick public credential: %w", err)
		}
		if cred == "" {
			return nil, "❌ 未找到可用凭证，请使用「end login」重新绑定", nil
		}
	}

	if skUserID == "" {
		info, err := s.api.UserInfo(ctx, cred)
		if err != nil {
			log.Warn().Err(err).Str("uid", uid).Msg("skland user id unresolved")
		} else {
			skUserID = info.UserID()
			if own && skUserID != "" {
				if err := s.users.SetSklandUserID(ctx, user.ID, skUserID); err != nil {
					log.Warn().Err(err).Str("uid", uid).Msg("failed to store skland user id")
				}
			}
		}
	}

	raw, err := s.api.CardDetail(ctx, cred, uid, serverID, skUserID)
	switch {
	case apperrors.HasCode(err, apperrors.ErrCodeCredentialInvalid):
		if own {
			s.accounts.MarkInvalid(ctx, *user, err.Error())
			return nil, "❌ 凭证已失效，请使用「end login」重新绑定", nil
		}
		return nil, "❌ 查询失败：公共凭证不可用，请稍后重试", nil
	case apperrors.HasCode(err, apperrors.ErrCodeDeviceIDUnavailable):
		return nil, "❌ 查询失败：设备标识服务不可用", nil
	case err != nil:
		log.Warn().Err(err).Str("uid", uid).Msg("card detail failed")
		return nil, "❌ 刷新失败：请求卡片详情失败", nil
	}

	if own {
		if err := s.users.TouchLastUsed(ctx, user.UserID, user.Cred); err != nil {
			log.Warn().Err(err).Msg("failed to touch last used")
		}
	}

	var card cardDetail
	if err := json.Unmarshal(raw, &card); err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("card detail unreadable")
		return nil, "❌ 刷新失败：卡片数据无法解析", nil
	}
	return &card, "", nil
}

func formatCard(card *cardDetail, now time.Time, loc *time.Location) string {
	d := card.Detail
	recovery, _ := card.staminaRecovery(now, loc)
	var b strings.Builder
	fmt.Fprintf(&b, "%s 角色卡片\n", gameTitle)
	fmt.Fprintf(&b, "%s (UID %s) · %s\n", d.Base.Name, d.Base.RoleID, d.Base.ServerName)
	fmt.Fprintf(&b, "等级 %d | 世界等级 %d\n", d.Base.Level, d.Base.WorldLevel)
	fmt.Fprintf(&b, "干员 %d | 武器 %d | 档案 %d\n", d.Base.CharNum, d.Base.WeaponNum, d.Base.DocNum)
	fmt.Fprintf(&b, "理智 %s/%s (%s) | 活跃度 %d/%d | 通行证 %d/%d",
		d.Dungeon.CurStamina, d.Dungeon.MaxStamina, recovery,
		d.DailyMission.DailyActivation, d.DailyMission.MaxDailyActivation,
		d.BpSystem.CurLevel, d.BpSystem.MaxLevel)

	chars := slices.Clone(d.Chars)
	sort.SliceStable(chars, func(i, j int) bool {
		if chars[i].CharData.Rarity.Value != chars[j].CharData.Rarity.Value {
			return chars[i].CharData.Rarity.Value > chars[j].CharData.Rarity.Value
		}
		return chars[i].Level > chars[j].Level
	})
	if len(chars) > cardTopChars {
		chars = chars[:cardTopChars]
	}
	for _, c := range chars {
		fmt.Fprintf(&b, "\n  • %s Lv.%d", c.CharData.Name, c.Level)
		if c.PotentialLevel > 0 {
			fmt.Fprintf(&b, " 潜能%d", c.PotentialLevel)
		}
	}
	return b.String()
}
