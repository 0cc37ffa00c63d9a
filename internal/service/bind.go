package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/audit"
	"github.com/enduid/enduid-server/internal/database"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/skland"
	"github.com/enduid/enduid-server/internal/util"
)

const gameTitle = "[终末地]"

const (
	credLength  = 32
	tokenLength = 24
)

type CredentialKind string

const (
	CredentialUnknown CredentialKind = ""
	CredentialCred    CredentialKind = "cred"
	CredentialToken   CredentialKind = "token"
)

var blankRunes = regexp.MustCompile(`["\n\t ]+`)

// BindAPI is the upstream surface needed to resolve a credential into a role.
type BindAPI interface {
	Binding(ctx context.Context, cred string) (*skland.BindingData, error)
	UserInfo(ctx context.Context, cred string) (*skland.UserInfoData, error)
	CredByToken(ctx context.Context, token string) (*skland.CredInfo, error)
}

// Accounts resolves chat users to their bound records.
type Accounts interface {
	ActiveUser(ctx context.Context, caller model.Caller) (*model.User, error)
	MarkInvalid(ctx context.Context, user model.User, reason string)
}

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type BindService struct {
	api   BindAPI
	tx    TxRunner
	users repository.UserRepository
	binds repository.BindRepository
}

func NewBindService(
	api BindAPI,
	tx TxRunner,
	users repository.UserRepository,
	binds repository.BindRepository,
) *BindService {
	return &BindService{
		api:   api,
		tx:    tx,
		users: users,
		binds: binds,
	}
}

// NormalizeCredentialText strips quotes and whitespace pasted along with a credential.
func NormalizeCredentialText(text string) string {
	text = blankRunes.ReplaceAllString(strings.TrimSpace(text), "")
	return strings.ReplaceAll(text, "，", ",")
}

// ParseCredential classifies text by prefix, or by length when unprefixed.
func ParseCredential(text string) (CredentialKind, string) {
	raw := strings.TrimSpace(text)
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"cred=", "cred:", "token=", "token:"} {
		if strings.HasPrefix(lower, prefix) {
			kind := CredentialToken
			if strings.HasPrefix(prefix, "cred") {
				kind = CredentialCred
			}
			return kind, raw[len(prefix):]
		}
	}
	switch len(raw) {
	case credLength:
		return CredentialCred, raw
	case tokenLength:
		return CredentialToken, raw
	}
	return CredentialUnknown, raw
}

// Bind binds whatever credential the text carries.
func (s *BindService) Bind(ctx context.Context, caller model.Caller, text string) (string, error) {
	text = NormalizeCredentialText(text)
	if text == "" {
		return gameTitle + " 请发送 cred 或 token\n例如：end bind <cred>\n或：end bind <token>", nil
	}

	kind, value := ParseCredential(text)
	switch kind {
	case CredentialCred:
		return s.BindCred(ctx, caller, value, "")
	case CredentialToken:
		return s.BindToken(ctx, caller, value)
	}
	return gameTitle + " 格式错误，请发送 32位 cred 或 24位 token", nil
}

// BindToken exchanges an account login token for a credential and binds it.
func (s *BindService) BindToken(ctx context.Context, caller model.Caller, token string) (string, error) {
	info, err := s.api.CredByToken(ctx, token)
	if stderrors.Is(err, skland.ErrTokenLoginUnavailable) {
		return gameTitle + " 当前服务无法使用token登录，请尝试使用cred", nil
	}
	if err != nil || info == nil || info.Cred == "" {
		log.Warn().Err(err).Str("userId", caller.UserID).Msg("token exchange failed")
		return gameTitle + " Token 验证失败，请检查 token 是否正确", nil
	}
	return s.BindCred(ctx, caller, info.Cred, info.SklandUserID)
}

// BindCred resolves the Endfield role behind cred and stores it as the
// caller's active UID.
func (s *BindService) BindCred(ctx context.Context, caller model.Caller, cred, sklandUserID string) (string, error) {
	if sklandUserID == "" {
		info, err := s.api.UserInfo(ctx, cred)
		if err != nil {
			log.Warn().Err(err).Msg("skland user info unavailable, skipping user id")
		} else {
			sklandUserID = info.UserID()
		}
	}

	data, err := s.api.Binding(ctx, cred)
	if err != nil {
		log.Warn().Err(err).Str("userId", caller.UserID).Str("cred", util.MaskSecret(cred)).Msg("binding lookup failed")
		return gameTitle + " 绑定失败，请检查 cred 是否正确", nil
	}

	role, ok := data.EndfieldRole()
	if !ok {
		return gameTitle + " 未找到账号绑定信息", nil
	}

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := s.users.WithTx(tx).Upsert(ctx, model.UpsertUserParams{
			UID:          role.RoleID,
			UserID:       caller.UserID,
			BotID:        caller.BotID,
			Cred:         cred,
			Nickname:     role.Nickname,
			ServerID:     role.ServerID,
			ChannelName:  role.ChannelName,
			SklandUserID: sklandUserID,
		})
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}

		binds := s.binds.WithTx(tx)
		if _, err := binds.AddUID(ctx, caller.UserID, caller.BotID, role.RoleID); err != nil {
			return fmt.Errorf("add uid: %w", err)
		}
		if caller.GroupID != "" {
			if err := binds.AddGroup(ctx, caller.UserID, caller.BotID, caller.GroupID); err != nil {
				return fmt.Errorf("add group: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	audit.Log(ctx, audit.Event{
		Type:   audit.EventBind,
		UserID: caller.UserID,
		BotID:  caller.BotID,
		UID:    role.RoleID,
	})

	return fmt.Sprintf("%s 绑定成功！\n游戏昵称: %s\n服务器: %s\nUID: %s",
		gameTitle, role.Nickname, role.ChannelName, role.RoleID), nil
}

// Unbind removes the UID named by the digits in arg.
func (s *BindService) Unbind(ctx context.Context, caller model.Caller, arg string) (string, error) {
	uid := digitsOf(arg)
	if uid == "" {
		return gameTitle + " 该命令需要带上正确的uid!\n例如【end unbind 123456789】", nil
	}

	bind, err := s.binds.Find(ctx, caller.UserID, caller.BotID)
	if err != nil {
		return "", fmt.Errorf("find bind: %w", err)
	}
	if bind.ActiveUID() == "" {
		return gameTitle + " 未绑定账号", nil
	}

	var removed *model.Bind
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.users.WithTx(tx).Delete(ctx, uid, caller.UserID, caller.BotID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		removed, err = s.binds.WithTx(tx).RemoveUID(ctx, caller.UserID, caller.BotID, uid)
		if err != nil {
			return fmt.Errorf("remove uid: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if removed == nil {
		return fmt.Sprintf("%s 尚未绑定该UID[%s]", gameTitle, uid), nil
	}

	audit.Log(ctx, audit.Event{
		Type:   audit.EventUnbind,
		UserID: caller.UserID,
		BotID:  caller.BotID,
		UID:    uid,
	})
	return gameTitle + " 删除成功", nil
}

// Switch makes the UID in arg active, or rotates to the next bound UID when
// arg carries none.
func (s *BindService) Switch(ctx context.Context, caller model.Caller, arg string) (string, error) {
	bind, err := s.binds.Find(ctx, caller.UserID, caller.BotID)
	if err != nil {
		return "", fmt.Errorf("find bind: %w", err)
	}
	if bind.ActiveUID() == "" {
		return gameTitle + " 尚未绑定任何 UID", nil
	}

	target := digitsOf(arg)
	switch {
	case target != "":
		if !bind.Has(target) {
			return fmt.Sprintf("%s 尚未绑定该 UID[%s]", gameTitle, target), nil
		}
		bind, err = s.binds.AddUID(ctx, caller.UserID, caller.BotID, target)
	case len(bind.UIDs) == 1:
		return gameTitle + " 只绑定了一个 UID，无需切换", nil
	default:
		rotated := append(append([]string{}, bind.UIDs[1:]...), bind.UIDs[0])
		bind, err = s.binds.SetUIDs(ctx, caller.UserID, caller.BotID, rotated)
	}
	if err != nil {
		return "", fmt.Errorf("switch uid: %w", err)
	}

	return fmt.Sprintf("%s 切换 UID 成功！\n当前 UID: %s", gameTitle, bind.ActiveUID()), nil
}

// List renders the caller's bound UIDs, active first.
func (s *BindService) List(ctx context.Context, caller model.Caller) (string, error) {
	bind, err := s.binds.Find(ctx, caller.UserID, caller.BotID)
	if err != nil {
		return "", fmt.Errorf("find bind: %w", err)
	}
	if bind.ActiveUID() == "" {
		return gameTitle + " 尚未绑定任何 UID", nil
	}

	var b strings.Builder
	b.WriteString(gameTitle + " 已绑定的 UID 列表：")
	for i, uid := range bind.UIDs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, uid)
		if i == 0 {
			b.WriteString(" (当前)")
		}
	}
	return b.String(), nil
}

// ActiveUser returns the record of the caller's active UID, or nil.
func (s *BindService) ActiveUser(ctx context.Context, caller model.Caller) (*model.User, error) {
	bind, err := s.binds.Find(ctx, caller.UserID, caller.BotID)
	if err != nil {
		return nil, fmt.Errorf("find bind: %w", err)
	}
	uid := bind.ActiveUID()
	if uid == "" {
		return nil, nil
	}
	user, err := s.users.FindByUID(ctx, uid, caller.UserID, caller.BotID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

// MarkInvalid flags every record of userID sharing cred as needing a re-bind.
func (s *BindService) MarkInvalid(ctx context.Context, user model.User, reason string) {
	n, err := s.users.MarkInvalid(ctx, user.UserID, user.Cred)
	if err != nil {
		log.Error().Err(err).Str("uid", user.UID).Msg("failed to mark credential invalid")
		return
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventCredentialInvalid,
		UserID:  user.UserID,
		BotID:   user.BotID,
		UID:     user.UID,
		Details: map[string]interface{}{"records": n, "reason": reason, "cred": util.MaskSecret(user.Cred)},
	})
}

// ActiveUsers counts users whose credential was used within window.
func (s *BindService) ActiveUsers(ctx context.Context, window time.Duration) (int, error) {
	return s.users.CountActive(ctx, time.Now().Add(-window))
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
