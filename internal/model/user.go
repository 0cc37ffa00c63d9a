package model

import (
	"time"
)

// User is one game role bound by a chat user on a bot instance.
type User struct {
	ID               int64        `db:"id" json:"id"`
	UID              string       `db:"uid" json:"uid"`
	UserID           string       `db:"user_id" json:"userId"`
	BotID            string       `db:"bot_id" json:"botId"`
	Cred             string       `db:"cred" json:"-"`
	Token            string       `db:"token" json:"-"`
	Nickname         string       `db:"nickname" json:"nickname"`
	ServerID         string       `db:"server_id" json:"serverId"`
	ChannelName      string       `db:"channel_name" json:"channelName"`
	SklandUserID     string       `db:"skland_user_id" json:"sklandUserId"`
	CookieStatus     CookieStatus `db:"cookie_status" json:"cookieStatus"`
	SignSwitch       SignSwitch   `db:"sign_switch" json:"signSwitch"`
	LastUsedAt       *time.Time   `db:"last_used_at" json:"lastUsedAt,omitempty"`
	TokenRefreshedAt *time.Time   `db:"token_refreshed_at" json:"tokenRefreshedAt,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

// DisplayName prefers the in-game nickname.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.UID
}

// Signable reports whether the scheduler may check this account in.
func (u *User) Signable() bool {
	return u.Cred != "" && u.CookieStatus != CookieStatusInvalid && u.SignSwitch == SignSwitchOn
}

type UpsertUserParams struct {
	UID          string
	UserID       string
	BotID        string
	Cred         string
	Nickname     string
	ServerID     string
	ChannelName  string
	SklandUserID string
}
