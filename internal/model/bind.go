package model

import (
	"time"

	"github.com/lib/pq"
)

// Bind is the ordered UID list of a chat user; the first UID is active.
type Bind struct {
	UserID    string         `db:"user_id" json:"userId"`
	BotID     string         `db:"bot_id" json:"botId"`
	UIDs      pq.StringArray `db:"uids" json:"uids"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

func (b *Bind) ActiveUID() string {
	if b == nil || len(b.UIDs) == 0 {
		return ""
	}
	return b.UIDs[0]
}

func (b *Bind) Has(uid string) bool {
	if b == nil {
		return false
	}
	for _, u := range b.UIDs {
		if u == uid {
			return true
		}
	}
	return false
}
