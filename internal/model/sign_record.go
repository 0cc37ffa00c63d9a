package model

import "time"

const SignDateLayout = "2006-01-02"

type SignRecord struct {
	UID      string    `db:"uid" json:"uid"`
	SignDate string    `db:"sign_date" json:"signDate"`
	SignedAt time.Time `db:"signed_at" json:"signedAt"`
}

// SignDate formats t as the dedupe key date in t's location.
func SignDate(t time.Time) string {
	return t.Format(SignDateLayout)
}
