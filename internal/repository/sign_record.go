package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type SignRecordRepository interface {
	Exists(ctx context.Context, uid, date string) (bool, error)
	// SignedUIDs returns the set of UIDs holding a record for date.
	SignedUIDs(ctx context.Context, date string) (map[string]struct{}, error)
	// Mark records uid as checked in on date; repeated calls are no-ops.
	Mark(ctx context.Context, uid, date string) error
	// PurgeThrough deletes every record dated on or before date.
	PurgeThrough(ctx context.Context, date string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SignRecordRepository
}

type signRecordRepo struct {
	db sqlxDB
}

func NewSignRecordRepository(db *sqlx.DB) SignRecordRepository {
	return &signRecordRepo{db: db}
}

func (r *signRecordRepo) WithTx(tx *sqlx.Tx) SignRecordRepository {
	return &signRecordRepo{db: tx}
}

func (r *signRecordRepo) Exists(ctx context.Context, uid, date string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM end_sign_records WHERE uid = $1 AND sign_date = $2)
	`, uid, date)
	return exists, err
}

func (r *signRecordRepo) SignedUIDs(ctx context.Context, date string) (map[string]struct{}, error) {
	var uids []string
	err := r.db.SelectContext(ctx, &uids, `
		SELECT uid FROM end_sign_records WHERE sign_date = $1
	`, date)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
	return set, nil
}

func (r *signRecordRepo) Mark(ctx context.Context, uid, date string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO end_sign_records (uid, sign_date, signed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid, sign_date) DO NOTHING
	`, uid, date, time.Now())
	return err
}

func (r *signRecordRepo) PurgeThrough(ctx context.Context, date string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM end_sign_records WHERE sign_date <= $1
	`, date)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
