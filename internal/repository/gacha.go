package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/enduid/enduid-server/internal/model"
)

type GachaRepository interface {
	// Insert stores records, skipping any (uid, pool, seq_id) already present,
	// and returns how many were new.
	Insert(ctx context.Context, records []model.GachaRecord) (int, error)
	ListByUID(ctx context.Context, uid string) ([]model.GachaRecord, error)
	CountByUID(ctx context.Context, uid string) (int, error)
	DeleteByUID(ctx context.Context, uid string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) GachaRepository
}

type gachaRepo struct {
	db sqlxDB
}

func NewGachaRepository(db *sqlx.DB) GachaRepository {
	return &gachaRepo{db: db}
}

func (r *gachaRepo) WithTx(tx *sqlx.Tx) GachaRepository {
	return &gachaRepo{db: tx}
}

func (r *gachaRepo) Insert(ctx context.Context, records []model.GachaRecord) (int, error) {
	inserted := 0
	for _, rec := range records {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO end_gacha_records (uid, pool_name, seq_id, item_name, rarity, gacha_ts, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (uid, pool_name, seq_id) DO NOTHING
		`, rec.UID, rec.PoolName, rec.SeqID, rec.ItemName, rec.Rarity, rec.GachaTs, string(rec.Payload))
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (r *gachaRepo) ListByUID(ctx context.Context, uid string) ([]model.GachaRecord, error) {
	var records []model.GachaRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM end_gacha_records WHERE uid = $1 ORDER BY pool_name
	`, uid)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *gachaRepo) CountByUID(ctx context.Context, uid string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM end_gacha_records WHERE uid = $1
	`, uid)
	return count, err
}

func (r *gachaRepo) DeleteByUID(ctx context.Context, uid string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM end_gacha_records WHERE uid = $1`, uid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
