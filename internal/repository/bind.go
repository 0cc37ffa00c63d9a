package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/enduid/enduid-server/internal/model"
)

type BindRepository interface {
	Find(ctx context.Context, userID, botID string) (*model.Bind, error)
	// AddUID makes uid the active UID, inserting it or moving it to the front.
	AddUID(ctx context.Context, userID, botID, uid string) (*model.Bind, error)
	// RemoveUID drops uid from the list; the row goes away with its last UID.
	// It returns nil when uid was not bound.
	RemoveUID(ctx context.Context, userID, botID, uid string) (*model.Bind, error)
	SetUIDs(ctx context.Context, userID, botID string, uids []string) (*model.Bind, error)
	AddGroup(ctx context.Context, userID, botID, groupID string) error
	GroupIDs(ctx context.Context, userID, botID string) ([]string, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) BindRepository
}

type bindRepo struct {
	db sqlxDB
}

func NewBindRepository(db *sqlx.DB) BindRepository {
	return &bindRepo{db: db}
}

func (r *bindRepo) WithTx(tx *sqlx.Tx) BindRepository {
	return &bindRepo{db: tx}
}

func (r *bindRepo) Find(ctx context.Context, userID, botID string) (*model.Bind, error) {
	var bind model.Bind
	err := r.db.GetContext(ctx, &bind, `
		SELECT * FROM end_binds WHERE user_id = $1 AND bot_id = $2
	`, userID, botID)
	return HandleNotFound(&bind, err)
}

func (r *bindRepo) AddUID(ctx context.Context, userID, botID, uid string) (*model.Bind, error) {
	var bind model.Bind
	err := r.db.GetContext(ctx, &bind, `
		INSERT INTO end_binds (user_id, bot_id, uids, updated_at)
		VALUES ($1, $2, ARRAY[$3::text], $4)
		ON CONFLICT (user_id, bot_id) DO UPDATE SET
			uids = ARRAY[$3::text] || array_remove(end_binds.uids, $3::text),
			updated_at = EXCLUDED.updated_at
		RETURNING *
	`, userID, botID, uid, time.Now())
	if err != nil {
		return nil, err
	}
	return &bind, nil
}

func (r *bindRepo) RemoveUID(ctx context.Context, userID, botID, uid string) (*model.Bind, error) {
	var bind model.Bind
	err := r.db.GetContext(ctx, &bind, `
		UPDATE end_binds SET
			uids = array_remove(uids, $3::text),
			updated_at = $4
		WHERE user_id = $1 AND bot_id = $2 AND $3::text = ANY(uids)
		RETURNING *
	`, userID, botID, uid, time.Now())
	found, err := HandleNotFound(&bind, err)
	if err != nil || found == nil {
		return nil, err
	}
	if len(found.UIDs) == 0 {
		if _, err := r.db.ExecContext(ctx, `
			DELETE FROM end_binds WHERE user_id = $1 AND bot_id = $2 AND cardinality(uids) = 0
		`, userID, botID); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (r *bindRepo) SetUIDs(ctx context.Context, userID, botID string, uids []string) (*model.Bind, error) {
	var bind model.Bind
	err := r.db.GetContext(ctx, &bind, `
		UPDATE end_binds SET uids = $3, updated_at = $4
		WHERE user_id = $1 AND bot_id = $2
		RETURNING *
	`, userID, botID, pq.StringArray(uids), time.Now())
	return HandleNotFound(&bind, err)
}

func (r *bindRepo) AddGroup(ctx context.Context, userID, botID, groupID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO end_bind_groups (user_id, bot_id, group_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, userID, botID, groupID)
	return err
}

func (r *bindRepo) GroupIDs(ctx context.Context, userID, botID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT group_id FROM end_bind_groups
		WHERE user_id = $1 AND bot_id = $2
		ORDER BY created_at
	`, userID, botID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
