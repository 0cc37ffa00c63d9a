package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/enduid/enduid-server/internal/model"
)

type UserRepository interface {
	FindByUID(ctx context.Context, uid, userID, botID string) (*model.User, error)
	FindByUserBot(ctx context.Context, userID, botID string) ([]model.User, error)
	ListSignable(ctx context.Context) ([]model.User, error)
	Upsert(ctx context.Context, params model.UpsertUserParams) (*model.User, error)
	Delete(ctx context.Context, uid, userID, botID string) (bool, error)
	// MarkInvalid flags every record of userID that shares cred.
	MarkInvalid(ctx context.Context, userID, cred string) (int64, error)
	SetSignSwitch(ctx context.Context, uid, userID, botID string, sw model.SignSwitch) (*model.User, error)
	SetSklandUserID(ctx context.Context, id int64, sklandUserID string) error
	TouchLastUsed(ctx context.Context, userID, cred string) error
	RandomActiveCred(ctx context.Context, since time.Time) (string, error)
	CountActive(ctx context.Context, since time.Time) (int, error)
	Count(ctx context.Context) (int, error)

	CachedToken(ctx context.Context, cred string) (string, *time.Time, error)
	SaveToken(ctx context.Context, cred, token string, refreshedAt time.Time) error

	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) UserRepository
}

type userRepo struct {
	db sqlxDB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) WithTx(tx *sqlx.Tx) UserRepository {
	return &userRepo{db: tx}
}

func (r *userRepo) FindByUID(ctx context.Context, uid, userID, botID string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM end_users
		WHERE uid = $1 AND user_id = $2 AND bot_id = $3
	`, uid, userID, botID)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByUserBot(ctx context.Context, userID, botID string) ([]model.User, error) {
	var users []model.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT * FROM end_users
		WHERE user_id = $1 AND bot_id = $2
		ORDER BY created_at
	`, userID, botID)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepo) ListSignable(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT * FROM end_users
		WHERE cred <> '' AND cookie_status <> $1 AND sign_switch = $2
		ORDER BY id
	`, model.CookieStatusInvalid, model.SignSwitchOn)
	if err != nil {
		return nil, err
	}
	return users, nil
}

// Upsert stores a freshly bound credential. A changed cred clears the cached
// token and revalidates the record; the sign switch is left as it was.
func (r *userRepo) Upsert(ctx context.Context, params model.UpsertUserParams) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO end_users (uid, user_id, bot_id, cred, nickname, server_id, channel_name, skland_user_id, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uid, user_id, bot_id) DO UPDATE SET
			cred = EXCLUDED.cred,
			token = CASE WHEN end_users.cred = EXCLUDED.cred THEN end_users.token ELSE '' END,
			token_refreshed_at = CASE WHEN end_users.cred = EXCLUDED.cred THEN end_users.token_refreshed_at ELSE NULL END,
			nickname = EXCLUDED.nickname,
			server_id = EXCLUDED.server_id,
			channel_name = EXCLUDED.channel_name,
			skland_user_id = COALESCE(NULLIF(EXCLUDED.skland_user_id, ''), end_users.skland_user_id),
			cookie_status = $10,
			last_used_at = EXCLUDED.last_used_at,
			updated_at = EXCLUDED.last_used_at
		RETURNING *
	`, params.UID, params.UserID, params.BotID, params.Cred, params.Nickname, params.ServerID,
		params.ChannelName, params.SklandUserID, time.Now(), model.CookieStatusValid)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) Delete(ctx context.Context, uid, userID, botID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM end_users WHERE uid = $1 AND user_id = $2 AND bot_id = $3
	`, uid, userID, botID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *userRepo) MarkInvalid(ctx context.Context, userID, cred string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE end_users SET cookie_status = $3, updated_at = $4
		WHERE user_id = $1 AND cred = $2
	`, userID, cred, model.CookieStatusInvalid, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *userRepo) SetSignSwitch(ctx context.Context, uid, userID, botID string, sw model.SignSwitch) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		UPDATE end_users SET sign_switch = $4, updated_at = $5
		WHERE uid = $1 AND user_id = $2 AND bot_id = $3
		RETURNING *
	`, uid, userID, botID, sw, time.Now())
	return HandleNotFound(&user, err)
}

func (r *userRepo) SetSklandUserID(ctx context.Context, id int64, sklandUserID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE end_users SET skland_user_id = $2, updated_at = $3 WHERE id = $1
	`, id, sklandUserID, time.Now())
	return err
}

func (r *userRepo) TouchLastUsed(ctx context.Context, userID, cred string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE end_users SET last_used_at = $3 WHERE user_id = $1 AND cred = $2
	`, userID, cred, time.Now())
	return err
}

// RandomActiveCred picks a valid credential of a user seen since the given time,
// or of a user never seen at all.
func (r *userRepo) RandomActiveCred(ctx context.Context, since time.Time) (string, error) {
	var cred string
	err := r.db.GetContext(ctx, &cred, `
		SELECT cred FROM end_users
		WHERE cred <> '' AND cookie_status <> $1
			AND (last_used_at IS NULL OR last_used_at >= $2)
		ORDER BY random()
		LIMIT 1
	`, model.CookieStatusInvalid, since)
	found, err := HandleNotFound(&cred, err)
	if err != nil || found == nil {
		return "", err
	}
	return *found, nil
}

func (r *userRepo) CountActive(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM end_users
		WHERE cred <> '' AND cookie_status <> $1 AND last_used_at >= $2
	`, model.CookieStatusInvalid, since)
	return count, err
}

func (r *userRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM end_users`)
	return count, err
}

// CachedToken returns the most recently refreshed token stored for cred.
func (r *userRepo) CachedToken(ctx context.Context, cred string) (string, *time.Time, error) {
	var row struct {
		Token            string     `db:"token"`
		TokenRefreshedAt *time.Time `db:"token_refreshed_at"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT token, token_refreshed_at FROM end_users
		WHERE cred = $1 AND token <> ''
		ORDER BY token_refreshed_at DESC NULLS LAST
		LIMIT 1
	`, cred)
	found, err := HandleNotFound(&row, err)
	if err != nil || found == nil {
		return "", nil, err
	}
	return found.Token, found.TokenRefreshedAt, nil
}

// SaveToken writes the token to every record holding cred.
func (r *userRepo) SaveToken(ctx context.Context, cred, token string, refreshedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE end_users SET token = $2, token_refreshed_at = $3
		WHERE cred = $1
	`, cred, token, refreshedAt)
	return err
}
