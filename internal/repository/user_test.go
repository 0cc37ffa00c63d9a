package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enduid/enduid-server/internal/model"
)

func userParams(uid, cred string) model.UpsertUserParams {
	return model.UpsertUserParams{
		UID:         uid,
		UserID:      "10001",
		BotID:       "onebot",
		Cred:        cred,
		Nickname:    "Perlica",
		ServerID:    "1",
		ChannelName: "官服",
	}
}

func TestUserRepository_Upsert(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	user, err := repo.Upsert(ctx, userParams("42", "cred-a"))
	require.NoError(t, err)
	assert.Equal(t, model.CookieStatusValid, user.CookieStatus)
	assert.Equal(t, model.SignSwitchOff, user.SignSwitch)

	require.NoError(t, repo.SaveToken(ctx, "cred-a", "tok", time.Now()))

	t.Run("same cred keeps token", func(t *testing.T) {
		user, err := repo.Upsert(ctx, userParams("42", "cred-a"))
		require.NoError(t, err)
		assert.Equal(t, "tok", user.Token)
	})

	t.Run("new cred clears token and revalidates", func(t *testing.T) {
		_, err := repo.MarkInvalid(ctx, "10001", "cred-a")
		require.NoError(t, err)

		user, err := repo.Upsert(ctx, userParams("42", "cred-b"))
		require.NoError(t, err)
		assert.Empty(t, user.Token)
		assert.Nil(t, user.TokenRefreshedAt)
		assert.Equal(t, model.CookieStatusValid, user.CookieStatus)
	})
}

func TestUserRepository_TokenStore(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	token, at, err := repo.CachedToken(ctx, "cred-a")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Nil(t, at)

	_, err = repo.Upsert(ctx, userParams("42", "cred-a"))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, userParams("43", "cred-a"))
	require.NoError(t, err)

	refreshed := time.Now().Truncate(time.Second)
	require.NoError(t, repo.SaveToken(ctx, "cred-a", "tok", refreshed))

	token, at, err = repo.CachedToken(ctx, "cred-a")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	require.NotNil(t, at)
	assert.True(t, refreshed.Equal(*at))

	other, err := repo.FindByUID(ctx, "43", "10001", "onebot")
	require.NoError(t, err)
	assert.Equal(t, "tok", other.Token)
}

func TestUserRepository_Signable(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	for _, uid := range []string{"1", "2", "3"} {
		_, err := repo.Upsert(ctx, userParams(uid, "cred-"+uid))
		require.NoError(t, err)
		_, err = repo.SetSignSwitch(ctx, uid, "10001", "onebot", model.SignSwitchOn)
		require.NoError(t, err)
	}
	_, err := repo.MarkInvalid(ctx, "10001", "cred-2")
	require.NoError(t, err)

	users, err := repo.ListSignable(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "1", users[0].UID)
	assert.Equal(t, "3", users[1].UID)

	t.Run("switch on missing user returns nil", func(t *testing.T) {
		user, err := repo.SetSignSwitch(ctx, "404", "10001", "onebot", model.SignSwitchOn)
		require.NoError(t, err)
		assert.Nil(t, user)
	})
}

func TestUserRepository_ActiveCred(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewUserRepository(db.DB)
	ctx := context.Background()

	cred, err := repo.RandomActiveCred(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, cred)

	_, err = repo.Upsert(ctx, userParams("42", "cred-a"))
	require.NoError(t, err)

	cred, err = repo.RandomActiveCred(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "cred-a", cred)

	count, err := repo.CountActive(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err := repo.Delete(ctx, "42", "10001", "onebot")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, "42", "10001", "onebot")
	require.NoError(t, err)
	assert.False(t, deleted)
}
