package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enduid/enduid-server/internal/database"
)

// setupTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests are skipped when no database is configured.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Connect(url)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	_, err = db.ExecContext(ctx, `
		TRUNCATE end_users, end_binds, end_bind_groups, end_sign_records, end_gacha_records
	`)
	require.NoError(t, err)
	return db
}
