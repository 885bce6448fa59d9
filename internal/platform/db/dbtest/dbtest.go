// Package dbtest opens a migrated PostgreSQL pool for repository tests.
// Tests that use it are skipped unless DATABASE_URL is set.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teleconsult/consult/internal/platform/db"
	"github.com/teleconsult/consult/migrations"
)

// Pool connects to DATABASE_URL and applies every migration. Tests share
// the database, so they must only touch rows they created.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, url, 16, 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, migrations.Files).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}
