// Package pgtest opens the test database.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/pgdb"
)

const EnvURL = "DOMAINSCOPE_TEST_DATABASE_URL"

// Open connects to the database named by EnvURL and applies migrations.
// The test is skipped when the variable is unset.
func Open(t *testing.T) *pgdb.DB {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skip(EnvURL + " not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := pgdb.Connect(ctx, pgdb.Opts{URL: url})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, nil))
	t.Cleanup(func() { db.Close() })
	return db
}

// Truncate empties the given tables.
func Truncate(t *testing.T, db *pgdb.DB, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := db.Pool.Exec(context.Background(), "TRUNCATE "+table)
		require.NoError(t, err)
	}
}
