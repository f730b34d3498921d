// Package testutil opens throwaway SQLite stores for package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pairengine/internal/repo"
	"pairengine/migrations"
)

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore returns a migrated SQLite store under t.TempDir().
func NewStore(t *testing.T) *repo.Store {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "engine.db"), Logger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))
	return store
}

// Retry is a short retry policy for tests.
func Retry() repo.RetryPolicy {
	return repo.RetryPolicy{MaxAttempts: 3}
}
