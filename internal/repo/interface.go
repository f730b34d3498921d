package repo

import (
	"context"
	"io/fs"
)

// Lifecycle is the store surface used by process wiring and health checks.
type Lifecycle interface {
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
}

var _ Lifecycle = (*Store)(nil)
