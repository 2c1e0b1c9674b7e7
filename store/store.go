package store

import (
	"context"

	"github.com/xraph/loom/cron"
	"github.com/xraph/loom/dlq"
	"github.com/xraph/loom/task"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (memory, redis, postgres) implements all of them.
type Store interface {
	task.Store
	cron.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
