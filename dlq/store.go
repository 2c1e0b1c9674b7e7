package dlq

import (
	"context"
	"time"

	"github.com/xraph/loom/id"
)

// ListOpts controls pagination and filtering for ListDLQ.
type ListOpts struct {
	// Limit caps the number of entries returned. Zero means the store's
	// default page size.
	Limit int

	// Offset skips that many entries, newest first.
	Offset int

	// Queue filters to entries whose task failed on the named queue.
	// Empty matches all queues.
	Queue string
}

// Store is the persistence contract for dead-letter entries. Implementations
// live under store/ alongside the task store.
type Store interface {
	// PushDLQ persists a new entry.
	PushDLQ(ctx context.Context, entry *Entry) error

	// GetDLQ fetches a single entry, or loom.ErrDLQNotFound.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ListDLQ returns entries newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// ReplayDLQ marks an entry as replayed at the given time.
	ReplayDLQ(ctx context.Context, entryID id.DLQID, replayedAt time.Time) error

	// PurgeDLQ deletes entries created before the cutoff and returns how
	// many were removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int, error)

	// CountDLQ returns the total number of entries.
	CountDLQ(ctx context.Context) (int64, error)
}
