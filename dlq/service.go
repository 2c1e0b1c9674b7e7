package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// Service coordinates the dead-letter queue: the worker pushes tasks that
// exhausted their retry budget, and operators replay entries back onto
// the live queue.
type Service struct {
	store Store
	tasks task.Store
}

// NewService builds a Service over the given DLQ store and task store.
// Both are usually the same composite store.
func NewService(store Store, tasks task.Store) *Service {
	return &Service{store: store, tasks: tasks}
}

// Push records a task that has permanently failed. The task's params and
// metadata are preserved verbatim so a later replay submits identical work.
func (s *Service) Push(ctx context.Context, t *task.Task, taskErr error) error {
	now := time.Now().UTC()

	entry := &Entry{
		ID:         id.NewDLQID(),
		TaskID:     t.ID,
		TaskType:   t.Type,
		Queue:      t.Queue,
		Params:     t.Params,
		Metadata:   t.Metadata,
		Error:      taskErr.Error(),
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		FailedAt:   now,
		CreatedAt:  now,
	}

	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return fmt.Errorf("dlq: push entry for task %s: %w", t.ID, err)
	}
	return nil
}

// Get fetches a single entry.
func (s *Service) Get(ctx context.Context, entryID id.DLQID) (*Entry, error) {
	return s.store.GetDLQ(ctx, entryID)
}

// List returns entries newest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDLQ(ctx, opts)
}

// Purge deletes entries created before the cutoff.
func (s *Service) Purge(ctx context.Context, before time.Time) (int, error) {
	return s.store.PurgeDLQ(ctx, before)
}

// Count returns the number of dead-lettered entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountDLQ(ctx)
}

// DLQStore exposes the underlying store for callers that need raw access.
func (s *Service) DLQStore() Store { return s.store }
