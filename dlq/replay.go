package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// Replay re-enqueues a dead-lettered task as a brand new pending task with a
// fresh ID and a reset retry budget. The original entry is kept and marked
// with ReplayedAt for audit.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*task.Task, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", entryID, err)
	}

	t := task.New(entry.TaskType, entry.Queue, entry.Params)
	t.Metadata = entry.Metadata
	t.MaxRetries = entry.MaxRetries

	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("dlq: replay %s: create task: %w", entryID, err)
	}

	// The task is live at this point. A failure to mark the entry only
	// affects audit, so log it rather than unwinding the enqueue.
	if err := s.store.ReplayDLQ(ctx, entryID, time.Now().UTC()); err != nil {
		slog.Warn("dlq: failed to mark entry as replayed",
			slog.String("entry_id", entryID.String()),
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return t, nil
}
