package task

import (
	"context"
	"time"

	"github.com/xraph/loom/id"
)

// ListOpts controls pagination and filtering for task list queries.
type ListOpts struct {
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for task count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by task state. Empty means all states.
	State State
}

// Store defines the persistence contract for tasks. It is the single
// serialization point for state transitions: every transition once a
// task is visible to workers goes through CompareAndSwapState or the
// equally atomic DequeueTasks claim, so concurrent workers and cancel
// requests cannot lose updates.
type Store interface {
	// CreateTask persists a new task. The task keeps whatever state the
	// caller set (normally pending).
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task. It must not be
	// used for state transitions; use CompareAndSwapState.
	UpdateTask(ctx context.Context, t *Task) error

	// DequeueTasks atomically claims up to limit queued tasks from the
	// given queues whose RunAt has passed, transitions them to running
	// under a lease of the given duration held by workerID, and returns
	// them ordered by RunAt ascending.
	DequeueTasks(ctx context.Context, workerID id.WorkerID, queues []string, limit int, lease time.Duration) ([]*Task, error)

	// RenewLease extends the lease of a running task held by the given
	// worker. It fails with loom.ErrInvalidState if the task is no
	// longer running or is held by another worker.
	RenewLease(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, lease time.Duration) error

	// CompareAndSwapState transitions a task from an expected state to a
	// new one, applying mutate to the record inside the same atomic
	// step. It fails with loom.ErrInvalidState when the current state is
	// not the expected one, which also covers every backward or
	// terminal-escaping move.
	CompareAndSwapState(ctx context.Context, taskID id.TaskID, from, to State, mutate func(*Task)) (*Task, error)

	// ReapExpired requeues running tasks whose lease expired before now
	// and returns them. Their retry budget is not consumed.
	ReapExpired(ctx context.Context, now time.Time) ([]*Task, error)

	// ListTasksByState returns tasks matching the given state.
	ListTasksByState(ctx context.Context, state State, opts ListOpts) ([]*Task, error)

	// CountTasks returns the number of tasks matching the given options.
	CountTasks(ctx context.Context, opts CountOpts) (int64, error)

	// QueueLengths returns the number of queued tasks per queue name.
	QueueLengths(ctx context.Context) (map[string]int64, error)

	// DeleteExpired removes terminal tasks whose ExpiresAt passed before
	// now and returns how many were reclaimed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
