package ext

import (
	"context"
	"time"

	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskEnqueued is called after a task is successfully enqueued.
type TaskEnqueued interface {
	OnTaskEnqueued(ctx context.Context, t *task.Task) error
}

// TaskStarted is called when a worker begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails terminally (no more retries).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, err error) error
}

// TaskRetrying is called when a task fails but is scheduled for retry.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextRunAt time.Time) error
}

// TaskDLQ is called when a task is moved to the dead letter queue.
type TaskDLQ interface {
	OnTaskDLQ(ctx context.Context, t *task.Task, err error) error
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunStarted is called when a workflow run begins.
type RunStarted interface {
	OnRunStarted(ctx context.Context, workflowID string) error
}

// NodeCompleted is called after a workflow node finishes.
type NodeCompleted interface {
	OnNodeCompleted(ctx context.Context, workflowID, nodeID string, elapsed time.Duration) error
}

// RunCompleted is called after a workflow run finishes successfully.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, workflowID string, result *engine.Result) error
}

// RunFailed is called when a workflow run fails or is cancelled.
type RunFailed interface {
	OnRunFailed(ctx context.Context, workflowID string, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a cron entry fires and enqueues a task.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, taskID id.TaskID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
