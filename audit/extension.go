package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// Recorder receives audit events. Implementations must be safe for
// concurrent use; a failed Record is logged and never blocks the caller.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, ev Event) error

// Record calls f(ctx, ev).
func (f RecorderFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Extension records lifecycle events through a Recorder.
type Extension struct {
	recorder Recorder
	actions  map[string]struct{}
	logger   *slog.Logger
}

// New creates an audit extension that forwards events to recorder.
func New(recorder Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: recorder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.actions == nil {
		e.actions = make(map[string]struct{}, len(AllActions()))
		for _, a := range AllActions() {
			e.actions[a] = struct{}{}
		}
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// record builds an event from alternating key/value pairs and hands it to
// the recorder. Actions outside the configured set are dropped.
func (e *Extension) record(ctx context.Context, action, category, outcome, severity, resource string, kv ...any) error {
	if _, ok := e.actions[action]; !ok {
		return nil
	}
	ev := Event{
		Time:     time.Now().UTC(),
		Action:   action,
		Category: category,
		Outcome:  outcome,
		Severity: severity,
		Resource: resource,
	}
	if len(kv) > 0 {
		ev.Details = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			ev.Details[key] = kv[i+1]
		}
	}
	if err := e.recorder.Record(ctx, ev); err != nil {
		e.logger.Warn("audit record failed",
			slog.String("action", action),
			slog.String("resource", resource),
			slog.Any("error", err),
		)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Task lifecycle
// ──────────────────────────────────────────────────

func (e *Extension) OnTaskEnqueued(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskEnqueued, CategoryTask, OutcomeSuccess, SeverityInfo, t.ID.String(),
		"type", t.Type,
		"queue", t.Queue,
	)
}

func (e *Extension) OnTaskStarted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskStarted, CategoryTask, OutcomeSuccess, SeverityInfo, t.ID.String(),
		"type", t.Type,
		"queue", t.Queue,
		"worker_id", t.WorkerID.String(),
		"attempt", t.RetryCount,
	)
}

func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskDone, CategoryTask, OutcomeSuccess, SeverityInfo, t.ID.String(),
		"type", t.Type,
		"queue", t.Queue,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, err error) error {
	return e.record(ctx, ActionTaskFailed, CategoryTask, OutcomeFailure, SeverityError, t.ID.String(),
		"type", t.Type,
		"queue", t.Queue,
		"attempt", t.RetryCount,
		"error", err.Error(),
	)
}

func (e *Extension) OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, nextRunAt time.Time) error {
	return e.record(ctx, ActionTaskRetrying, CategoryTask, OutcomeFailure, SeverityWarn, t.ID.String(),
		"type", t.Type,
		"queue", t.Queue,
		"attempt", attempt,
		"max_retries", t.MaxRetries,
		"next_run_at", nextRunAt.UTC().Format(time.RFC3339Nano),
	)
}

func (e *Extension) OnTaskDLQ(ctx context.Context, t *task.Task, err error) error {
	return e.record(ctx, ActionTaskDLQ, CategoryTask, OutcomeFailure, SeverityError, t.ID.String(),
		"type", t.Type,
		"queue", t.Queue,
		"attempt", t.RetryCount,
		"error", err.Error(),
	)
}

// ──────────────────────────────────────────────────
// Run lifecycle
// ──────────────────────────────────────────────────

func (e *Extension) OnRunStarted(ctx context.Context, workflowID string) error {
	return e.record(ctx, ActionRunStarted, CategoryRun, OutcomeSuccess, SeverityInfo, workflowID)
}

func (e *Extension) OnNodeCompleted(ctx context.Context, workflowID, nodeID string, elapsed time.Duration) error {
	return e.record(ctx, ActionNodeDone, CategoryRun, OutcomeSuccess, SeverityInfo, workflowID,
		"node_id", nodeID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnRunCompleted(ctx context.Context, workflowID string, result *engine.Result) error {
	return e.record(ctx, ActionRunDone, CategoryRun, OutcomeSuccess, SeverityInfo, workflowID,
		"status", string(result.Status),
		"nodes_visited", len(result.Visited),
		"elapsed_ms", result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
	)
}

func (e *Extension) OnRunFailed(ctx context.Context, workflowID string, err error) error {
	return e.record(ctx, ActionRunFailed, CategoryRun, OutcomeFailure, SeverityError, workflowID,
		"error", err.Error(),
	)
}

// ──────────────────────────────────────────────────
// Cron lifecycle
// ──────────────────────────────────────────────────

func (e *Extension) OnCronFired(ctx context.Context, entryName string, taskID id.TaskID) error {
	return e.record(ctx, ActionCronFired, CategoryCron, OutcomeSuccess, SeverityInfo, entryName,
		"task_id", taskID.String(),
	)
}
