// Package worker provides the task execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines claiming tasks under leases.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/backoff"
	"github.com/xraph/loom/dlq"
	"github.com/xraph/loom/ext"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/middleware"
	"github.com/xraph/loom/task"
)

// Executor runs a single task through middleware and the registered handler,
// then records the outcome: completion, a retry with backoff, or a move to
// the dead letter queue. Every outcome is written with a compare-and-swap
// from running, so an executor that lost its lease cannot clobber a task
// another worker has since claimed.
type Executor struct {
	registry   *task.Registry
	extensions *ext.Registry
	store      task.Store
	dlqService *dlq.Service
	backoff    backoff.Strategy
	ttl        time.Duration
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *task.Registry,
	extensions *ext.Registry,
	store task.Store,
	dlqService *dlq.Service,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		dlqService: dlqService,
		backoff:    bo,
		ttl:        task.DefaultTTL,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// SetTaskTTL overrides the retention period applied to terminal task
// records. Non-positive values are ignored.
func (e *Executor) SetTaskTTL(d time.Duration) {
	if d > 0 {
		e.ttl = d
	}
}

// Execute runs a task through the middleware chain and handler.
// On success: CAS running→completed, emits TaskCompleted.
// On failure with retries remaining: CAS running→queued with backoff, emits TaskRetrying.
// On failure with retries exhausted: CAS running→failed, pushes to DLQ, emits TaskFailed + TaskDLQ.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	handler, ok := e.registry.Get(t.Type)
	if !ok {
		// No handler is a permanent failure; retrying cannot fix it.
		return e.sendToDLQ(ctx, t, fmt.Errorf("no handler registered for task type %q", t.Type))
	}

	start := time.Now()

	var result map[string]any
	terminal := func(ctx context.Context) error {
		var handlerErr error
		result, handlerErr = handler(ctx, t)
		return handlerErr
	}

	err := e.mw(ctx, t, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, t, err)
	}

	return e.handleSuccess(ctx, t, result, elapsed)
}

// handleSuccess records the result and marks the task completed.
func (e *Executor) handleSuccess(ctx context.Context, t *task.Task, result map[string]any, elapsed time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(e.ttl)

	updated, err := e.store.CompareAndSwapState(ctx, t.ID, task.StateRunning, task.StateCompleted, func(rec *task.Task) {
		rec.Result = result
		rec.CompletedAt = &now
		rec.ExpiresAt = &expires
	})
	if err != nil {
		if errors.Is(err, loom.ErrInvalidState) {
			// Lease was lost and the task moved on without us. The work
			// ran, which at-least-once delivery permits; drop the result.
			e.logger.Warn("completion lost race, task no longer running",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", t.Type),
			)
			return nil
		}
		e.logger.Error("failed to mark task completed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitTaskCompleted(ctx, updated, elapsed)
	return nil
}

// handleFailure consumes one retry and either requeues with backoff or
// sends the task to the DLQ.
func (e *Executor) handleFailure(ctx context.Context, t *task.Task, handlerErr error) error {
	if t.RetryCount+1 <= t.MaxRetries {
		return e.scheduleRetry(ctx, t, handlerErr)
	}
	return e.sendToDLQ(ctx, t, handlerErr)
}

// scheduleRetry requeues the task with a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, t *task.Task, handlerErr error) error {
	now := time.Now().UTC()

	var attempt int
	var nextRunAt time.Time
	updated, err := e.store.CompareAndSwapState(ctx, t.ID, task.StateRunning, task.StateQueued, func(rec *task.Task) {
		rec.RetryCount++
		attempt = rec.RetryCount
		rec.Error = handlerErr.Error()
		nextRunAt = now.Add(e.backoff.Delay(attempt))
		rec.RunAt = nextRunAt
		rec.WorkerID = id.Nil
		rec.LeaseExpiresAt = nil
		rec.StartedAt = nil
	})
	if err != nil {
		if errors.Is(err, loom.ErrInvalidState) {
			e.logger.Warn("retry lost race, task no longer running",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", t.Type),
			)
			return nil
		}
		e.logger.Error("failed to requeue task for retry",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitTaskRetrying(ctx, updated, attempt, nextRunAt)

	e.logger.Info("task scheduled for retry",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", t.MaxRetries),
		slog.Time("next_run_at", nextRunAt),
	)

	return fmt.Errorf("task %s retry %d/%d: %w", t.Type, attempt, t.MaxRetries, handlerErr)
}

// sendToDLQ marks the task failed, pushes it to the DLQ, and emits events.
func (e *Executor) sendToDLQ(ctx context.Context, t *task.Task, handlerErr error) error {
	now := time.Now().UTC()
	expires := now.Add(e.ttl)

	updated, err := e.store.CompareAndSwapState(ctx, t.ID, task.StateRunning, task.StateFailed, func(rec *task.Task) {
		rec.Error = handlerErr.Error()
		rec.CompletedAt = &now
		rec.ExpiresAt = &expires
	})
	if err != nil {
		if errors.Is(err, loom.ErrInvalidState) {
			e.logger.Warn("failure record lost race, task no longer running",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", t.Type),
			)
			return nil
		}
		e.logger.Error("failed to mark task failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if e.dlqService != nil {
		if dlqErr := e.dlqService.Push(ctx, updated, handlerErr); dlqErr != nil {
			e.logger.Error("failed to push task to DLQ",
				slog.String("task_id", t.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	e.extensions.EmitTaskFailed(ctx, updated, handlerErr)
	e.extensions.EmitTaskDLQ(ctx, updated, handlerErr)

	e.logger.Warn("task moved to DLQ after exhausting retries",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type),
		slog.Int("retry_count", updated.RetryCount),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
