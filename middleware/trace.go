package middleware

import (
	"context"

	"github.com/xraph/loom/scope"
	"github.com/xraph/loom/task"
)

// Trace returns middleware that restores the trace token from the task's
// metadata into the context. This ensures handlers see the same trace ID
// as the caller that submitted the task.
func Trace() Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		ctx = scope.Restore(ctx, t.Metadata)
		return next(ctx)
	}
}
