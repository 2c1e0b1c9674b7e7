// Package scope carries the trace token that links an enqueued task to
// the request that produced it. The token is captured into the task's
// metadata at enqueue time and restored into the worker's context
// before execution, so a run's observability trail is reconstructible
// across process boundaries.
package scope

import "context"

type traceKey struct{}

// TraceMetadataKey is the task metadata key the trace token travels
// under between enqueue and execution.
const TraceMetadataKey = "trace_id"

// WithTrace attaches a trace token to the context.
func WithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// Capture extracts the trace token from the context.
// Returns the empty string if none is present.
func Capture(ctx context.Context) string {
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

// Restore attaches the trace token from task metadata to the context.
// A missing or empty token is a no-op.
func Restore(ctx context.Context, metadata map[string]string) context.Context {
	return WithTrace(ctx, metadata[TraceMetadataKey])
}

// Stamp writes the context's trace token into task metadata, creating
// the map when needed. Returns the metadata map.
func Stamp(ctx context.Context, metadata map[string]string) map[string]string {
	traceID := Capture(ctx)
	if traceID == "" {
		return metadata
	}
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	metadata[TraceMetadataKey] = traceID
	return metadata
}
