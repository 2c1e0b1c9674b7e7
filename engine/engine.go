// Package engine walks a validated workflow graph, dispatches each node
// by kind, mutates the run's variable scope, and produces an execution
// record. It is single-threaded per run except at parallel fan-out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/loom/graph"
	"github.com/xraph/loom/tool"
)

const defaultMaxLoopIterations = 100

// ErrRunTimeout marks a run that exceeded its wall-clock budget. The
// run fails at the next node boundary; a hung tool call is never
// interrupted.
var ErrRunTimeout = errors.New("engine: workflow run timed out")

// Observer is notified after each successful node dispatch. Used to
// surface per-node progress to lifecycle extensions without the engine
// depending on them.
type Observer interface {
	NodeCompleted(ctx context.Context, workflowID, nodeID string, elapsed time.Duration)
}

// Engine executes workflows against a tool registry. It is stateless
// across runs and safe for concurrent use.
type Engine struct {
	tools             *tool.Registry
	logger            *slog.Logger
	observer          Observer
	maxLoopIterations int
	runTimeout        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver sets the per-node progress observer.
func WithObserver(obs Observer) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithMaxLoopIterations sets the default iteration cap for loop nodes
// that do not declare their own.
func WithMaxLoopIterations(n int) Option {
	return func(e *Engine) { e.maxLoopIterations = n }
}

// WithRunTimeout sets a wall-clock budget applied to every run. Zero
// means no budget. A workflow can override it through the
// "timeout_seconds" metadata key.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// New creates an execution engine bound to a tool registry.
func New(tools *tool.Registry, opts ...Option) *Engine {
	e := &Engine{
		tools:             tools,
		logger:            slog.Default(),
		maxLoopIterations: defaultMaxLoopIterations,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the workflow to completion and returns the execution
// record. Errors are captured on the record, never returned separately:
// a caller inspects Result.Status and Result.Error.
//
// Cancellation is cooperative. The ctx is checked at every node
// boundary; in-flight tool calls are left to finish and their results
// discarded.
func (e *Engine) Run(ctx context.Context, wf *graph.Workflow, initial map[string]any) *Result {
	result := newResult(initial)

	if timeout := e.timeoutFor(wf); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := &run{eng: e, wf: wf, result: result}

	e.logger.Debug("workflow run starting",
		slog.String("workflow", wf.ID),
		slog.Int("nodes", len(wf.Nodes)),
	)

	err := r.traverse(ctx)
	result.CompletedAt = time.Now().UTC()

	switch {
	case err == nil:
		result.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		result.Status = StatusCancelled
		result.Error = err
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = StatusFailed
		result.Error = ErrRunTimeout
	default:
		result.Status = StatusFailed
		result.Error = err
	}

	e.logger.Debug("workflow run finished",
		slog.String("workflow", wf.ID),
		slog.String("status", string(result.Status)),
		slog.Duration("elapsed", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result
}

// timeoutFor resolves the run budget: workflow metadata overrides the
// engine default.
func (e *Engine) timeoutFor(wf *graph.Workflow) time.Duration {
	if wf.Metadata != nil {
		switch v := wf.Metadata["timeout_seconds"].(type) {
		case int:
			return time.Duration(v) * time.Second
		case float64:
			return time.Duration(v * float64(time.Second))
		}
	}
	return e.runTimeout
}

// traversalErrf reports a routing failure at run time, such as a
// missing edge or an unsanctioned cycle.
func traversalErrf(format string, args ...any) error {
	return fmt.Errorf("engine: "+format, args...)
}
