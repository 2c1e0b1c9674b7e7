// Package tool defines the unit of work invoked by task nodes and the
// registry that workflow execution resolves tool names against.
package tool

import (
	"context"
	"fmt"
)

// Tool is an invocable capability. Implementations receive the node's
// resolved parameters and return a result value that is stored in the
// run scope under the node ID.
//
// Invoke must honour ctx cancellation on anything that blocks.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}

// InvocationError wraps a failure from a named tool so callers can tell
// which tool produced it.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
