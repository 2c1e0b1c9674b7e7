package tool

import (
	"context"
	"sync"

	"github.com/xraph/loom"
)

// Registry maps tool names to implementations.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool under its own name. A later registration with
// the same name replaces the earlier one.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Lookup returns the tool for the given name.
// Returns false if no tool is registered.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invoke resolves the tool by name and runs it. An unknown name returns
// loom.ErrToolNotFound; a tool failure is wrapped in *InvocationError.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, loom.ErrToolNotFound
	}
	result, err := t.Invoke(ctx, params)
	if err != nil {
		return nil, &InvocationError{Tool: name, Err: err}
	}
	return result, nil
}

// Outcome carries the result of an asynchronous invocation.
type Outcome struct {
	Result any
	Err    error
}

// InvokeAsync runs Invoke on its own goroutine and delivers the outcome
// on the returned channel. The channel is buffered so the result is
// never lost if the caller stops listening.
func (r *Registry) InvokeAsync(ctx context.Context, name string, params map[string]any) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		result, err := r.Invoke(ctx, name, params)
		ch <- Outcome{Result: result, Err: err}
	}()
	return ch
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Descriptions returns name to description for every registered tool.
func (r *Registry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Description()
	}
	return out
}
