package engine

import (
	"fmt"
	"time"

	"github.com/xraph/loom/vars"
)

// Status is the lifecycle state of a single workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the execution record of one run: the final variable scope,
// per-node results, the visit order, and the terminal status.
type Result struct {
	Status      Status         `json:"status"`
	Variables   vars.Scope     `json:"variables"`
	NodeResults map[string]any `json:"node_results"`
	Visited     []string       `json:"visited"`
	Error       error          `json:"-"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

func newResult(initial map[string]any) *Result {
	return &Result{
		Status:      StatusRunning,
		Variables:   vars.NewScope(initial),
		NodeResults: make(map[string]any),
		StartedAt:   time.Now().UTC(),
	}
}

// ErrorMessage returns the captured error as a string, empty when the
// run succeeded. Used when persisting the record into a task.
func (r *Result) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

// ToolError wraps a tool invocation failure with the node and tool that
// produced it.
type ToolError struct {
	NodeID string
	Tool   string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("engine: node %q tool %q: %v", e.NodeID, e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// LoopLimitError marks a loop whose condition never became false within
// its iteration bound.
type LoopLimitError struct {
	NodeID string
	Limit  int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("engine: loop %q exceeded %d iterations", e.NodeID, e.Limit)
}
