// Package graph defines the immutable workflow graph model: typed nodes,
// guarded edges, structural validation, and the parsers for the two
// serialized workflow document forms (YAML and JSON).
//
// A Workflow is validated eagerly at load time; the execution engine
// never sees a structurally malformed graph.
package graph

import "fmt"

// Kind is the node type discriminator.
type Kind string

const (
	// KindStart is the unique entry node of a workflow.
	KindStart Kind = "start"
	// KindEnd terminates a traversal with status completed.
	KindEnd Kind = "end"
	// KindTask invokes a named tool with resolved parameters.
	KindTask Kind = "task"
	// KindCondition evaluates a boolean expression and routes on it.
	KindCondition Kind = "condition"
	// KindLoop repeats a body sub-sequence while its condition holds.
	KindLoop Kind = "loop"
	// KindParallel fans out branch sub-sequences concurrently.
	KindParallel Kind = "parallel"
)

// valid reports whether k is one of the declared node kinds.
func (k Kind) valid() bool {
	switch k {
	case KindStart, KindEnd, KindTask, KindCondition, KindLoop, KindParallel:
		return true
	}
	return false
}

// LoopConfig configures a loop node.
type LoopConfig struct {
	// Condition is evaluated against the current scope before each
	// iteration; the loop exits when it is false.
	Condition string `json:"condition" yaml:"condition"`

	// Body is the ordered sequence of node IDs executed per iteration.
	Body []string `json:"body" yaml:"body"`

	// MaxIterations bounds the loop. Zero means the engine default.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Node is a single step in a workflow. Kind determines which of the
// optional fields must be populated; Validate enforces this.
type Node struct {
	ID   string `json:"id" yaml:"id"`
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Task configuration (kind=task).
	Tool       string         `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty" yaml:"tool_params,omitempty"`

	// BestEffort marks a task node whose tool failures are recorded
	// but do not fail the run.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// Condition configuration (kind=condition).
	Condition string `json:"condition_expr,omitempty" yaml:"condition_expr,omitempty"`

	// Loop configuration (kind=loop).
	Loop *LoopConfig `json:"loop_config,omitempty" yaml:"loop_config,omitempty"`

	// Parallel configuration (kind=parallel): each branch is an ordered
	// sequence of node IDs.
	Branches [][]string `json:"parallel_branches,omitempty" yaml:"parallel_branches,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Edge connects two nodes. An edge without a condition is unconditional.
// From a condition node, the guard is matched against the evaluated
// boolean result ("true"/"false" literals or an expression).
type Edge struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Workflow is an immutable graph definition. It is owned by a read-only
// registry and safely shared across concurrent runs.
type Workflow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`

	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StartNode returns the unique start node. Callers may assume it exists
// on a validated workflow.
func (w *Workflow) StartNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == KindStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Node returns the node with the given ID, or nil.
func (w *Workflow) Node(nodeID string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == nodeID {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns the outgoing edges of a node in declaration order.
// Declaration order is the tie-break for condition guards.
func (w *Workflow) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StructureError reports a malformed workflow definition. It is raised
// at load time, never mid-run.
type StructureError struct {
	WorkflowID string
	Reason     string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("graph: workflow %q: %s", e.WorkflowID, e.Reason)
}

func structErrf(workflowID, format string, args ...any) *StructureError {
	return &StructureError{WorkflowID: workflowID, Reason: fmt.Sprintf(format, args...)}
}
