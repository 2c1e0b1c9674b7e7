package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/loom/graph"
	"github.com/xraph/loom/tool"
	"github.com/xraph/loom/vars"
)

func edge(source, target string) graph.Edge {
	return graph.Edge{Source: source, Target: target}
}

func guarded(source, target, cond string) graph.Edge {
	return graph.Edge{Source: source, Target: target, Condition: cond}
}

func testTools(t *testing.T, extra ...tool.Tool) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	r.Register(tool.Echo())
	for _, tl := range extra {
		r.Register(tl)
	}
	return r
}

// linearEcho is the canonical START -> task_A(echo) -> END workflow.
func linearEcho() *graph.Workflow {
	return &graph.Workflow{
		ID: "wf-linear",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "task_A", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"x": "${in}"}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "task_A"), edge("task_A", "end")},
	}
}

// ----------------------------------------------------------------------------
// Linear traversal
// ----------------------------------------------------------------------------

func TestRunLinear(t *testing.T) {
	e := New(testTools(t))
	result := e.Run(context.Background(), linearEcho(), map[string]any{"in": "hi"})

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if got := result.Variables["task_A_result"]; got != "hi" {
		t.Errorf("task_A_result = %v, want %q", got, "hi")
	}
	if got := result.Variables["task_A"]; got != "hi" {
		t.Errorf("task_A = %v, want %q", got, "hi")
	}
	if got := result.NodeResults["task_A"]; got != "hi" {
		t.Errorf("NodeResults[task_A] = %v, want %q", got, "hi")
	}
	want := []string{"start", "task_A", "end"}
	if len(result.Visited) != len(want) {
		t.Fatalf("Visited = %v, want %v", result.Visited, want)
	}
	for i, id := range want {
		if result.Visited[i] != id {
			t.Errorf("Visited[%d] = %q, want %q", i, result.Visited[i], id)
		}
	}
}

func TestRunMissingVariable(t *testing.T) {
	e := New(testTools(t))
	result := e.Run(context.Background(), linearEcho(), nil)

	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	var re *vars.ResolutionError
	if !errors.As(result.Error, &re) {
		t.Fatalf("Error = %v, want *vars.ResolutionError", result.Error)
	}
	if re.Path != "in" {
		t.Errorf("Path = %q, want %q", re.Path, "in")
	}
}

// ----------------------------------------------------------------------------
// Condition routing
// ----------------------------------------------------------------------------

func conditionWorkflow() *graph.Workflow {
	return &graph.Workflow{
		ID: "wf-cond",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "task_A", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"x": "${in}"}},
			{ID: "check", Kind: graph.KindCondition, Condition: `${task_A_result} == "hi"`},
			{ID: "yes", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "took-true"}},
			{ID: "no", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "took-false"}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			edge("start", "task_A"),
			edge("task_A", "check"),
			guarded("check", "yes", "true"),
			guarded("check", "no", "false"),
			edge("yes", "end"),
			edge("no", "end"),
		},
	}
}

func TestRunConditionRoutesTrue(t *testing.T) {
	e := New(testTools(t))
	result := e.Run(context.Background(), conditionWorkflow(), map[string]any{"in": "hi"})

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if result.NodeResults["check"] != true {
		t.Errorf("NodeResults[check] = %v, want true", result.NodeResults["check"])
	}
	if got := result.Variables["yes_result"]; got != "took-true" {
		t.Errorf("yes_result = %v, want taken true branch", got)
	}
	if _, ran := result.Variables["no_result"]; ran {
		t.Error("false branch executed, want skipped")
	}
}

func TestRunConditionRoutesFalse(t *testing.T) {
	e := New(testTools(t))
	result := e.Run(context.Background(), conditionWorkflow(), map[string]any{"in": "nope"})

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if got := result.Variables["no_result"]; got != "took-false" {
		t.Errorf("no_result = %v, want taken false branch", got)
	}
}

func TestRunConditionNoMatchingEdge(t *testing.T) {
	wf := conditionWorkflow()
	// Strip the false-guarded edge so a false result has nowhere to go.
	var edges []graph.Edge
	for _, e := range wf.Edges {
		if e.Source == "check" && e.Condition == "false" {
			continue
		}
		edges = append(edges, e)
	}
	wf.Edges = edges

	e := New(testTools(t))
	result := e.Run(context.Background(), wf, map[string]any{"in": "nope"})
	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed on unmatched guard", result.Status)
	}
}

// ----------------------------------------------------------------------------
// Tool failures
// ----------------------------------------------------------------------------

func TestRunToolFailure(t *testing.T) {
	boom := errors.New("boom")
	failing := &tool.Func{
		ToolName: "explode",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, boom
		},
	}
	wf := linearEcho()
	wf.Nodes[1].Tool = "explode"
	wf.Nodes[1].ToolParams = nil

	e := New(testTools(t, failing))
	result := e.Run(context.Background(), wf, nil)

	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	var te *ToolError
	if !errors.As(result.Error, &te) {
		t.Fatalf("Error = %v, want *ToolError", result.Error)
	}
	if te.NodeID != "task_A" || te.Tool != "explode" {
		t.Errorf("ToolError = %+v, want node task_A tool explode", te)
	}
	if !errors.Is(result.Error, boom) {
		t.Error("ToolError does not wrap the cause")
	}
}

func TestRunBestEffortNodeContinues(t *testing.T) {
	failing := &tool.Func{
		ToolName: "explode",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	wf := linearEcho()
	wf.Nodes[1].Tool = "explode"
	wf.Nodes[1].ToolParams = nil
	wf.Nodes[1].BestEffort = true

	e := New(testTools(t, failing))
	result := e.Run(context.Background(), wf, nil)

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed despite tool failure", result.Status, result.Error)
	}
	recorded, ok := result.NodeResults["task_A"].(map[string]any)
	if !ok || recorded["error"] == "" {
		t.Errorf("NodeResults[task_A] = %v, want recorded error", result.NodeResults["task_A"])
	}
}

// ----------------------------------------------------------------------------
// Loops
// ----------------------------------------------------------------------------

func incrTool() tool.Tool {
	return &tool.Func{
		ToolName: "incr",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			n, _ := params["n"].(int)
			return n + 1, nil
		},
	}
}

func loopWorkflow(cond string, maxIter int) *graph.Workflow {
	return &graph.Workflow{
		ID: "wf-loop",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "tick", Kind: graph.KindTask, Tool: "incr", ToolParams: map[string]any{"n": "${tick_result}"}},
			{ID: "repeat", Kind: graph.KindLoop, Loop: &graph.LoopConfig{
				Condition:     cond,
				Body:          []string{"tick"},
				MaxIterations: maxIter,
			}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "repeat"), edge("repeat", "end")},
	}
}

func TestRunLoop(t *testing.T) {
	e := New(testTools(t, incrTool()))
	wf := loopWorkflow("${tick_result} < 3", 0)
	result := e.Run(context.Background(), wf, map[string]any{"tick_result": 0})

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if got := result.Variables["tick_result"]; got != 3 {
		t.Errorf("tick_result = %v, want 3", got)
	}
	loopRes, _ := result.NodeResults["repeat"].(map[string]any)
	if loopRes["iterations"] != 3 {
		t.Errorf("iterations = %v, want 3", loopRes["iterations"])
	}
	if _, leaked := result.Variables["loop_index"]; leaked {
		t.Error("loop_index leaked out of loop body scope")
	}
}

func TestRunLoopConditionInitiallyFalse(t *testing.T) {
	e := New(testTools(t, incrTool()))
	wf := loopWorkflow("false", 0)
	result := e.Run(context.Background(), wf, map[string]any{"tick_result": 0})

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if got := result.Variables["tick_result"]; got != 0 {
		t.Errorf("tick_result = %v, want untouched 0", got)
	}
	loopRes, _ := result.NodeResults["repeat"].(map[string]any)
	if loopRes["iterations"] != 0 {
		t.Errorf("iterations = %v, want 0", loopRes["iterations"])
	}
	if _, present := result.Variables["loop_index"]; present {
		t.Error("loop_index set despite body never running")
	}
}

func TestRunLoopLimit(t *testing.T) {
	var calls int
	counter := &tool.Func{
		ToolName: "incr",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			calls++
			n, _ := params["n"].(int)
			return n + 1, nil
		},
	}
	reg := tool.NewRegistry()
	reg.Register(counter)
	e := New(reg)
	wf := loopWorkflow("true", 5)
	result := e.Run(context.Background(), wf, map[string]any{"tick_result": 0})

	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	var le *LoopLimitError
	if !errors.As(result.Error, &le) {
		t.Fatalf("Error = %v, want *LoopLimitError", result.Error)
	}
	if le.NodeID != "repeat" || le.Limit != 5 {
		t.Errorf("LoopLimitError = %+v, want node repeat limit 5", le)
	}
	if calls != 5 {
		t.Errorf("body executed %d times, want exactly 5", calls)
	}
}

// ----------------------------------------------------------------------------
// Parallel fan-out
// ----------------------------------------------------------------------------

func TestRunParallelDisjointKeys(t *testing.T) {
	e := New(testTools(t))
	wf := &graph.Workflow{
		ID: "wf-par",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "left", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "L"}},
			{ID: "right", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "R"}},
			{ID: "fan", Kind: graph.KindParallel, Branches: [][]string{{"left"}, {"right"}}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "fan"), edge("fan", "end")},
	}
	result := e.Run(context.Background(), wf, nil)

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if result.Variables["left_result"] != "L" || result.Variables["right_result"] != "R" {
		t.Errorf("merged scope = %v, want union of both branches", result.Variables)
	}
	if result.NodeResults["left"] != "L" || result.NodeResults["right"] != "R" {
		t.Errorf("NodeResults missing branch results: %v", result.NodeResults)
	}
}

func TestRunParallelLastBranchWins(t *testing.T) {
	// Both branches run the same node. The first branch delays before it,
	// so it finishes later in wall-clock time, yet the merge must take
	// the last declared branch's value, not the latest write.
	var mu sync.Mutex
	var calls int
	seq := &tool.Func{
		ToolName: "seq",
		Fn: func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return calls, nil
		},
	}
	slow := &tool.Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	e := New(testTools(t, seq, slow))
	wf := &graph.Workflow{
		ID: "wf-par-conflict",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "wait", Kind: graph.KindTask, Tool: "slow"},
			{ID: "dup", Kind: graph.KindTask, Tool: "seq"},
			{ID: "fan", Kind: graph.KindParallel, Branches: [][]string{{"wait", "dup"}, {"dup"}}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "fan"), edge("fan", "end")},
	}
	result := e.Run(context.Background(), wf, nil)

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	// The fast branch (declared last) invoked seq first.
	if got := result.Variables["dup_result"]; got != 1 {
		t.Errorf("dup_result = %v, want last declared branch's value 1", got)
	}
}

func TestRunParallelUntouchedKeysDoNotShadowWrites(t *testing.T) {
	// Each branch runs over a clone of the fan-out scope. A later
	// declared branch that never touches a key must not restore the
	// stale pre-fan-out value over an earlier branch's write.
	e := New(testTools(t))
	wf := &graph.Workflow{
		ID: "wf-par-stale",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "x", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "new"}},
			{ID: "y", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "side"}},
			{ID: "fan", Kind: graph.KindParallel, Branches: [][]string{{"x"}, {"y"}}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "fan"), edge("fan", "end")},
	}
	result := e.Run(context.Background(), wf, map[string]any{"x_result": "old"})

	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed", result.Status, result.Error)
	}
	if got := result.Variables["x_result"]; got != "new" {
		t.Errorf("x_result = %v, want first branch's write %q", got, "new")
	}
	if got := result.Variables["y_result"]; got != "side" {
		t.Errorf("y_result = %v, want %q", got, "side")
	}
}

func TestRunParallelBranchFailure(t *testing.T) {
	failing := &tool.Func{
		ToolName: "explode",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	e := New(testTools(t, failing))
	wf := &graph.Workflow{
		ID: "wf-par-fail",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "ok", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "fine"}},
			{ID: "bad", Kind: graph.KindTask, Tool: "explode"},
			{ID: "fan", Kind: graph.KindParallel, Branches: [][]string{{"ok"}, {"bad"}}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "fan"), edge("fan", "end")},
	}
	result := e.Run(context.Background(), wf, nil)

	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	var te *ToolError
	if !errors.As(result.Error, &te) || te.NodeID != "bad" {
		t.Errorf("Error = %v, want *ToolError for node bad", result.Error)
	}
}

// ----------------------------------------------------------------------------
// Routing failures and cycles
// ----------------------------------------------------------------------------

func TestRunMissingEdge(t *testing.T) {
	wf := linearEcho()
	wf.Edges = wf.Edges[:1] // task_A has no outgoing edge

	e := New(testTools(t))
	result := e.Run(context.Background(), wf, map[string]any{"in": "hi"})
	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed on missing edge", result.Status)
	}
}

func TestRunMultipleUnconditionalEdges(t *testing.T) {
	wf := linearEcho()
	wf.Edges = append(wf.Edges, edge("task_A", "start"))

	e := New(testTools(t))
	result := e.Run(context.Background(), wf, map[string]any{"in": "hi"})
	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed on ambiguous edges", result.Status)
	}
}

func TestRunCycleDetected(t *testing.T) {
	wf := &graph.Workflow{
		ID: "wf-cycle",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "a", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "1"}},
			{ID: "b", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"v": "2"}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{edge("start", "a"), edge("a", "b"), edge("b", "a")},
	}
	e := New(testTools(t))
	result := e.Run(context.Background(), wf, nil)
	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed on cycle outside loop", result.Status)
	}
}

// ----------------------------------------------------------------------------
// Cancellation and timeout
// ----------------------------------------------------------------------------

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(testTools(t))
	result := e.Run(ctx, linearEcho(), map[string]any{"in": "hi"})
	if result.Status != StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", result.Status)
	}
}

func TestRunCancelledAtNodeBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	trigger := &tool.Func{
		ToolName: "trigger",
		Fn: func(context.Context, map[string]any) (any, error) {
			cancel()
			return "done", nil
		},
	}
	e := New(testTools(t, trigger))
	wf := linearEcho()
	wf.Nodes[1].Tool = "trigger"
	wf.Nodes[1].ToolParams = nil

	result := e.Run(ctx, wf, nil)
	if result.Status != StatusCancelled {
		t.Fatalf("Status = %q, want cancelled at next boundary", result.Status)
	}
	// The tool completed before the boundary check, so its result is
	// already on the record.
	if result.NodeResults["task_A"] != "done" {
		t.Errorf("NodeResults[task_A] = %v, want completed node result recorded", result.NodeResults["task_A"])
	}
}

func TestRunTimeout(t *testing.T) {
	sleeper := &tool.Func{
		ToolName: "sleep",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	e := New(testTools(t, sleeper), WithRunTimeout(20*time.Millisecond))
	wf := linearEcho()
	wf.Nodes[1].Tool = "sleep"
	wf.Nodes[1].ToolParams = nil

	result := e.Run(context.Background(), wf, nil)
	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed on timeout", result.Status)
	}
	if !errors.Is(result.Error, ErrRunTimeout) {
		t.Errorf("Error = %v, want ErrRunTimeout", result.Error)
	}
}

func TestRunTimeoutMetadataOverride(t *testing.T) {
	e := New(testTools(t), WithRunTimeout(time.Nanosecond))
	wf := linearEcho()
	wf.Metadata = map[string]any{"timeout_seconds": 30}

	result := e.Run(context.Background(), wf, map[string]any{"in": "hi"})
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (err %v), want completed under overridden budget", result.Status, result.Error)
	}
}
