package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/loom/expr"
	"github.com/xraph/loom/graph"
	"github.com/xraph/loom/vars"
)

// loopIndexVar is exposed to loop bodies, 1-based, incremented before
// each iteration.
const loopIndexVar = "loop_index"

// run is the mutable state of one execution: the workflow being walked
// and the record being built. Parallel branches get their own run over
// a cloned scope.
type run struct {
	eng    *Engine
	wf     *graph.Workflow
	result *Result
}

func (r *run) scope() vars.Scope { return r.result.Variables }

// boundary is the cooperative cancellation check performed before every
// node dispatch.
func boundary(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// traverse walks the graph from the start node until an end node, a
// failure, or cancellation. Loop nodes are the only sanctioned cycle
// construct; revisiting any node on the main path is an error.
func (r *run) traverse(ctx context.Context) error {
	current := r.wf.StartNode()
	if current == nil {
		return traversalErrf("workflow %q has no start node", r.wf.ID)
	}

	seen := make(map[string]bool, len(r.wf.Nodes))
	for {
		if err := boundary(ctx); err != nil {
			return err
		}
		if seen[current.ID] {
			return traversalErrf("cycle detected at node %q", current.ID)
		}
		seen[current.ID] = true

		value, err := r.dispatch(ctx, current)
		if err != nil {
			return err
		}
		if current.Kind == graph.KindEnd {
			return nil
		}

		current, err = r.nextNode(current, value)
		if err != nil {
			return err
		}
	}
}

// dispatch executes one node by kind, appends it to the visit order,
// and records its result.
func (r *run) dispatch(ctx context.Context, node *graph.Node) (any, error) {
	r.result.Visited = append(r.result.Visited, node.ID)
	start := time.Now()

	var (
		value any
		err   error
	)
	switch node.Kind {
	case graph.KindStart, graph.KindEnd:
		// Control markers, no action.
	case graph.KindTask:
		value, err = r.execTask(ctx, node)
	case graph.KindCondition:
		value, err = r.execCondition(node)
	case graph.KindLoop:
		value, err = r.execLoop(ctx, node)
	case graph.KindParallel:
		value, err = r.execParallel(ctx, node)
	default:
		err = traversalErrf("node %q has unknown kind %q", node.ID, node.Kind)
	}
	if err != nil {
		return nil, err
	}

	r.result.NodeResults[node.ID] = value
	if r.eng.observer != nil {
		r.eng.observer.NodeCompleted(ctx, r.wf.ID, node.ID, time.Since(start))
	}
	return value, nil
}

// nextNode selects the successor after a dispatched node.
func (r *run) nextNode(node *graph.Node, value any) (*graph.Node, error) {
	var (
		edge *graph.Edge
		err  error
	)
	if node.Kind == graph.KindCondition {
		matched, _ := value.(bool)
		edge, err = r.pickConditionEdge(node, matched)
	} else {
		edge, err = r.singleUnconditionalEdge(node)
	}
	if err != nil {
		return nil, err
	}

	next := r.wf.Node(edge.Target)
	if next == nil {
		return nil, traversalErrf("edge from %q targets unknown node %q", node.ID, edge.Target)
	}
	return next, nil
}

// singleUnconditionalEdge enforces exactly one unconditional outgoing
// edge, the routing rule for start, task, loop, and parallel nodes.
func (r *run) singleUnconditionalEdge(node *graph.Node) (*graph.Edge, error) {
	var found *graph.Edge
	for _, e := range r.wf.Outgoing(node.ID) {
		if e.Condition != "" {
			continue
		}
		if found != nil {
			return nil, traversalErrf("node %q has multiple unconditional outgoing edges", node.ID)
		}
		e := e
		found = &e
	}
	if found == nil {
		return nil, traversalErrf("node %q has no unconditional outgoing edge", node.ID)
	}
	return found, nil
}

// pickConditionEdge selects the first outgoing edge, in declaration
// order, whose guard matches the evaluated condition result. Guards are
// the literals "true"/"false" matched against the result, a further
// expression evaluated against the scope, or absent (always matches).
func (r *run) pickConditionEdge(node *graph.Node, matched bool) (*graph.Edge, error) {
	for _, e := range r.wf.Outgoing(node.ID) {
		switch e.Condition {
		case "":
			e := e
			return &e, nil
		case "true":
			if matched {
				e := e
				return &e, nil
			}
		case "false":
			if !matched {
				e := e
				return &e, nil
			}
		default:
			ok, err := expr.Eval(e.Condition, r.scope())
			if err != nil {
				return nil, fmt.Errorf("engine: edge %q -> %q guard: %w", e.Source, e.Target, err)
			}
			if ok {
				e := e
				return &e, nil
			}
		}
	}
	return nil, traversalErrf("no outgoing edge of node %q matched result %v", node.ID, matched)
}

// ──────────────────────────────────────────────────
// Node kinds
// ──────────────────────────────────────────────────

// execTask resolves the node's parameters against the current scope,
// invokes the tool, and publishes the raw result under the node ID and
// the "<id>_result" alias.
func (r *run) execTask(ctx context.Context, node *graph.Node) (any, error) {
	params := map[string]any{}
	if node.ToolParams != nil {
		resolved, err := vars.Resolve(node.ToolParams, r.scope())
		if err != nil {
			return nil, fmt.Errorf("engine: node %q params: %w", node.ID, err)
		}
		params = resolved.(map[string]any)
	}

	result, err := r.eng.tools.Invoke(ctx, node.Tool, params)
	if err != nil {
		terr := &ToolError{NodeID: node.ID, Tool: node.Tool, Err: err}
		if !node.BestEffort {
			return nil, terr
		}
		r.eng.logger.Warn("best-effort node failed, continuing",
			slog.String("workflow", r.wf.ID),
			slog.String("node", node.ID),
			slog.String("tool", node.Tool),
			slog.String("error", err.Error()),
		)
		result = map[string]any{"error": err.Error()}
	}

	r.scope().Set(node.ID, result)
	r.scope().Set(node.ID+"_result", result)
	return result, nil
}

// execCondition evaluates the node's expression and returns the boolean
// used for edge routing.
func (r *run) execCondition(node *graph.Node) (any, error) {
	matched, err := expr.Eval(node.Condition, r.scope())
	if err != nil {
		return nil, fmt.Errorf("engine: node %q condition: %w", node.ID, err)
	}
	return matched, nil
}

// execLoop re-evaluates the loop condition before each iteration and
// runs the body sub-sequence while it holds. The iteration counter is
// exposed as loop_index inside the body and removed (or restored, for
// nested loops) on exit.
func (r *run) execLoop(ctx context.Context, node *graph.Node) (any, error) {
	max := node.Loop.MaxIterations
	if max <= 0 {
		max = r.eng.maxLoopIterations
	}

	prev, hadPrev := r.scope()[loopIndexVar]
	defer func() {
		if hadPrev {
			r.scope().Set(loopIndexVar, prev)
		} else {
			r.scope().Delete(loopIndexVar)
		}
	}()

	iterations := 0
	for i := 1; ; i++ {
		if err := boundary(ctx); err != nil {
			return nil, err
		}

		proceed, err := expr.Eval(node.Loop.Condition, r.scope())
		if err != nil {
			return nil, fmt.Errorf("engine: loop %q condition: %w", node.ID, err)
		}
		if !proceed {
			break
		}
		if i > max {
			return nil, &LoopLimitError{NodeID: node.ID, Limit: max}
		}

		r.scope().Set(loopIndexVar, i)
		if err := r.runSequence(ctx, node.Loop.Body); err != nil {
			return nil, err
		}
		iterations = i
	}

	return map[string]any{"iterations": iterations}, nil
}

// execParallel fans the branches out onto goroutines, each over a copy
// of the scope as of fan-out time, joins them, and merges their writes
// back in branch declaration order so the last declared branch wins a
// conflicting key. Only keys a branch actually changed relative to the
// fan-out snapshot are merged; untouched keys in a later branch's clone
// never shadow an earlier branch's write.
func (r *run) execParallel(ctx context.Context, node *graph.Node) (any, error) {
	snapshot := r.scope().Clone()
	subs := make([]*run, len(node.Branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range node.Branches {
		sub := &run{
			eng: r.eng,
			wf:  r.wf,
			result: &Result{
				Variables:   snapshot.Clone(),
				NodeResults: make(map[string]any),
			},
		}
		subs[i] = sub
		g.Go(func() error {
			return sub.runSequence(gctx, branch)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	base := r.scope()
	writtenBy := make(map[string]int)
	for i, sub := range subs {
		for key, value := range sub.result.Variables {
			before, existed := snapshot[key]
			if existed && reflect.DeepEqual(before, value) {
				continue
			}
			if prior, ok := writtenBy[key]; ok {
				r.eng.logger.Debug("parallel merge overwrote key",
					slog.String("workflow", r.wf.ID),
					slog.String("node", node.ID),
					slog.String("key", key),
					slog.Int("earlier_branch", prior),
					slog.Int("winning_branch", i),
				)
			}
			writtenBy[key] = i
			base.Set(key, value)
		}
		for id, res := range sub.result.NodeResults {
			r.result.NodeResults[id] = res
		}
		r.result.Visited = append(r.result.Visited, sub.result.Visited...)
	}

	return map[string]any{"branches": len(node.Branches)}, nil
}

// runSequence dispatches a fixed node-ID sequence in order. Used for
// loop bodies and parallel branches, where routing follows the declared
// order rather than edges.
func (r *run) runSequence(ctx context.Context, ids []string) error {
	for _, nodeID := range ids {
		if err := boundary(ctx); err != nil {
			return err
		}
		node := r.wf.Node(nodeID)
		if node == nil {
			return traversalErrf("sequence references unknown node %q", nodeID)
		}
		if _, err := r.dispatch(ctx, node); err != nil {
			return err
		}
	}
	return nil
}
