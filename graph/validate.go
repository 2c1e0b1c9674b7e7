package graph

// Validate checks every structural invariant of the workflow and returns
// a *StructureError describing the first violation found:
//
//   - exactly one start node and at least one end node
//   - node IDs unique within the workflow
//   - node kind valid, with the kind's required fields populated
//   - every edge references existing nodes
//   - loop bodies and parallel branches reference existing nodes
//   - every non-start node reachable from start
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return structErrf("", "missing workflow id")
	}
	if len(w.Nodes) == 0 {
		return structErrf(w.ID, "workflow has no nodes")
	}

	byID := make(map[string]*Node, len(w.Nodes))
	var starts, ends int
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return structErrf(w.ID, "node at index %d has no id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return structErrf(w.ID, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = n

		if !n.Kind.valid() {
			return structErrf(w.ID, "node %q has unknown kind %q", n.ID, n.Kind)
		}
		switch n.Kind {
		case KindStart:
			starts++
		case KindEnd:
			ends++
		case KindTask:
			if n.Tool == "" {
				return structErrf(w.ID, "task node %q has no tool_name", n.ID)
			}
		case KindCondition:
			if n.Condition == "" {
				return structErrf(w.ID, "condition node %q has no condition_expr", n.ID)
			}
		case KindLoop:
			if n.Loop == nil || n.Loop.Condition == "" {
				return structErrf(w.ID, "loop node %q has no loop condition", n.ID)
			}
			if len(n.Loop.Body) == 0 {
				return structErrf(w.ID, "loop node %q has an empty body", n.ID)
			}
		case KindParallel:
			if len(n.Branches) == 0 {
				return structErrf(w.ID, "parallel node %q has no branches", n.ID)
			}
			for bi, branch := range n.Branches {
				if len(branch) == 0 {
					return structErrf(w.ID, "parallel node %q branch %d is empty", n.ID, bi)
				}
			}
		}
	}
	if starts != 1 {
		return structErrf(w.ID, "workflow must have exactly one start node, found %d", starts)
	}
	if ends == 0 {
		return structErrf(w.ID, "workflow has no end node")
	}

	for _, e := range w.Edges {
		if _, ok := byID[e.Source]; !ok {
			return structErrf(w.ID, "edge references unknown source node %q", e.Source)
		}
		if _, ok := byID[e.Target]; !ok {
			return structErrf(w.ID, "edge references unknown target node %q", e.Target)
		}
	}

	for _, n := range w.Nodes {
		if n.Kind == KindLoop {
			for _, bodyID := range n.Loop.Body {
				if _, ok := byID[bodyID]; !ok {
					return structErrf(w.ID, "loop node %q body references unknown node %q", n.ID, bodyID)
				}
			}
		}
		if n.Kind == KindParallel {
			for bi, branch := range n.Branches {
				for _, branchID := range branch {
					if _, ok := byID[branchID]; !ok {
						return structErrf(w.ID, "parallel node %q branch %d references unknown node %q", n.ID, bi, branchID)
					}
				}
			}
		}
	}

	if unreached := w.unreachable(byID); unreached != "" {
		return structErrf(w.ID, "node %q is not reachable from start", unreached)
	}

	return nil
}

// unreachable walks the graph from start, following edges, loop bodies
// and parallel branches, and returns the ID of the first node (in
// declaration order) that was never visited, or "".
func (w *Workflow) unreachable(byID map[string]*Node) string {
	start := w.StartNode()
	seen := map[string]bool{start.ID: true}
	frontier := []string{start.ID}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		next := make([]string, 0, 4)
		for _, e := range w.Edges {
			if e.Source == cur {
				next = append(next, e.Target)
			}
		}
		n := byID[cur]
		if n.Kind == KindLoop {
			next = append(next, n.Loop.Body...)
		}
		if n.Kind == KindParallel {
			for _, branch := range n.Branches {
				next = append(next, branch...)
			}
		}

		for _, id := range next {
			if !seen[id] {
				seen[id] = true
				frontier = append(frontier, id)
			}
		}
	}

	for _, n := range w.Nodes {
		if !seen[n.ID] {
			return n.ID
		}
	}
	return ""
}
