// Package graph builds happens-before graphs from traces and decides
// whether two handlers' graphs are likely to race on the DOM.
package graph

import (
	"fmt"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Graph is the DAG derived from a trace's fork and join operations.
type Graph struct {
	nodes []*Node
	byID  map[trace.EventID]*Node
	root  *Node
}

// New builds the graph of t. FORK(u,v) becomes u→v, JOIN(u,v) becomes
// v→u and CANCEL(u,v) marks v as cancelled by u. An empty trace yields a
// single root node 0.
func New(t *trace.Trace) *Graph {
	g := &Graph{byID: make(map[trace.EventID]*Node)}
	if t.Len() == 0 {
		g.root = g.node(0)
		return g
	}

	for _, op := range t.Operations() {
		switch op.Op {
		case trace.OpRoot:
			n := g.node(op.U)
			if g.root == nil {
				g.root = n
			}

		case trace.OpFork:
			u, v := g.node(op.U), g.node(op.V)
			switch trace.ForkKind(op.Kind) {
			case trace.ForkAJAXRequest:
				g.flag(v, func(n *Node) { n.IsDerivedFromAJAX = true })
			case trace.ForkLoadScript:
				g.flag(v, func(n *Node) {
					n.IsScriptExecution = true
					n.IsDerivedFromDynamicallyLoadedScript = true
				})
			}
			u.addSuccessor(v, forkLabel(op))

		case trace.OpJoin:
			u, v := g.node(op.U), g.node(op.V)
			kind := trace.JoinKind(op.Kind)
			switch {
			case kind == trace.JoinAJAXDone || kind == trace.JoinAJAXLoaded:
				g.flag(u, func(n *Node) {
					n.IsAJAXResponse = true
					n.IsDerivedFromAJAX = true
				})
			case kind.IsAJAX():
				g.flag(u, func(n *Node) { n.IsDerivedFromAJAX = true })
			}
			v.addSuccessor(u, op.Kind)

		case trace.OpCancel:
			u, v := g.node(op.U), g.node(op.V)
			v.CancelledBy = u
			u.ops = append(u.ops, op)

		case trace.OpMutateDOM:
			u := g.node(op.U)
			u.ops = append(u.ops, op)
		}
	}
	return g
}

// Prepare builds the graph used for conflict search: the trace is
// normalized, disconnected roots are pruned and interval chains reduced.
func Prepare(t *trace.Trace) *Graph {
	g := New(t.Normalized())
	g.DeleteDisconnectedNodes()
	g.Reduce()
	return g
}

func forkLabel(op trace.Operation) string {
	kind := trace.ForkKind(op.Kind)
	if (kind == trace.ForkInterval || kind == trace.ForkTimer) && op.Meta.Delay != nil {
		return fmt.Sprintf("%s (%dms)", op.Kind, *op.Meta.Delay)
	}
	return op.Kind
}

func (g *Graph) node(id trace.EventID) *Node {
	if n, ok := g.byID[id]; ok {
		return n
	}
	n := newNode(id)
	g.byID[id] = n
	g.nodes = append(g.nodes, n)
	return n
}

// flag applies set to n and pushes any derived flags to its descendants.
func (g *Graph) flag(n *Node, set func(*Node)) {
	set(n)
	for _, s := range n.succ {
		n.propagate(s)
	}
}

// Root returns the designated root, the first ROOT operation's event.
func (g *Graph) Root() *Node { return g.root }

// Node returns the node for id, or nil.
func (g *Graph) Node(id trace.EventID) *Node { return g.byID[id] }

// Nodes returns the nodes in creation order.
func (g *Graph) Nodes() []*Node { return append([]*Node(nil), g.nodes...) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// FindRoots returns the nodes without predecessors that were not cancelled.
func (g *Graph) FindRoots() []*Node {
	var roots []*Node
	for _, n := range g.nodes {
		if n.IsRoot() {
			roots = append(roots, n)
		}
	}
	return roots
}

// FindUniqueRoot returns the only root, or nil if there is not exactly one.
func (g *Graph) FindUniqueRoot() *Node {
	roots := g.FindRoots()
	if len(roots) != 1 {
		return nil
	}
	return roots[0]
}

// FindCancelled returns every node some other event cancelled.
func (g *Graph) FindCancelled() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.CancelledBy != nil {
			out = append(out, n)
		}
	}
	return out
}

// DeleteNode removes n, connecting each of its predecessors to each of
// its successors with the labels of the removed outgoing edges.
func (g *Graph) DeleteNode(n *Node) {
	preds := n.Predecessors()
	succs := n.Successors()

	for _, p := range preds {
		p.removeSuccessor(n)
	}
	for _, s := range succs {
		labels := n.Labels(s)
		for _, p := range preds {
			p.addSuccessor(s, labels...)
		}
	}
	for _, s := range succs {
		n.removeSuccessor(s)
	}

	delete(g.byID, n.ID)
	g.nodes = without(g.nodes, n)
	if g.root == n {
		g.root = nil
	}
}

// DeleteDisconnectedNodes deletes every root other than the designated
// one until a single root remains. Without a designated root it does
// nothing.
func (g *Graph) DeleteDisconnectedNodes() {
	if g.root == nil {
		return
	}
	for roots := g.FindRoots(); len(roots) > 1; roots = g.FindRoots() {
		for _, r := range roots {
			if r != g.root {
				g.DeleteNode(r)
			}
		}
	}
}

// Reduce collapses inert interval chains: nodes without own operations
// whose single incoming and single outgoing edges are both labelled
// "interval" are deleted until none remain.
func (g *Graph) Reduce() {
	interval := string(trace.JoinInterval)
	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes() {
			if len(n.ops) != 0 || len(n.pred) != 1 || len(n.succ) != 1 {
				continue
			}
			if n.pred[0].labelKey(n) != interval || n.labelKey(n.succ[0]) != interval {
				continue
			}
			g.DeleteNode(n)
			changed = true
		}
	}
}

// RemoveSubtreesWithNoActions repeatedly deletes leaves that have no own
// operations. The designated root is kept.
func (g *Graph) RemoveSubtreesWithNoActions() {
	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes() {
			if n != g.root && len(n.succ) == 0 && len(n.ops) == 0 {
				g.DeleteNode(n)
				changed = true
			}
		}
	}
}

// MergeMutateDOMOperations drops, per node, every mutation whose area is
// fully contained in another mutation of the same node.
func (g *Graph) MergeMutateDOMOperations() {
	for _, n := range g.nodes {
		kept := n.ops[:0:0]
		for i, op := range n.ops {
			if op.Op != trace.OpMutateDOM || !containedElsewhere(n.ops, i) {
				kept = append(kept, op)
			}
		}
		n.ops = kept
	}
}

func containedElsewhere(ops []trace.Operation, i int) bool {
	area := ops[i].Area
	for j, other := range ops {
		if j == i || other.Op != trace.OpMutateDOM || !other.Area.Contains(area) {
			continue
		}
		// identical rectangles: keep the first
		if area.Contains(other.Area) && j > i {
			continue
		}
		return true
	}
	return false
}

// Equals reports whether g and o are structurally identical from their
// unique roots. Missing unique roots are a contract violation.
func (g *Graph) Equals(o *Graph) bool {
	a, b := g.FindUniqueRoot(), o.FindUniqueRoot()
	errors.Assert(a != nil, errors.CodeNoUniqueRoot, "graph has %d roots", len(g.FindRoots()))
	errors.Assert(b != nil, errors.CodeNoUniqueRoot, "other graph has %d roots", len(o.FindRoots()))
	m := &matcher{memo: make(map[[2]*Node]bool)}
	return m.equal(a, b)
}

type matcher struct {
	memo map[[2]*Node]bool
}

func (m *matcher) equal(a, b *Node) bool {
	key := [2]*Node{a, b}
	if v, ok := m.memo[key]; ok {
		return v
	}
	v := m.compare(a, b)
	m.memo[key] = v
	return v
}

func (m *matcher) compare(a, b *Node) bool {
	if len(a.ops) != len(b.ops) || len(a.pred) != len(b.pred) || len(a.succ) != len(b.succ) {
		return false
	}
	for i := range a.ops {
		if a.ops[i].Op != b.ops[i].Op || a.ops[i].Kind != b.ops[i].Kind {
			return false
		}
	}
	used := make([]bool, len(b.succ))
	return m.matchSuccessors(a, b, 0, used)
}

// matchSuccessors searches for a bijection between a's and b's successors
// with equal edge labels and recursively equal nodes.
func (m *matcher) matchSuccessors(a, b *Node, i int, used []bool) bool {
	if i == len(a.succ) {
		return true
	}
	s := a.succ[i]
	want := a.labelKey(s)
	for j, t := range b.succ {
		if used[j] || b.labelKey(t) != want || !m.equal(s, t) {
			continue
		}
		used[j] = true
		if m.matchSuccessors(a, b, i+1, used) {
			return true
		}
		used[j] = false
	}
	return false
}

// HasLikelyAJAXConflictWith reports whether a mutation made by one of g's
// AJAX- or script-derived non-root events overlaps any mutation of o.
// The relation is not symmetric. Without a unique root g has no
// asynchronous effects and conflicts with nothing.
func (g *Graph) HasLikelyAJAXConflictWith(o *Graph) bool {
	root := g.FindUniqueRoot()
	if root == nil {
		return false
	}
	var mine []trace.Rect
	for _, n := range g.nodes {
		if n == root || !n.IsDerived() {
			continue
		}
		for _, op := range n.Mutations() {
			mine = append(mine, op.Area)
		}
	}
	if len(mine) == 0 {
		return false
	}

	for _, n := range o.nodes {
		for _, op := range n.Mutations() {
			for _, area := range mine {
				if area.Overlaps(op.Area) {
					return true
				}
			}
		}
	}
	return false
}
