package graph

import (
	"sort"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Node is one event of an EventGraph.
type Node struct {
	ID trace.EventID

	ops   []trace.Operation
	succ  []*Node
	pred  []*Node
	label map[*Node]map[string]struct{}

	CancelledBy *Node

	IsAJAXResponse                       bool
	IsScriptExecution                    bool
	IsDerivedFromAJAX                    bool
	IsDerivedFromDynamicallyLoadedScript bool
}

func newNode(id trace.EventID) *Node {
	return &Node{ID: id, label: make(map[*Node]map[string]struct{})}
}

// Operations returns the node's own cancel and mutate-dom operations.
func (n *Node) Operations() []trace.Operation {
	out := make([]trace.Operation, len(n.ops))
	copy(out, n.ops)
	return out
}

// Successors returns the nodes n has edges to, in insertion order.
func (n *Node) Successors() []*Node { return append([]*Node(nil), n.succ...) }

// Predecessors returns the nodes with edges to n, in insertion order.
func (n *Node) Predecessors() []*Node { return append([]*Node(nil), n.pred...) }

// Labels returns the sorted labels of the edge n→s.
func (n *Node) Labels(s *Node) []string {
	set := n.label[s]
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (n *Node) labelKey(s *Node) string {
	return strings.Join(n.Labels(s), "|")
}

// IsRoot reports whether n has no predecessors and was never cancelled.
func (n *Node) IsRoot() bool {
	return len(n.pred) == 0 && n.CancelledBy == nil
}

// IsDerived reports whether n descends from an AJAX response or a
// dynamically loaded script.
func (n *Node) IsDerived() bool {
	return n.IsDerivedFromAJAX || n.IsDerivedFromDynamicallyLoadedScript
}

// Mutations returns the node's mutate-dom operations.
func (n *Node) Mutations() []trace.Operation {
	var out []trace.Operation
	for _, op := range n.ops {
		if op.Op == trace.OpMutateDOM {
			out = append(out, op)
		}
	}
	return out
}

func (n *Node) addSuccessor(s *Node, labels ...string) {
	set, ok := n.label[s]
	if !ok {
		set = make(map[string]struct{})
		n.label[s] = set
		n.succ = append(n.succ, s)
		s.pred = append(s.pred, n)
	}
	for _, l := range labels {
		set[l] = struct{}{}
	}
	n.propagate(s)
}

func (n *Node) removeSuccessor(s *Node) {
	if _, ok := n.label[s]; !ok {
		return
	}
	delete(n.label, s)
	n.succ = without(n.succ, s)
	s.pred = without(s.pred, n)
}

// propagate pushes derived flags from n to s and on to s's descendants.
func (n *Node) propagate(s *Node) {
	ajax := n.IsDerivedFromAJAX && !s.IsDerivedFromAJAX
	script := n.IsDerivedFromDynamicallyLoadedScript && !s.IsDerivedFromDynamicallyLoadedScript
	if !ajax && !script {
		return
	}
	if ajax {
		s.IsDerivedFromAJAX = true
	}
	if script {
		s.IsDerivedFromDynamicallyLoadedScript = true
	}
	for _, next := range s.succ {
		s.propagate(next)
	}
}

func without(nodes []*Node, n *Node) []*Node {
	for i, x := range nodes {
		if x == n {
			return append(nodes[:i:i], nodes[i+1:]...)
		}
	}
	return nodes
}
