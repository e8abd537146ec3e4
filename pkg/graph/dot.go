package graph

import (
	"fmt"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// Display prepares t for drawing: the conflict-search graph with contained
// mutations merged. With prune, subtrees that do nothing are removed.
func Display(t *trace.Trace, prune bool) *Graph {
	g := Prepare(t)
	g.MergeMutateDOMOperations()
	if prune {
		g.RemoveSubtreesWithNoActions()
	}
	return g
}

// Dot renders the graph in Graphviz format. Cancellations are drawn as
// dashed edges from the cancelling event, and cancelled events with a
// dashed border.
func (g *Graph) Dot() string {
	cancelled := make(map[*Node]bool)
	for _, n := range g.FindCancelled() {
		cancelled[n] = true
	}

	var sb strings.Builder
	sb.WriteString("digraph events {\n")
	sb.WriteString("  node [shape=box, fontname=\"monospace\"];\n")

	for _, n := range g.nodes {
		fmt.Fprintf(&sb, "  n%d [label=%q%s];\n", n.ID, nodeLabel(n, n == g.root), nodeStyle(n, cancelled[n]))
	}
	for _, n := range g.nodes {
		for _, s := range n.succ {
			fmt.Fprintf(&sb, "  n%d -> n%d [label=%q];\n", n.ID, s.ID, strings.Join(n.Labels(s), ", "))
		}
		if n.CancelledBy != nil {
			fmt.Fprintf(&sb, "  n%d -> n%d [style=dashed, label=\"cancel\"];\n", n.CancelledBy.ID, n.ID)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func nodeLabel(n *Node, root bool) string {
	lines := []string{fmt.Sprintf("%d", n.ID)}
	if root {
		lines[0] += " (root)"
	}
	var flags []string
	if n.IsAJAXResponse {
		flags = append(flags, "ajax-response")
	}
	if n.IsScriptExecution {
		flags = append(flags, "script")
	}
	if n.IsDerivedFromAJAX {
		flags = append(flags, "from-ajax")
	}
	if n.IsDerivedFromDynamicallyLoadedScript {
		flags = append(flags, "from-script")
	}
	if len(flags) > 0 {
		lines = append(lines, strings.Join(flags, " "))
	}
	for _, op := range n.Mutations() {
		lines = append(lines, fmt.Sprintf("%s %s", op.Element, op.Area))
	}
	return strings.Join(lines, "\n")
}

func nodeStyle(n *Node, cancelled bool) string {
	var style []string
	fill := ""
	switch {
	case len(n.Mutations()) > 0 && n.IsDerived():
		style, fill = append(style, "filled"), "#ffcccc"
	case len(n.Mutations()) > 0:
		style, fill = append(style, "filled"), "#eeeeee"
	}
	if cancelled {
		style = append(style, "dashed")
	}
	if len(style) == 0 {
		return ""
	}
	out := fmt.Sprintf(", style=%q", strings.Join(style, ","))
	if fill != "" {
		out += fmt.Sprintf(", fillcolor=%q", fill)
	}
	return out
}
