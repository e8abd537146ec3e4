package dom

import (
	"fmt"
	"strings"
)

// Snapshot serializes the visible state of the document. Two pages render
// the same iff their snapshots are equal.
func (d *Document) Snapshot() string {
	var sb strings.Builder
	var visit func(e *Element, depth int)
	visit = func(e *Element, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(e.Tag)
		if e.ID != "" {
			sb.WriteString("#" + e.ID)
		}
		if e.hidden {
			sb.WriteString(" hidden")
		}
		if !e.rect.Empty() {
			sb.WriteString(" " + e.rect.String())
		}
		if e.text != "" {
			fmt.Fprintf(&sb, " text=%q", e.text)
		}
		if e.value != "" {
			fmt.Fprintf(&sb, " value=%q", e.value)
		}
		if e.checked {
			sb.WriteString(" checked")
		}
		if e.selectedIndex >= 0 {
			fmt.Fprintf(&sb, " selected=%d", e.selectedIndex)
		}
		sb.WriteString("\n")
		for _, c := range e.children {
			visit(c, depth+1)
		}
	}
	visit(d.html, 0)
	return sb.String()
}
