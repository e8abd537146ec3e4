// Package dom is a minimal document model: an element tree with layout
// rectangles, visibility and registered listeners.
package dom

import (
	"fmt"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

// StaticIDAttribute marks elements with an id that is stable across page
// loads.
const StaticIDAttribute = "data-ajax-racer-id"

// Element is a node of the document tree.
type Element struct {
	Tag   string
	ID    string
	attrs map[string]string

	text          string
	value         string
	checked       bool
	selectedIndex int
	options       []string

	rect   trace.Rect
	hidden bool

	doc      *Document
	parent   *Element
	children []*Element
}

// Document owns the element tree rooted at <html>.
type Document struct {
	html *Element
	body *Element

	scrollX, scrollY float64
}

// NewDocument returns a document with an <html> and a <body> element.
func NewDocument() *Document {
	d := &Document{}
	d.html = d.CreateElement("html")
	d.body = d.CreateElement("body")
	d.html.children = []*Element{d.body}
	d.body.parent = d.html
	return d
}

// CreateElement returns a detached element owned by d.
func (d *Document) CreateElement(tag string) *Element {
	return &Element{Tag: strings.ToLower(tag), doc: d, attrs: make(map[string]string), selectedIndex: -1}
}

// HTML returns the document element.
func (d *Document) HTML() *Element { return d.html }

// Body returns the <body> element.
func (d *Document) Body() *Element { return d.body }

// Scroll returns the current scroll offset.
func (d *Document) Scroll() (x, y float64) { return d.scrollX, d.scrollY }

// SetScroll moves the viewport.
func (d *Document) SetScroll(x, y float64) { d.scrollX, d.scrollY = x, y }

// Walk visits every attached element in document order.
func (d *Document) Walk(fn func(*Element)) {
	var visit func(*Element)
	visit = func(e *Element) {
		fn(e)
		for _, c := range e.children {
			visit(c)
		}
	}
	visit(d.html)
}

// GetElementByID returns the first attached element with the given id.
func (d *Document) GetElementByID(id string) *Element {
	var found *Element
	d.Walk(func(e *Element) {
		if found == nil && e.ID == id {
			found = e
		}
	})
	return found
}

// ElementByStaticID returns the attached element carrying the static id.
func (d *Document) ElementByStaticID(id string) *Element {
	if id == "" {
		return nil
	}
	var found *Element
	d.Walk(func(e *Element) {
		if found == nil && e.attrs[StaticIDAttribute] == id {
			found = e
		}
	})
	return found
}

// QuerySelectorAll supports "#id", "tag", "[attr=value]" and the paths
// produced by UniqueCSSPath.
func (d *Document) QuerySelectorAll(selector string) []*Element {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil
	}
	var out []*Element
	d.Walk(func(e *Element) {
		if e.Matches(selector) {
			out = append(out, e)
		}
	})
	return out
}

// QuerySelector returns the first match of selector, or nil.
func (d *Document) QuerySelector(selector string) *Element {
	if all := d.QuerySelectorAll(selector); len(all) > 0 {
		return all[0]
	}
	return nil
}

// Matches reports whether e is selected by selector.
func (e *Element) Matches(selector string) bool {
	switch {
	case strings.HasPrefix(selector, "#") && !strings.Contains(selector, " "):
		return e.ID != "" && e.ID == selector[1:]
	case strings.HasPrefix(selector, "[") && strings.HasSuffix(selector, "]"):
		name, value, ok := strings.Cut(selector[1:len(selector)-1], "=")
		if !ok {
			_, has := e.attrs[name]
			return has
		}
		return e.attrs[name] == strings.Trim(value, `"'`)
	case !strings.ContainsAny(selector, " >:#[."):
		return e.Tag == strings.ToLower(selector)
	default:
		return UniqueCSSPath(e) == selector
	}
}

// Document returns the owning document.
func (e *Element) Document() *Document { return e.doc }

// Parent returns the parent element, nil when detached or for <html>.
func (e *Element) Parent() *Element { return e.parent }

// Children returns the child elements.
func (e *Element) Children() []*Element { return append([]*Element(nil), e.children...) }

// Attr returns an attribute value.
func (e *Element) Attr(name string) string { return e.attrs[name] }

// SetAttr sets an attribute.
func (e *Element) SetAttr(name, value string) { e.attrs[name] = value }

// StaticID returns the element's static id attribute.
func (e *Element) StaticID() string { return e.attrs[StaticIDAttribute] }

func (e *Element) Text() string           { return e.text }
func (e *Element) SetText(s string)       { e.text = s }
func (e *Element) Value() string          { return e.value }
func (e *Element) SetValue(s string)      { e.value = s }
func (e *Element) Checked() bool          { return e.checked }
func (e *Element) SetChecked(v bool)      { e.checked = v }
func (e *Element) Options() []string      { return append([]string(nil), e.options...) }
func (e *Element) SetOptions(o []string)  { e.options = append([]string(nil), o...) }
func (e *Element) SelectedIndex() int     { return e.selectedIndex }
func (e *Element) SetSelectedIndex(i int) { e.selectedIndex = i }
func (e *Element) Rect() trace.Rect       { return e.rect }
func (e *Element) SetRect(r trace.Rect)   { e.rect = r }
func (e *Element) Hidden() bool           { return e.hidden }
func (e *Element) SetHidden(v bool)       { e.hidden = v }

// AppendChild moves child under e.
func (e *Element) AppendChild(child *Element) {
	if child.parent != nil {
		child.parent.RemoveChild(child)
	}
	child.parent = e
	e.children = append(e.children, child)
}

// RemoveChild detaches child from e.
func (e *Element) RemoveChild(child *Element) {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i:i], e.children[i+1:]...)
			child.parent = nil
			return
		}
	}
}

// Attached reports whether e is part of the live document.
func (e *Element) Attached() bool {
	for n := e; n != nil; n = n.parent {
		if n == e.doc.html {
			return true
		}
	}
	return false
}

// Visible reports whether e is attached, not hidden by itself or an
// ancestor, and occupies area.
func (e *Element) Visible() bool {
	if !e.Attached() || e.rect.Empty() {
		return false
	}
	for n := e; n != nil; n = n.parent {
		if n.hidden {
			return false
		}
	}
	return true
}

// IsFormControl reports whether e is an <input> or <select>.
func (e *Element) IsFormControl() bool {
	return e.Tag == "input" || e.Tag == "select"
}

// UniqueCSSPath returns a selector that identifies e within its document.
func UniqueCSSPath(e *Element) string {
	if e == nil {
		return ""
	}
	switch {
	case e.ID != "":
		return "#" + e.ID
	case e.doc != nil && e == e.doc.html:
		return "html"
	case e.doc != nil && e == e.doc.body:
		return "body"
	case e.parent == nil:
		return e.Tag
	}
	index := 1
	for _, sibling := range e.parent.children {
		if sibling == e {
			break
		}
		index++
	}
	return fmt.Sprintf("%s > %s:nth-child(%d)", UniqueCSSPath(e.parent), e.Tag, index)
}

func (e *Element) String() string {
	return UniqueCSSPath(e)
}
