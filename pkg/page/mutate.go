package page

import (
	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/monitor"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

func (p *Page) mutated(container, inserted *dom.Element, area trace.Rect) {
	p.hooks.DOMMutation(&monitor.Mutation{Container: container, Inserted: inserted, Area: area})
}

// SetText replaces the text of el.
func (p *Page) SetText(el *dom.Element, text string) {
	el.SetText(text)
	p.mutated(el, nil, el.Rect())
}

// AppendChild inserts child as the last child of parent.
func (p *Page) AppendChild(parent, child *dom.Element) {
	parent.AppendChild(child)
	p.mutated(parent, child, child.Rect())
}

// RemoveChild detaches child from parent.
func (p *Page) RemoveChild(parent, child *dom.Element) {
	area := child.Rect()
	visible := child.Visible()
	parent.RemoveChild(child)
	if visible {
		p.mutated(parent, nil, area)
	}
}

// SetHidden shows or hides el.
func (p *Page) SetHidden(el *dom.Element, hidden bool) {
	if el.Hidden() == hidden {
		return
	}
	el.SetHidden(hidden)
	if parent := el.Parent(); parent != nil {
		p.mutated(parent, nil, el.Rect())
	}
}

// SetRect moves or resizes el. Both the old and the new area change.
func (p *Page) SetRect(el *dom.Element, r trace.Rect) {
	old := el.Rect()
	el.SetRect(r)
	p.mutated(el, nil, old)
	p.mutated(el, nil, r)
}

// SetValue sets the value of a form control.
func (p *Page) SetValue(el *dom.Element, v string) {
	el.SetValue(v)
	p.mutated(el, nil, el.Rect())
}

// SetChecked checks or unchecks a checkbox.
func (p *Page) SetChecked(el *dom.Element, v bool) {
	el.SetChecked(v)
	p.mutated(el, nil, el.Rect())
}

// SetSelectedIndex selects an option of a select element.
func (p *Page) SetSelectedIndex(el *dom.Element, i int) {
	el.SetSelectedIndex(i)
	p.mutated(el, nil, el.Rect())
}

// SetAttr sets an attribute. Attributes do not affect layout.
func (p *Page) SetAttr(el *dom.Element, name, value string) {
	el.SetAttr(name, value)
}

// ScrollTo scrolls the document.
func (p *Page) ScrollTo(x, y float64) {
	p.doc.SetScroll(x, y)
}
