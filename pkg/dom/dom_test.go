package dom

import (
	"strings"
	"testing"

	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

func build() (*Document, *Element, *Element) {
	d := NewDocument()
	list := d.CreateElement("ul")
	list.ID = "list"
	d.Body().AppendChild(list)
	first := d.CreateElement("li")
	second := d.CreateElement("li")
	second.SetAttr(StaticIDAttribute, "item-2")
	second.SetRect(trace.Rect{Width: 10, Height: 10})
	list.AppendChild(first)
	list.AppendChild(second)
	return d, list, second
}

func TestUniqueCSSPath(t *testing.T) {
	d, list, second := build()
	if got := UniqueCSSPath(list); got != "#list" {
		t.Errorf("path = %q", got)
	}
	path := UniqueCSSPath(second)
	if path != "#list > li:nth-child(2)" {
		t.Errorf("path = %q", path)
	}
	if got := d.QuerySelectorAll(path); len(got) != 1 || got[0] != second {
		t.Errorf("path does not select the element: %v", got)
	}
	if UniqueCSSPath(d.Body()) != "body" || UniqueCSSPath(d.HTML()) != "html" {
		t.Error("document element paths")
	}
}

func TestQuerySelector(t *testing.T) {
	d, list, second := build()
	if d.QuerySelector("#list") != list {
		t.Error("id selector")
	}
	if n := len(d.QuerySelectorAll("li")); n != 2 {
		t.Errorf("tag selector matched %d", n)
	}
	if d.QuerySelector("[data-ajax-racer-id=item-2]") != second {
		t.Error("attribute selector")
	}
	if d.ElementByStaticID("item-2") != second {
		t.Error("static id")
	}
	if d.QuerySelector("#missing") != nil {
		t.Error("unexpected match")
	}
}

func TestVisibility(t *testing.T) {
	d, list, second := build()
	if !second.Visible() {
		t.Fatal("expected visible")
	}
	list.SetHidden(true)
	if second.Visible() {
		t.Error("hidden ancestor must hide the element")
	}
	list.SetHidden(false)
	list.RemoveChild(second)
	if second.Attached() || second.Visible() {
		t.Error("detached element must not be visible")
	}
	orphan := d.CreateElement("div")
	orphan.SetRect(trace.Rect{Width: 5, Height: 5})
	if orphan.Visible() {
		t.Error("never attached element must not be visible")
	}
}

func TestSnapshot(t *testing.T) {
	d, _, second := build()
	before := d.Snapshot()
	second.SetText("hello")
	after := d.Snapshot()
	if before == after {
		t.Fatal("snapshot must reflect text changes")
	}
	if !strings.Contains(after, `text="hello"`) {
		t.Errorf("snapshot:\n%s", after)
	}
}
