package listener

import (
	"testing"

	"github.com/ajaxrace/ajaxrace/pkg/dom"
	"github.com/ajaxrace/ajaxrace/pkg/trace"
)

func TestUserEventListener_Immutable(t *testing.T) {
	d := dom.NewDocument()
	btn := d.CreateElement("button")
	btn.ID = "go"
	d.Body().AppendChild(btn)

	base := New(btn, "click", "handler", Options{})
	described := base.WithDescription("search")
	if base.Description() != "" {
		t.Error("WithDescription mutated the receiver")
	}
	if described.Description() != "search" || described.Target() != btn {
		t.Error("copy lost fields")
	}

	other := d.CreateElement("span")
	if moved := described.ForTarget(other); moved.Target() != other || described.Target() != btn {
		t.Error("ForTarget")
	}
	if s := base.ForSelector(".x").Selector(); s != ".x" || base.Selector() != "#go" {
		t.Errorf("selector override: %q / %q", s, base.Selector())
	}
}

func TestIdentity(t *testing.T) {
	d := dom.NewDocument()
	btn := d.CreateElement("button")
	btn.SetAttr(dom.StaticIDAttribute, "buy")
	btn.SetRect(trace.Rect{Width: 10, Height: 10})
	d.Body().AppendChild(btn)

	l := New(btn, "click", nil, Options{}).
		WithPrerequisites([]Prerequisite{{Type: "set-text", Selector: "#q", Value: "shoes"}})
	id := l.Identity()

	if id.Selector != "body > button:nth-child(1)" || id.StaticID != "buy" || id.Type != "click" {
		t.Errorf("identity = %+v", id)
	}
	if len(id.Prerequisites) != 1 {
		t.Fatal("prerequisites missing")
	}

	plain := New(btn, "click", nil, Options{}).Identity()
	if plain.Key() == id.Key() {
		t.Error("prerequisites must be part of the fingerprint")
	}
}

func TestIsUserEventType(t *testing.T) {
	d := dom.NewDocument()
	input := d.CreateElement("input")
	div := d.CreateElement("div")

	if !IsUserEventType(div, "click") || !IsUserEventType(div, "keyup") {
		t.Error("click/keyup")
	}
	if IsUserEventType(div, "change") || !IsUserEventType(input, "change") {
		t.Error("change only counts on form controls")
	}
	if IsUserEventType(div, "load") || IsUserEventType(div, "scroll") {
		t.Error("non-user events")
	}
}
