// Package trace records happens-before operations between events.
//
// A Trace is an append-only log of root, fork, join, cancel and mutate-dom
// operations over numeric event identifiers. Traces captured in the same
// page share one IDSource, so they must be normalized before comparison.
package trace

import (
	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// EventID identifies one logical unit of control flow: a script run, a
// handler execution, or a timer, network or settlement firing.
type EventID int

// None is the zero EventID. IDSource never hands it out.
const None EventID = 0

// IDSource hands out monotonically increasing event ids starting at 1.
type IDSource struct {
	last EventID
}

// Next returns a fresh id.
func (s *IDSource) Next() EventID {
	s.last++
	return s.last
}

// OpKind is the tag of an operation record.
type OpKind string

const (
	OpRoot      OpKind = "root"
	OpFork      OpKind = "fork"
	OpJoin      OpKind = "join"
	OpCancel    OpKind = "cancel"
	OpMutateDOM OpKind = "mutate-dom"
)

// ForkKind names why one event scheduled another.
type ForkKind string

const (
	ForkAJAXRequest    ForkKind = "ajax-request"
	ForkAnimationFrame ForkKind = "animation-frame-request"
	ForkIdleCallback   ForkKind = "idle-callback-request"
	ForkImmediateTimer ForkKind = "immediate-timer"
	ForkInterval       ForkKind = "interval"
	ForkLoadImg        ForkKind = "load-img"
	ForkLoadResource   ForkKind = "load-resource"
	ForkLoadScript     ForkKind = "load-script"
	ForkPromiseReject  ForkKind = "promise-reject"
	ForkPromiseResolve ForkKind = "promise-resolve"
	ForkTimer          ForkKind = "timer"
)

var forkKinds = map[ForkKind]bool{
	ForkAJAXRequest:    true,
	ForkAnimationFrame: true,
	ForkIdleCallback:   true,
	ForkImmediateTimer: true,
	ForkInterval:       true,
	ForkLoadImg:        true,
	ForkLoadResource:   true,
	ForkLoadScript:     true,
	ForkPromiseReject:  true,
	ForkPromiseResolve: true,
	ForkTimer:          true,
}

// Valid reports whether k is a known fork kind.
func (k ForkKind) Valid() bool { return forkKinds[k] }

// JoinKind names what a starting event awaited.
type JoinKind string

const (
	JoinAJAXError           JoinKind = "ajax-error"
	JoinAJAXHeadersReceived JoinKind = "ajax-headers-received"
	JoinAJAXLoaded          JoinKind = "ajax-loaded"
	JoinAJAXLoading         JoinKind = "ajax-loading"
	JoinAJAXDone            JoinKind = "ajax-done"
	JoinAJAXProgress        JoinKind = "ajax-progress"
	JoinInterval            JoinKind = "interval"
	JoinPromiseCatchHandler JoinKind = "promise-catch-handler"
	JoinPromiseThenHandler  JoinKind = "promise-then-handler"
)

var joinKinds = map[JoinKind]bool{
	JoinAJAXError:           true,
	JoinAJAXHeadersReceived: true,
	JoinAJAXLoaded:          true,
	JoinAJAXLoading:         true,
	JoinAJAXDone:            true,
	JoinAJAXProgress:        true,
	JoinInterval:            true,
	JoinPromiseCatchHandler: true,
	JoinPromiseThenHandler:  true,
}

// Valid reports whether k is a known join kind.
func (k JoinKind) Valid() bool { return joinKinds[k] }

// IsAJAX reports whether k is one of the XMLHttpRequest join kinds.
func (k JoinKind) IsAJAX() bool {
	switch k {
	case JoinAJAXError, JoinAJAXHeadersReceived, JoinAJAXLoaded,
		JoinAJAXLoading, JoinAJAXDone, JoinAJAXProgress:
		return true
	}
	return false
}

// ForkMetadata carries optional details of a fork.
type ForkMetadata struct {
	Delay  *int64 // milliseconds, timers and intervals only
	URL    string
	Method string
}

// Delay is a helper for building ForkMetadata with a delay.
func Delay(ms int64) ForkMetadata {
	return ForkMetadata{Delay: &ms}
}

// Operation is one trace record. Kind is set for fork and join; V for
// fork, join and cancel; Element and Area for mutate-dom; Meta for fork.
type Operation struct {
	Op      OpKind
	Kind    string
	U       EventID
	V       EventID
	Element string
	Area    Rect
	Meta    ForkMetadata
}

// HasV reports whether the operation references a second event.
func (o Operation) HasV() bool {
	return o.Op == OpFork || o.Op == OpJoin || o.Op == OpCancel
}

// Subject returns the event the operation belongs to. Joins belong to the
// awaited event, every other operation to u.
func (o Operation) Subject() EventID {
	if o.Op == OpJoin {
		return o.V
	}
	return o.U
}

// Trace is an append-only list of operations.
type Trace struct {
	ops []Operation
}

// New returns an empty trace.
func New() *Trace {
	return &Trace{}
}

// FromOperations builds a trace over a copy of ops. Kinds are validated.
func FromOperations(ops []Operation) *Trace {
	t := &Trace{ops: make([]Operation, 0, len(ops))}
	for _, op := range ops {
		validate(op)
		t.ops = append(t.ops, op)
	}
	return t
}

func validate(op Operation) {
	switch op.Op {
	case OpFork:
		errors.Assert(ForkKind(op.Kind).Valid(), errors.CodeUnknownKind, "unknown fork kind %q", op.Kind)
	case OpJoin:
		errors.Assert(JoinKind(op.Kind).Valid(), errors.CodeUnknownKind, "unknown join kind %q", op.Kind)
	case OpRoot, OpCancel, OpMutateDOM:
	default:
		errors.Violation(errors.CodeInvalidTrace, "unknown operation %q", op.Op)
	}
}

// Root records the start of a captured event chain.
func (t *Trace) Root(u EventID) {
	t.ops = append(t.ops, Operation{Op: OpRoot, U: u})
}

// Fork records that u scheduled v.
func (t *Trace) Fork(u, v EventID, kind ForkKind, meta ForkMetadata) {
	errors.Assert(kind.Valid(), errors.CodeUnknownKind, "unknown fork kind %q", kind)
	t.ops = append(t.ops, Operation{Op: OpFork, Kind: string(kind), U: u, V: v, Meta: meta})
}

// Join records that u started after awaiting v.
func (t *Trace) Join(u, v EventID, kind JoinKind) {
	errors.Assert(kind.Valid(), errors.CodeUnknownKind, "unknown join kind %q", kind)
	t.ops = append(t.ops, Operation{Op: OpJoin, Kind: string(kind), U: u, V: v})
}

// Cancel records that u cancelled the scheduled event v.
func (t *Trace) Cancel(u, v EventID) {
	t.ops = append(t.ops, Operation{Op: OpCancel, U: u, V: v})
}

// MutateDOM records a layout mutation by u. Empty areas are dropped.
func (t *Trace) MutateDOM(u EventID, element string, area Rect) {
	if area.Empty() {
		return
	}
	t.ops = append(t.ops, Operation{Op: OpMutateDOM, U: u, Element: element, Area: area})
}

// Len returns the number of operations.
func (t *Trace) Len() int { return len(t.ops) }

// At returns the i-th operation.
func (t *Trace) At(i int) Operation { return t.ops[i] }

// Operations returns a copy of the operations in issuance order.
func (t *Trace) Operations() []Operation {
	out := make([]Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

// Normalize renumbers every referenced id densely from 0 in the order of
// first appearance and returns t. Operation order is preserved.
func (t *Trace) Normalize() *Trace {
	mapping := make(map[EventID]EventID)
	rename := func(id EventID) EventID {
		if n, ok := mapping[id]; ok {
			return n
		}
		n := EventID(len(mapping))
		mapping[id] = n
		return n
	}
	for i := range t.ops {
		t.ops[i].U = rename(t.ops[i].U)
		if t.ops[i].HasV() {
			t.ops[i].V = rename(t.ops[i].V)
		}
	}
	return t
}

// Normalized returns a normalized copy of t.
func (t *Trace) Normalized() *Trace {
	c := &Trace{ops: t.Operations()}
	return c.Normalize()
}

// Equal reports whether both traces hold the same operations in order.
func (t *Trace) Equal(o *Trace) bool {
	if len(t.ops) != len(o.ops) {
		return false
	}
	for i := range t.ops {
		if !t.ops[i].equal(o.ops[i]) {
			return false
		}
	}
	return true
}

func (o Operation) equal(p Operation) bool {
	if o.Op != p.Op || o.Kind != p.Kind || o.U != p.U || o.V != p.V ||
		o.Element != p.Element || o.Area != p.Area ||
		o.Meta.URL != p.Meta.URL || o.Meta.Method != p.Meta.Method {
		return false
	}
	if (o.Meta.Delay == nil) != (p.Meta.Delay == nil) {
		return false
	}
	return o.Meta.Delay == nil || *o.Meta.Delay == *p.Meta.Delay
}
