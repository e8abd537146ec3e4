package trace

import (
	"encoding/json"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// record is the persisted form of one operation.
type record struct {
	Operation OpKind   `json:"operation"`
	Kind      string   `json:"kind,omitempty"`
	U         EventID  `json:"u"`
	V         *EventID `json:"v,omitempty"`
	Element   string   `json:"element,omitempty"`
	Area      *Rect    `json:"area,omitempty"`
	Delay     *int64   `json:"delay,omitempty"`
	URL       string   `json:"url,omitempty"`
	Method    string   `json:"method,omitempty"`
}

// MarshalJSON writes the normalized operations as tagged records. The
// receiver is not modified.
func (t *Trace) MarshalJSON() ([]byte, error) {
	n := t.Normalized()
	records := make([]record, 0, len(n.ops))
	for _, op := range n.ops {
		r := record{Operation: op.Op, Kind: op.Kind, U: op.U}
		if op.HasV() {
			v := op.V
			r.V = &v
		}
		if op.Op == OpMutateDOM {
			area := op.Area
			r.Element = op.Element
			r.Area = &area
		}
		if op.Op == OpFork {
			r.Delay = op.Meta.Delay
			r.URL = op.Meta.URL
			r.Method = op.Meta.Method
		}
		records = append(records, r)
	}
	return json.Marshal(records)
}

// UnmarshalJSON reads tagged records and validates them.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrap(err, errors.CodeInvalidTrace, "decode trace")
	}

	ops := make([]Operation, 0, len(records))
	for i, r := range records {
		op := Operation{Op: r.Operation, Kind: r.Kind, U: r.U}
		switch r.Operation {
		case OpRoot:
		case OpFork, OpJoin, OpCancel:
			if r.V == nil {
				return errors.New(errors.CodeInvalidTrace, "missing v").WithContext("index", i)
			}
			op.V = *r.V
			if r.Operation == OpFork {
				if !ForkKind(r.Kind).Valid() {
					return errors.Newf(errors.CodeUnknownKind, "unknown fork kind %q", r.Kind).WithContext("index", i)
				}
				op.Meta = ForkMetadata{Delay: r.Delay, URL: r.URL, Method: r.Method}
			}
			if r.Operation == OpJoin && !JoinKind(r.Kind).Valid() {
				return errors.Newf(errors.CodeUnknownKind, "unknown join kind %q", r.Kind).WithContext("index", i)
			}
		case OpMutateDOM:
			if r.Area == nil {
				return errors.New(errors.CodeInvalidTrace, "missing area").WithContext("index", i)
			}
			op.Element = r.Element
			op.Area = *r.Area
		default:
			return errors.Newf(errors.CodeInvalidTrace, "unknown operation %q", r.Operation).WithContext("index", i)
		}
		ops = append(ops, op)
	}
	t.ops = ops
	return nil
}
