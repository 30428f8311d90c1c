package record

import (
	"fmt"
)

// Kind tags the shape held by a Value.
type Kind uint8

const (
	// KindScalar is any terminal value, including a list of scalars.
	KindScalar Kind = iota

	// KindRecord is a nested 1:1 record.
	KindRecord

	// KindList is a 1:N list of records.
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindRecord:
		return "record"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a field value in a Record: a scalar, a nested Record or a list
// of Records.
type Value struct {
	kind   Kind
	scalar any
	record *Record
	list   []*Record
}

// Scalar returns a scalar Value.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: v}
}

// Nested returns a Value holding a 1:1 sub-record.
func Nested(r *Record) Value {
	return Value{kind: KindRecord, record: r}
}

// List returns a Value holding a 1:N list of records.
func List(rs ...*Record) Value {
	if rs == nil {
		rs = []*Record{}
	}
	return Value{kind: KindList, list: rs}
}

// ValueOf converts a plain Go value into a Value. Maps become nested
// records and slices whose elements are all maps or records become lists;
// everything else is kept as a scalar.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case Value:
		return t
	case *Record:
		return Nested(t)
	case []*Record:
		return List(t...)
	case map[string]any:
		return Nested(FromMap(t))
	case []map[string]any:
		rs := make([]*Record, 0, len(t))
		for _, m := range t {
			rs = append(rs, FromMap(m))
		}
		return List(rs...)
	case []any:
		if len(t) == 0 {
			return Scalar(t)
		}
		rs := make([]*Record, 0, len(t))
		for _, elem := range t {
			switch e := elem.(type) {
			case map[string]any:
				rs = append(rs, FromMap(e))
			case *Record:
				rs = append(rs, e)
			default:
				return Scalar(t)
			}
		}
		return List(rs...)
	default:
		return Scalar(x)
	}
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// Scalar returns the scalar payload, or nil for nested values.
func (v Value) Scalar() any {
	if v.kind != KindScalar {
		return nil
	}
	return v.scalar
}

// Record returns the nested record, if the value holds one.
func (v Value) Record() (*Record, bool) {
	if v.kind != KindRecord {
		return nil, false
	}
	return v.record, true
}

// List returns the record list, if the value holds one.
func (v Value) List() ([]*Record, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Interface returns the value as plain Go data: the scalar itself, a
// map[string]any for nested records and a []map[string]any for lists.
func (v Value) Interface() any {
	switch v.kind {
	case KindRecord:
		return v.record.ToMap()
	case KindList:
		out := make([]map[string]any, 0, len(v.list))
		for _, r := range v.list {
			out = append(out, r.ToMap())
		}
		return out
	default:
		return v.scalar
	}
}

// Clone deep-copies nested records. Scalars are shared.
func (v Value) Clone() Value {
	switch v.kind {
	case KindRecord:
		return Nested(v.record.Clone())
	case KindList:
		out := make([]*Record, 0, len(v.list))
		for _, r := range v.list {
			out = append(out, r.Clone())
		}
		return List(out...)
	default:
		if l, ok := v.scalar.([]any); ok {
			cp := make([]any, len(l))
			copy(cp, l)
			return Scalar(cp)
		}
		return v
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Interface())
}
