package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/onelab/manifold/pkg/record"
)

// ErrArityMismatch is returned when a composite predicate value does not
// have one element per key.
var ErrArityMismatch = errors.New("predicate value arity does not match key arity")

// Predicate is an immutable `key operator value` condition. The key is
// either a single (possibly dotted) field name or an ordered tuple of
// field names.
type Predicate struct {
	keys  []string
	op    Operator
	value any
}

// New creates a single-key predicate. Slice values are normalized to []any.
func New(key string, op Operator, value any) (Predicate, error) {
	if key == "" {
		return Predicate{}, errors.New("predicate key must not be empty")
	}
	if _, ok := longOperators[string(op)]; !ok {
		return Predicate{}, fmt.Errorf("unknown predicate operator %q", op)
	}
	return Predicate{keys: []string{key}, op: op, value: normalize(value)}, nil
}

// NewComposite creates a predicate over a tuple of fields. The value must
// be a tuple with one element per key; for Included it must be a list of
// such tuples.
func NewComposite(keys []string, op Operator, value any) (Predicate, error) {
	if len(keys) == 0 {
		return Predicate{}, errors.New("predicate key must not be empty")
	}
	if len(keys) == 1 {
		return New(keys[0], op, value)
	}
	if _, ok := longOperators[string(op)]; !ok {
		return Predicate{}, fmt.Errorf("unknown predicate operator %q", op)
	}

	value = normalize(value)
	tuples, ok := asList(value)
	if !ok {
		return Predicate{}, fmt.Errorf("%w: %d keys, scalar value", ErrArityMismatch, len(keys))
	}
	if op == Included {
		for i, tuple := range tuples {
			elems, ok := asList(normalize(tuple))
			if !ok || len(elems) != len(keys) {
				return Predicate{}, fmt.Errorf("%w: %d keys, tuple %d has wrong size", ErrArityMismatch, len(keys), i)
			}
			tuples[i] = elems
		}
	} else if len(tuples) != len(keys) {
		return Predicate{}, fmt.Errorf("%w: %d keys, %d values", ErrArityMismatch, len(keys), len(tuples))
	}

	return Predicate{keys: append([]string(nil), keys...), op: op, value: tuples}, nil
}

// MustNew is New for literals known to be valid.
func MustNew(key string, op Operator, value any) Predicate {
	p, err := New(key, op, value)
	if err != nil {
		panic(err)
	}
	return p
}

func normalize(value any) any {
	switch v := value.(type) {
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	case []any:
		return append([]any(nil), v...)
	default:
		return value
	}
}

// Key returns the field name, or the comma-joined tuple for composite keys.
func (p Predicate) Key() string { return strings.Join(p.keys, ",") }

// Keys returns the key tuple.
func (p Predicate) Keys() []string { return append([]string(nil), p.keys...) }

func (p Predicate) Op() Operator { return p.op }

func (p Predicate) Value() any { return p.value }

// IsComposite returns true if the key is a tuple of fields.
func (p Predicate) IsComposite() bool { return len(p.keys) > 1 }

// FieldNames returns the fields the predicate reads.
func (p Predicate) FieldNames() []string { return p.Keys() }

// Match returns whether the record satisfies the predicate. When the field
// of a single-key predicate is absent, the result is ignoreMissing. A
// composite predicate never matches a record missing one of its fields.
func (p Predicate) Match(rec *record.Record, ignoreMissing bool) bool {
	if p.IsComposite() {
		return p.matchComposite(rec)
	}

	values, ok := resolve(rec, p.keys[0])
	if !ok {
		return ignoreMissing
	}

	// On a dotted key, contains asks whether some child has the subfield.
	op := p.op
	if op == Contains && strings.Contains(p.keys[0], ".") {
		op = Eq
	}
	for _, v := range values {
		if apply(op, v, p.value) {
			return true
		}
	}
	return false
}

func (p Predicate) matchComposite(rec *record.Record) bool {
	fields := make([]any, len(p.keys))
	for i, k := range p.keys {
		v, ok := rec.Get(k)
		if !ok {
			return false
		}
		fields[i] = v.Interface()
	}

	tuples, _ := p.value.([]any)
	if p.op == Included {
		for _, tuple := range tuples {
			elems, _ := tuple.([]any)
			if matchTuple(Eq, fields, elems) {
				return true
			}
		}
		return false
	}
	return matchTuple(p.op, fields, tuples)
}

func matchTuple(op Operator, fields, values []any) bool {
	if len(fields) != len(values) {
		return false
	}
	for i := range fields {
		if !apply(op, fields[i], values[i]) {
			return false
		}
	}
	return true
}

// resolve returns the candidate values for a field name. A dotted name
// yields every value found below its head, through nested records and
// lists.
func resolve(rec *record.Record, key string) ([]any, bool) {
	head, tail := record.SplitPath(key)
	v, ok := rec.Get(head)
	if !ok {
		return nil, false
	}
	if tail == "" {
		return []any{v.Interface()}, true
	}
	if v.Kind() == record.KindScalar {
		return nil, false
	}

	found := record.Collect(v, tail)
	if len(found) == 0 {
		return nil, false
	}
	return found, true
}

// Renamed returns a copy with keys rewritten by aliases. A key matches an
// alias exactly or through its dotted prefix ("users.hrn" under
// users -> members becomes "members.hrn").
func (p Predicate) Renamed(aliases map[string]string) Predicate {
	keys := make([]string, len(p.keys))
	for i, k := range p.keys {
		keys[i] = RenameField(k, aliases)
	}
	return Predicate{keys: keys, op: p.op, value: p.value}
}

// RenameField rewrites a field name by aliases. A dotted name follows the
// alias of its longest aliased prefix.
func RenameField(key string, aliases map[string]string) string {
	if renamed, ok := aliases[key]; ok {
		return renamed
	}
	best := ""
	for prefix := range aliases {
		if strings.HasPrefix(key, prefix+".") && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return key
	}
	return aliases[best] + key[len(best):]
}

// canonical is the stable encoding used for equality and cache keys.
func (p Predicate) canonical() string {
	b, err := json.Marshal([]any{p.keys, p.op, p.value})
	if err != nil {
		return fmt.Sprintf("%v %s %v", p.keys, p.op, p.value)
	}
	return string(b)
}

// Equal returns true if both predicates have the same key, operator and
// value.
func (p Predicate) Equal(other Predicate) bool {
	return p.canonical() == other.canonical()
}

func (p Predicate) String() string {
	key := p.keys[0]
	if p.IsComposite() {
		key = "(" + strings.Join(p.keys, ", ") + ")"
	}
	if s, ok := p.value.(string); ok {
		return fmt.Sprintf("%s %s %q", key, p.op, s)
	}
	return fmt.Sprintf("%s %s %v", key, p.op, p.value)
}

// MarshalJSON encodes the predicate as a [key, op, value] triple.
func (p Predicate) MarshalJSON() ([]byte, error) {
	var key any = p.keys[0]
	if p.IsComposite() {
		key = p.keys
	}
	return json.Marshal([]any{key, p.op, p.value})
}

// UnmarshalJSON decodes a [key, op, value] triple. Short operator forms are
// accepted.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("predicate must be a [key, op, value] triple: %w", err)
	}
	if len(triple) != 3 {
		return fmt.Errorf("predicate must be a [key, op, value] triple, found %d elements", len(triple))
	}

	var opText string
	if err := json.Unmarshal(triple[1], &opText); err != nil {
		return fmt.Errorf("invalid predicate operator: %w", err)
	}
	op, err := ParseOperator(opText)
	if err != nil {
		return err
	}

	var value any
	if err := json.Unmarshal(triple[2], &value); err != nil {
		return fmt.Errorf("invalid predicate value: %w", err)
	}

	var key string
	if err := json.Unmarshal(triple[0], &key); err == nil {
		parsed, err := New(key, op, value)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}

	var keys []string
	if err := json.Unmarshal(triple[0], &keys); err != nil {
		return fmt.Errorf("predicate key must be a string or a list of strings: %w", err)
	}
	parsed, err := NewComposite(keys, op, value)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (p Predicate) MarshalZerologObject(e *zerolog.Event) {
	e.Str("key", p.Key()).Stringer("op", p.op).Interface("value", p.value)
}
