package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"
)

// Record is an ordered field map. Records are created by gateways and
// mutated in place as they traverse operators.
type Record struct {
	keys   []string
	values map[string]Value
}

// New returns an empty Record.
func New() *Record {
	return &Record{values: make(map[string]Value)}
}

// Of builds a Record from alternating key/value pairs, keeping their order.
func Of(kv ...any) *Record {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("record.Of called with odd number of arguments: %d", len(kv)))
	}
	r := New()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("record.Of key at %d is %T, not string", i, kv[i]))
		}
		r.Set(key, kv[i+1])
	}
	return r
}

// FromMap builds a Record from a map. Keys are ordered lexicographically.
func FromMap(m map[string]any) *Record {
	r := New()
	for _, k := range slices.Sorted(maps.Keys(m)) {
		r.Set(k, m[k])
	}
	return r
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// IsEmpty returns true for a nil or field-less record.
func (r *Record) IsEmpty() bool { return r.Len() == 0 }

// Keys returns the field names in order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.keys)
}

// Has returns true if the top-level field is present.
func (r *Record) Has(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r.values[key]
	return ok
}

// Get returns the value of a top-level field.
func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.values[key]
	return v, ok
}

// Set stores a field, converting plain Go values with ValueOf. Existing
// fields keep their position.
func (r *Record) Set(key string, v any) {
	r.SetValue(key, ValueOf(v))
}

// SetValue stores a field value. Existing fields keep their position.
func (r *Record) SetValue(key string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Delete removes a field and returns its previous value.
func (r *Record) Delete(key string) (Value, bool) {
	v, ok := r.values[key]
	if !ok {
		return Value{}, false
	}
	delete(r.values, key)
	r.keys = slices.DeleteFunc(r.keys, func(k string) bool { return k == key })
	return v, true
}

// RenameKey moves the value of oldKey to newKey in oldKey's position. Any
// existing newKey field is replaced.
func (r *Record) RenameKey(oldKey, newKey string) bool {
	v, ok := r.values[oldKey]
	if !ok {
		return false
	}
	if oldKey == newKey {
		return true
	}
	if _, exists := r.values[newKey]; exists {
		r.Delete(newKey)
	}
	idx := slices.Index(r.keys, oldKey)
	r.keys[idx] = newKey
	delete(r.values, oldKey)
	r.values[newKey] = v
	return true
}

// Update copies every field of other into r; other's values win.
func (r *Record) Update(other *Record) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		r.SetValue(k, other.values[k])
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		keys:   slices.Clone(r.keys),
		values: make(map[string]Value, len(r.values)),
	}
	for k, v := range r.values {
		out.values[k] = v.Clone()
	}
	return out
}

// ToMap returns the record as plain Go data.
func (r *Record) ToMap() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.values[k].Interface()
	}
	return out
}

// Equal compares two records field by field, ignoring order.
func (r *Record) Equal(other *Record) bool {
	if r.Len() != other.Len() {
		return false
	}
	a, err := json.Marshal(r.ToMap())
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.ToMap())
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// MarshalJSON encodes the record as a JSON object preserving field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		var vb []byte
		v := r.values[k]
		switch v.kind {
		case KindRecord:
			vb, err = v.record.MarshalJSON()
		case KindList:
			vb, err = json.Marshal(v.list)
		default:
			vb, err = json.Marshal(v.scalar)
		}
		if err != nil {
			return nil, fmt.Errorf("error encoding field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object. Numbers are decoded as float64 and
// field order follows the document.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	decoded, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*r = *decoded
	return nil
}

func decodeObject(dec *json.Decoder) (*Record, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object, found %v", tok)
	}

	r := New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, found %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("error decoding field %q: %w", key, err)
		}
		r.SetValue(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeValue(raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		nested, err := decodeObject(json.NewDecoder(bytes.NewReader(trimmed)))
		if err != nil {
			return Value{}, err
		}
		return Nested(nested), nil
	}

	var x any
	if err := json.Unmarshal(trimmed, &x); err != nil {
		return Value{}, err
	}
	if list, ok := x.([]any); ok && len(list) > 0 {
		if _, isObj := list[0].(map[string]any); isObj {
			var elems []json.RawMessage
			if err := json.Unmarshal(trimmed, &elems); err != nil {
				return Value{}, err
			}
			rs := make([]*Record, 0, len(elems))
			for _, elem := range elems {
				child, err := decodeObject(json.NewDecoder(bytes.NewReader(elem)))
				if err != nil {
					return Value{}, err
				}
				rs = append(rs, child)
			}
			return List(rs...), nil
		}
	}
	return Scalar(x), nil
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (r *Record) MarshalZerologObject(e *zerolog.Event) {
	if r == nil {
		return
	}
	for _, k := range r.keys {
		e.Interface(k, r.values[k].Interface())
	}
}

func (r *Record) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", r.ToMap())
	}
	return string(b)
}
