package predicate

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/onelab/manifold/pkg/record"
)

// Filter is an ordered, de-duplicated conjunction of predicates.
type Filter struct {
	preds []Predicate
}

// NewFilter returns a Filter over the given predicates, dropping
// duplicates.
func NewFilter(preds ...Predicate) Filter {
	f := Filter{}
	for _, p := range preds {
		f = f.With(p)
	}
	return f
}

// With returns a copy of the filter with p appended, unless already present.
func (f Filter) With(p Predicate) Filter {
	for _, existing := range f.preds {
		if existing.Equal(p) {
			return f
		}
	}
	out := make([]Predicate, len(f.preds), len(f.preds)+1)
	copy(out, f.preds)
	return Filter{preds: append(out, p)}
}

func (f Filter) Len() int { return len(f.preds) }

func (f Filter) IsEmpty() bool { return len(f.preds) == 0 }

// Predicates returns the predicates in order.
func (f Filter) Predicates() []Predicate { return slices.Clone(f.preds) }

// Match returns true if every predicate matches. Missing fields deny.
func (f Filter) Match(rec *record.Record) bool {
	return f.match(rec, false)
}

// MatchIgnoringMissing is Match where predicates on absent fields pass.
func (f Filter) MatchIgnoringMissing(rec *record.Record) bool {
	return f.match(rec, true)
}

func (f Filter) match(rec *record.Record, ignoreMissing bool) bool {
	for _, p := range f.preds {
		if !p.Match(rec, ignoreMissing) {
			return false
		}
	}
	return true
}

// Get returns the predicates reading the given field.
func (f Filter) Get(field string) []Predicate {
	var out []Predicate
	for _, p := range f.preds {
		if slices.Contains(p.keys, field) {
			out = append(out, p)
		}
	}
	return out
}

// Has returns true if some predicate reads the given field.
func (f Filter) Has(field string) bool {
	return len(f.Get(field)) > 0
}

// FieldNames returns the fields read by the filter, in first-seen order.
func (f Filter) FieldNames() []string {
	var out []string
	for _, p := range f.preds {
		for _, k := range p.keys {
			if !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	return out
}

// SplitFields partitions the filter into predicates whose fields are all
// in fields, and the rest.
func (f Filter) SplitFields(fields []string) (within Filter, rest Filter) {
	for _, p := range f.preds {
		inside := true
		for _, k := range p.keys {
			if !slices.Contains(fields, k) {
				inside = false
				break
			}
		}
		if inside {
			within.preds = append(within.preds, p)
		} else {
			rest.preds = append(rest.preds, p)
		}
	}
	return within, rest
}

// Rename returns a copy with predicate keys rewritten by aliases.
func (f Filter) Rename(aliases map[string]string) Filter {
	if len(aliases) == 0 {
		return f
	}
	out := Filter{}
	for _, p := range f.preds {
		out = out.With(p.Renamed(aliases))
	}
	return out
}

// Freeze returns an order-independent canonical encoding of the filter.
func (f Filter) Freeze() string {
	parts := make([]string, 0, len(f.preds))
	for _, p := range f.preds {
		parts = append(parts, p.canonical())
	}
	slices.Sort(parts)
	return "[" + strings.Join(parts, ",") + "]"
}

// Contains returns true if every predicate of other is also in f, which
// makes f at least as restrictive as other.
func (f Filter) Contains(other Filter) bool {
	for _, p := range other.preds {
		if !slices.ContainsFunc(f.preds, p.Equal) {
			return false
		}
	}
	return true
}

// Equal compares filters as predicate sets.
func (f Filter) Equal(other Filter) bool {
	return f.Contains(other) && other.Contains(f)
}

func (f Filter) String() string {
	parts := make([]string, 0, len(f.preds))
	for _, p := range f.preds {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " AND ")
}

// FromTriples decodes a JSON list of [key, op, value] triples.
func FromTriples(data []byte) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// MarshalJSON encodes the filter as a list of triples.
func (f Filter) MarshalJSON() ([]byte, error) {
	if f.preds == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f.preds)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var preds []Predicate
	if err := json.Unmarshal(data, &preds); err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	*f = NewFilter(preds...)
	return nil
}

// MarshalZerologArray implements zerolog.LogArrayMarshaler.
func (f Filter) MarshalZerologArray(a *zerolog.Array) {
	for _, p := range f.preds {
		a.Object(p)
	}
}
