package query

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/scylladb/go-set/strset"

	"github.com/onelab/manifold/pkg/predicate"
)

// Star is the wildcard field name selecting every field.
const Star = "*"

// Fields is an immutable set of selected field names, or the wildcard.
type Fields struct {
	star bool
	set  *strset.Set
}

// NewFields returns a field set. Any "*" makes it the wildcard.
func NewFields(names ...string) Fields {
	if slices.Contains(names, Star) {
		return AllFields()
	}
	return Fields{set: strset.New(names...)}
}

// AllFields returns the wildcard.
func AllFields() Fields { return Fields{star: true, set: strset.New()} }

// IsStar returns true for the wildcard.
func (f Fields) IsStar() bool { return f.star }

// IsEmpty returns true for a non-wildcard set with no fields.
func (f Fields) IsEmpty() bool { return !f.star && f.size() == 0 }

func (f Fields) size() int {
	if f.set == nil {
		return 0
	}
	return f.set.Size()
}

// Has returns true if the field is selected.
func (f Fields) Has(name string) bool {
	if f.star {
		return true
	}
	return f.set != nil && f.set.Has(name)
}

// List returns the sorted field names, or ["*"].
func (f Fields) List() []string {
	if f.star {
		return []string{Star}
	}
	if f.set == nil {
		return []string{}
	}
	names := f.set.List()
	slices.Sort(names)
	return names
}

// Covers returns true if every field of other is in f. The wildcard covers
// everything and is only covered by the wildcard.
func (f Fields) Covers(other Fields) bool {
	if f.star {
		return true
	}
	if other.star {
		return false
	}
	if other.set == nil {
		return true
	}
	if f.set == nil {
		return other.set.IsEmpty()
	}
	return f.set.IsSubset(other.set)
}

// Intersects returns true if the sets share a field. The wildcard
// intersects any non-empty set.
func (f Fields) Intersects(other Fields) bool {
	switch {
	case f.star:
		return !other.IsEmpty()
	case other.star:
		return !f.IsEmpty()
	case f.set == nil || other.set == nil:
		return false
	}
	return !strset.Intersection(f.set, other.set).IsEmpty()
}

// Union returns the fields of both sets.
func (f Fields) Union(other Fields) Fields {
	if f.star || other.star {
		return AllFields()
	}
	return Fields{set: strset.Union(f.orEmpty(), other.orEmpty())}
}

// With returns a copy including the given names.
func (f Fields) With(names ...string) Fields {
	if f.star {
		return f
	}
	return NewFields(append(f.List(), names...)...)
}

// Rename returns a copy with names rewritten by aliases. Dotted names follow
// the alias of their prefix.
func (f Fields) Rename(aliases map[string]string) Fields {
	if f.star || len(aliases) == 0 {
		return f
	}
	out := make([]string, 0, f.size())
	for _, name := range f.List() {
		out = append(out, predicate.RenameField(name, aliases))
	}
	return NewFields(out...)
}

func (f Fields) orEmpty() *strset.Set {
	if f.set == nil {
		return strset.New()
	}
	return f.set
}

// Freeze returns a canonical encoding for cache keys.
func (f Fields) Freeze() string { return strings.Join(f.List(), ",") }

func (f Fields) String() string { return "{" + f.Freeze() + "}" }

func (f Fields) MarshalJSON() ([]byte, error) { return json.Marshal(f.List()) }

func (f *Fields) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*f = NewFields(names...)
	return nil
}

// UnmarshalYAML accepts a list of names.
func (f *Fields) UnmarshalYAML(unmarshal func(any) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	*f = NewFields(names...)
	return nil
}
