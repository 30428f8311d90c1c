// Package query defines the Query value object routed through manifold.
package query

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onelab/manifold/pkg/predicate"
)

// Action is the operation a query performs on its object.
type Action string

const (
	Get     Action = "get"
	Create  Action = "create"
	Update  Action = "update"
	Delete  Action = "delete"
	Execute Action = "execute"
)

var actions = []Action{Get, Create, Update, Delete, Execute}

// ParseAction returns the Action for its case-insensitive name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(s))
	if !slices.Contains(actions, a) {
		return "", NewInvalidQueryError(fmt.Errorf("unknown action %q", s))
	}
	return a, nil
}

// Annotation keys understood by the router and the policy targets.
const (
	AnnotationUser  = "user"
	AnnotationDebug = "debug"
	AnnotationCache = "cache"

	// CacheExact restricts cache lookups to exact key hits.
	CacheExact = "exact"
)

// Annotations carry out-of-band metadata with a query.
type Annotations map[string]any

// UserID returns the user identity annotation, or "" when anonymous.
func (a Annotations) UserID() string {
	switch u := a[AnnotationUser].(type) {
	case string:
		return u
	case fmt.Stringer:
		return u.String()
	default:
		return ""
	}
}

// Debug returns true if the debug annotation is set.
func (a Annotations) Debug() bool {
	d, _ := a[AnnotationDebug].(bool)
	return d
}

// Str returns a string annotation, or "".
func (a Annotations) Str(key string) string {
	s, _ := a[key].(string)
	return s
}

// Query is a structured request on one object. A Query is never mutated
// once dispatched; the With* methods return modified copies.
type Query struct {
	ID          string           `json:"id,omitempty"`
	Action      Action           `json:"action"`
	Object      string           `json:"object"`
	Fields      Fields           `json:"fields"`
	Filter      predicate.Filter `json:"filters"`
	Params      map[string]any   `json:"params,omitempty"`
	Annotations Annotations      `json:"annotations,omitempty"`
}

// New returns a get query over every field of object.
func New(action Action, object string) *Query {
	return &Query{
		Action:      action,
		Object:      object,
		Fields:      AllFields(),
		Params:      map[string]any{},
		Annotations: Annotations{},
	}
}

// Validate checks a query before dispatch.
func (q *Query) Validate() error {
	if q.Object == "" {
		return NewInvalidQueryError(errors.New("missing object"))
	}
	if !slices.Contains(actions, q.Action) {
		return NewInvalidQueryError(fmt.Errorf("unknown action %q", q.Action))
	}
	return nil
}

// Clone returns a copy sharing no maps with q.
func (q *Query) Clone() *Query {
	cp := *q
	cp.Params = maps.Clone(q.Params)
	cp.Annotations = maps.Clone(q.Annotations)
	if cp.Params == nil {
		cp.Params = map[string]any{}
	}
	if cp.Annotations == nil {
		cp.Annotations = Annotations{}
	}
	return &cp
}

// WithID returns a copy carrying a fresh query ID.
func (q *Query) WithID() *Query {
	cp := q.Clone()
	cp.ID = uuid.NewString()
	return cp
}

func (q *Query) WithObject(object string) *Query {
	cp := q.Clone()
	cp.Object = object
	return cp
}

func (q *Query) WithFilter(f predicate.Filter) *Query {
	cp := q.Clone()
	cp.Filter = f
	return cp
}

func (q *Query) WithFields(f Fields) *Query {
	cp := q.Clone()
	cp.Fields = f
	return cp
}

func (q *Query) WithParams(params map[string]any) *Query {
	cp := q.Clone()
	cp.Params = maps.Clone(params)
	return cp
}

func (q *Query) WithAnnotation(key string, value any) *Query {
	cp := q.Clone()
	cp.Annotations[key] = value
	return cp
}

// Select returns a copy selecting the given fields.
func (q *Query) Select(names ...string) *Query {
	return q.WithFields(NewFields(names...))
}

// Where returns a copy with p added to the filter.
func (q *Query) Where(p predicate.Predicate) *Query {
	return q.WithFilter(q.Filter.With(p))
}

// Set returns a copy with the write parameter set.
func (q *Query) Set(key string, value any) *Query {
	cp := q.Clone()
	cp.Params[key] = value
	return cp
}

// ReadFields returns the names read by the query: selected fields plus
// filter fields. The wildcard is kept.
func (q *Query) ReadFields() Fields {
	return q.Fields.Union(NewFields(q.Filter.FieldNames()...))
}

// WriteFields returns the names written by the query's params.
func (q *Query) WriteFields() Fields {
	return NewFields(slices.Sorted(maps.Keys(q.Params))...)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (q *Query) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", q.ID).
		Str("action", string(q.Action)).
		Str("object", q.Object).
		Strs("fields", q.Fields.List()).
		Array("filter", q.Filter)
	if len(q.Params) > 0 {
		e.Strs("params", slices.Sorted(maps.Keys(q.Params)))
	}
}

func (q *Query) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", strings.ToUpper(string(q.Action)), q.Fields.Freeze())
	fmt.Fprintf(&sb, " FROM %s", q.Object)
	if !q.Filter.IsEmpty() {
		fmt.Fprintf(&sb, " WHERE %s", q.Filter)
	}
	if len(q.Params) > 0 {
		fmt.Fprintf(&sb, " SET %v", q.Params)
	}
	return sb.String()
}
