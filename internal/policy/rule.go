package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/onelab/manifold/pkg/query"
)

// Access is the kind of field access a rule applies to.
type Access string

const (
	Read      Access = "R"
	Write     Access = "W"
	ReadWrite Access = "RW"
)

// AnyObject matches every object.
const AnyObject = "*"

// Rule binds a target to the queries touching some fields of an object.
// Only top-level field names are compared.
type Rule struct {
	Object string       `json:"object" yaml:"object"`
	Fields query.Fields `json:"fields" yaml:"fields"`
	Access Access       `json:"access" yaml:"access"`
	Target string       `json:"target" yaml:"target"`
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	if r.Object == "" {
		return errors.New("rule is missing an object")
	}
	if r.Target == "" {
		return fmt.Errorf("rule on %q is missing a target", r.Object)
	}
	switch r.Access {
	case Read, Write, ReadWrite:
		return nil
	default:
		return fmt.Errorf("rule on %q has unknown access %q", r.Object, r.Access)
	}
}

// Matches returns true if the query falls under the rule.
func (r Rule) Matches(q *query.Query) bool {
	if r.Object != AnyObject && r.Object != q.Object {
		return false
	}
	return r.Fields.Intersects(topLevel(touched(q, r.Access)))
}

func touched(q *query.Query, access Access) query.Fields {
	switch access {
	case Read:
		return q.ReadFields()
	case Write:
		return q.WriteFields()
	default:
		return q.ReadFields().Union(q.WriteFields())
	}
}

func topLevel(f query.Fields) query.Fields {
	if f.IsStar() {
		return f
	}
	names := f.List()
	for i, name := range names {
		names[i], _, _ = strings.Cut(name, ".")
	}
	return query.NewFields(names...)
}

func (r Rule) MarshalZerologObject(e *zerolog.Event) {
	e.Str("object", r.Object).
		Strs("fields", r.Fields.List()).
		Str("access", string(r.Access)).
		Str("target", r.Target)
}
