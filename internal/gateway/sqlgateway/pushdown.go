package sqlgateway

import (
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/onelab/manifold/pkg/predicate"
)

// splitFilter returns the WHERE conditions for the predicates SQL can
// express, and the remaining filter.
func splitFilter(f predicate.Filter) ([]sq.Sqlizer, predicate.Filter) {
	var pushed []sq.Sqlizer
	residual := predicate.Filter{}
	for _, p := range f.Predicates() {
		cond, ok := toSQL(p)
		if !ok {
			residual = residual.With(p)
			continue
		}
		pushed = append(pushed, cond)
	}
	return pushed, residual
}

func toSQL(p predicate.Predicate) (sq.Sqlizer, bool) {
	if p.IsComposite() || strings.Contains(p.Key(), ".") {
		return nil, false
	}
	key, value := p.Key(), p.Value()

	switch p.Op() {
	case predicate.Eq:
		return sq.Eq{key: value}, true
	case predicate.Ne:
		return sq.NotEq{key: value}, true
	case predicate.Included:
		if _, ok := value.([]any); !ok {
			return nil, false
		}
		return sq.Eq{key: value}, true
	case predicate.Lt, predicate.Le, predicate.Gt, predicate.Ge:
		if s, ok := value.(string); ok {
			return hierarchical(p.Op(), key, s)
		}
		if _, ok := value.([]any); ok || value == nil {
			return nil, false
		}
		switch p.Op() {
		case predicate.Lt:
			return sq.Lt{key: value}, true
		case predicate.Le:
			return sq.LtOrEq{key: value}, true
		case predicate.Gt:
			return sq.Gt{key: value}, true
		default:
			return sq.GtOrEq{key: value}, true
		}
	default:
		return nil, false
	}
}

// hierarchical renders descendant tests on dotted names. Ancestor tests
// depend on the column value as a prefix and stay local.
func hierarchical(op predicate.Operator, key, value string) (sq.Sqlizer, bool) {
	descendants := sq.Like{key: value + ".%"}
	switch op {
	case predicate.Lt:
		return descendants, true
	case predicate.Le:
		return sq.Or{sq.Eq{key: value}, descendants}, true
	default:
		return nil, false
	}
}
