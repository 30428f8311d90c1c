package predicate

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// toFloat normalizes any Go numeric type.
func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// asList returns the elements of a list value.
func asList(x any) ([]any, bool) {
	switch l := x.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func member(x any, list []any) bool {
	for _, elem := range list {
		if equal(x, elem) {
			return true
		}
	}
	return false
}

// isDescendant reports whether name is strictly below parent in a dotted
// hierarchy ("a.b.c" is below "a.b").
func isDescendant(name, parent string) bool {
	return strings.HasPrefix(name, parent+".")
}

// compareOrdered returns -1, 0 or 1 for numeric and time values.
func compareOrdered(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	return 0, false
}

// ordering evaluates lt/le/gt/ge. String operands compare by hierarchical
// containment of dotted names, not lexicographically.
func ordering(op Operator, field, value any) bool {
	if vs, ok := value.(string); ok {
		fs, ok := field.(string)
		if !ok {
			return false
		}
		switch op {
		case Lt:
			return isDescendant(fs, vs)
		case Le:
			return fs == vs || isDescendant(fs, vs)
		case Gt:
			return isDescendant(vs, fs)
		case Ge:
			return fs == vs || isDescendant(vs, fs)
		}
		return false
	}

	cmp, ok := compareOrdered(field, value)
	if !ok {
		return false
	}
	switch op {
	case Lt:
		return cmp < 0
	case Le:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Ge:
		return cmp >= 0
	}
	return false
}

// intersects reports whether two set-valued operands share an element.
func intersects(field, value any) bool {
	fl, ok := asList(field)
	if !ok {
		fl = []any{field}
	}
	vl, ok := asList(value)
	if !ok {
		vl = []any{value}
	}
	for _, f := range fl {
		if member(f, vl) {
			return true
		}
	}
	return false
}

// unionNonEmpty reports whether the union of two set-valued operands has an
// element.
func unionNonEmpty(field, value any) bool {
	for _, x := range []any{field, value} {
		if l, ok := asList(x); ok {
			if len(l) > 0 {
				return true
			}
			continue
		}
		if x != nil {
			return true
		}
	}
	return false
}

func negation(field, value any) bool {
	fv, ok := toFloat(field)
	if !ok {
		return false
	}
	vv, ok := toFloat(value)
	if !ok {
		return false
	}
	return fv == -vv
}

// apply evaluates op on one resolved field value.
func apply(op Operator, field, value any) bool {
	switch op {
	case Eq:
		if l, ok := asList(value); ok {
			return member(field, l)
		}
		return equal(field, value)
	case Ne:
		if l, ok := asList(value); ok {
			return !member(field, l)
		}
		return !equal(field, value)
	case Lt, Le, Gt, Ge:
		return ordering(op, field, value)
	case And:
		return intersects(field, value)
	case Or:
		return unionNonEmpty(field, value)
	case Contains:
		if l, ok := asList(field); ok {
			return member(value, l)
		}
		fs, fok := field.(string)
		vs, vok := value.(string)
		return fok && vok && isDescendant(fs, vs)
	case Included:
		if l, ok := asList(value); ok {
			return member(field, l)
		}
		return equal(field, value)
	case Neg:
		return negation(field, value)
	default:
		return false
	}
}
