package record

import (
	"maps"
	"slices"
	"strings"
)

// SplitPath splits a dotted field name into its head and the remaining
// tail ("" when the name is not dotted).
func SplitPath(key string) (head, tail string) {
	head, tail, _ = strings.Cut(key, ".")
	return head, tail
}

// Rename rewrites the record in place according to aliases (old -> new) and
// returns it. Aliases are applied in lexicographic order of their old name.
//
// Dotted names address nested records and lists:
//   - "a" -> "b.c" wraps the value of a into children {c: value} under b.
//   - "a.c" -> "b" collects every c found below a into one flat list.
//   - "a.c" -> "b.d" moves a to b and renames c to d in every child.
func Rename(r *Record, aliases map[string]string) *Record {
	if r.IsEmpty() {
		return r
	}
	for _, oldName := range slices.Sorted(maps.Keys(aliases)) {
		renameOne(r, oldName, aliases[oldName])
	}
	return r
}

func renameOne(r *Record, oldName, newName string) {
	if oldName == newName {
		return
	}
	oldHead, oldTail := SplitPath(oldName)
	newHead, newTail := SplitPath(newName)

	value, ok := r.Get(oldHead)
	if !ok {
		return
	}

	switch {
	case oldTail == "" && newTail == "":
		r.RenameKey(oldHead, newHead)

	case oldTail == "" && newTail != "":
		children := wrap(value, newTail)
		if oldHead != newHead {
			if existing, ok := r.Get(newHead); ok {
				if list, isList := existing.List(); isList {
					children = append(list, children...)
				}
			}
			r.RenameKey(oldHead, newHead)
		}
		r.SetValue(newHead, List(children...))

	case oldTail != "" && newTail == "":
		collected := Collect(value, oldTail)
		r.RenameKey(oldHead, newHead)
		r.SetValue(newHead, Scalar(collected))

	default:
		if oldHead != newHead {
			r.RenameKey(oldHead, newHead)
		}
		moved, _ := r.Get(newHead)
		switch moved.Kind() {
		case KindRecord:
			child, _ := moved.Record()
			renameOne(child, oldTail, newTail)
		case KindList:
			children, _ := moved.List()
			for _, child := range children {
				renameOne(child, oldTail, newTail)
			}
		}
	}
}

// wrap turns a scalar (or each element of a scalar list) into child records
// holding it under the dotted path tail.
func wrap(value Value, tail string) []*Record {
	var elems []Value
	switch value.Kind() {
	case KindList:
		children, _ := value.List()
		for _, child := range children {
			elems = append(elems, Nested(child))
		}
	case KindRecord:
		elems = append(elems, value)
	default:
		if list, ok := value.Scalar().([]any); ok {
			for _, x := range list {
				elems = append(elems, Scalar(x))
			}
		} else {
			elems = append(elems, value)
		}
	}

	out := make([]*Record, 0, len(elems))
	for _, elem := range elems {
		out = append(out, nest(tail, elem))
	}
	return out
}

func nest(path string, v Value) *Record {
	head, tail := SplitPath(path)
	r := New()
	if tail == "" {
		r.SetValue(head, v)
	} else {
		r.SetValue(head, Nested(nest(tail, v)))
	}
	return r
}

// Collect flattens every value found at the dotted path below value.
func Collect(value Value, path string) []any {
	out := []any{}
	switch value.Kind() {
	case KindList:
		children, _ := value.List()
		for _, child := range children {
			out = append(out, Collect(Nested(child), path)...)
		}
	case KindRecord:
		if path == "" {
			rec, _ := value.Record()
			return append(out, rec.ToMap())
		}
		rec, _ := value.Record()
		head, tail := SplitPath(path)
		child, ok := rec.Get(head)
		if !ok {
			return out
		}
		if tail == "" {
			return append(out, flattenScalar(child)...)
		}
		out = append(out, Collect(child, tail)...)
	default:
		if path != "" {
			return out
		}
		out = append(out, flattenScalar(value)...)
	}
	return out
}

func flattenScalar(v Value) []any {
	switch v.Kind() {
	case KindScalar:
		if list, ok := v.Scalar().([]any); ok {
			return list
		}
		return []any{v.Scalar()}
	default:
		return []any{v.Interface()}
	}
}
