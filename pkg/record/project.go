package record

// Project returns a new record holding only the given fields, in the
// record's order. Dotted names keep the named subfields of nested records
// and of every child of a list. Absent fields are omitted.
func Project(r *Record, fields []string) *Record {
	if r == nil {
		return nil
	}

	whole := map[string]bool{}
	tails := map[string][]string{}
	for _, f := range fields {
		head, tail := SplitPath(f)
		if tail == "" {
			whole[head] = true
			continue
		}
		tails[head] = append(tails[head], tail)
	}

	out := New()
	for _, k := range r.keys {
		v := r.values[k]
		if whole[k] {
			out.SetValue(k, v)
			continue
		}
		sub, ok := tails[k]
		if !ok {
			continue
		}
		switch v.kind {
		case KindRecord:
			out.SetValue(k, Nested(Project(v.record, sub)))
		case KindList:
			children := make([]*Record, 0, len(v.list))
			for _, child := range v.list {
				children = append(children, Project(child, sub))
			}
			out.SetValue(k, List(children...))
		}
	}
	return out
}
