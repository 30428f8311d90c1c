package predicate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onelab/manifold/pkg/record"
)

func TestParseOperator(t *testing.T) {
	tcs := []struct {
		input    string
		expected Operator
	}{
		{"==", Eq},
		{"=", Eq},
		{"~", Ne},
		{"!=", Ne},
		{"[", Le},
		{"]", Ge},
		{"}", Contains},
		{"contains", Contains},
		{"{", Included},
		{"included", Included},
		{"&", And},
		{"||", Or},
		{"neg", Neg},
	}

	for _, tc := range tcs {
		t.Run(tc.input, func(t *testing.T) {
			op, err := ParseOperator(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, op)
		})
	}

	_, err := ParseOperator("LIKE")
	require.Error(t, err)
}

func TestMatch(t *testing.T) {
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := record.Of(
		"hrn", "onelab.upmc.projectx",
		"port", 22,
		"load", 0.5,
		"offset", -3,
		"tags", []any{"a", "b"},
		"created", when,
		"users", []*record.Record{record.Of("hrn", "u1"), record.Of("hrn", "u2")},
		"site", record.Of("city", "Paris"),
	)

	tcs := []struct {
		name     string
		pred     Predicate
		expected bool
	}{
		{"eq string", MustNew("hrn", Eq, "onelab.upmc.projectx"), true},
		{"eq numeric across types", MustNew("port", Eq, 22.0), true},
		{"eq list membership", MustNew("port", Eq, []any{21, 22}), true},
		{"eq mismatch", MustNew("port", Eq, 80), false},
		{"ne", MustNew("port", Ne, 80), true},
		{"ne list", MustNew("port", Ne, []any{21, 22}), false},
		{"lt numeric", MustNew("load", Lt, 1), true},
		{"ge numeric", MustNew("port", Ge, 22), true},
		{"gt numeric", MustNew("port", Gt, 22), false},
		{"lt time", MustNew("created", Lt, when.Add(time.Hour)), true},
		{"lt string is strict descendant", MustNew("hrn", Lt, "onelab.upmc"), true},
		{"lt string not lexicographic", MustNew("hrn", Lt, "zzz"), false},
		{"lt string self", MustNew("hrn", Lt, "onelab.upmc.projectx"), false},
		{"le string self", MustNew("hrn", Le, "onelab.upmc.projectx"), true},
		{"gt string is ancestor", MustNew("hrn", Gt, "onelab.upmc.projectx.slice"), true},
		{"gt string not ancestor", MustNew("hrn", Gt, "onelab.upmc"), false},
		{"ge string self", MustNew("hrn", Ge, "onelab.upmc.projectx"), true},
		{"included", MustNew("port", Included, []any{22, 23}), true},
		{"not included", MustNew("port", Included, []any{80}), false},
		{"contains hierarchy", MustNew("hrn", Contains, "onelab"), true},
		{"contains hierarchy miss", MustNew("hrn", Contains, "ple"), false},
		{"contains list field", MustNew("tags", Contains, "b"), true},
		{"contains child", MustNew("users.hrn", Contains, "u2"), true},
		{"contains child miss", MustNew("users.hrn", Contains, "u3"), false},
		{"dotted nested record", MustNew("site.city", Eq, "Paris"), true},
		{"and intersects", MustNew("tags", And, []any{"b", "c"}), true},
		{"and disjoint", MustNew("tags", And, []any{"c"}), false},
		{"or", MustNew("tags", Or, []any{}), true},
		{"neg", MustNew("offset", Neg, 3), true},
		{"neg mismatch", MustNew("offset", Neg, -3), false},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.pred.Match(rec, false))
			// Evaluation is pure.
			require.Equal(t, tc.expected, tc.pred.Match(rec, false))
		})
	}
}

func TestMatchMissingField(t *testing.T) {
	rec := record.Of("a", 1)
	p := MustNew("b", Eq, 1)
	require.False(t, p.Match(rec, false))
	require.True(t, p.Match(rec, true))

	dotted := MustNew("users.hrn", Contains, "u1")
	require.False(t, dotted.Match(rec, false))
	require.True(t, dotted.Match(rec, true))
}

func TestComposite(t *testing.T) {
	_, err := NewComposite([]string{"a", "b"}, Eq, []any{1})
	require.ErrorIs(t, err, ErrArityMismatch)

	_, err = NewComposite([]string{"a", "b"}, Eq, 1)
	require.ErrorIs(t, err, ErrArityMismatch)

	_, err = NewComposite([]string{"a", "b"}, Included, []any{[]any{1, 2}, []any{3}})
	require.ErrorIs(t, err, ErrArityMismatch)

	rec := record.Of("a", 1, "b", "x")

	eq, err := NewComposite([]string{"a", "b"}, Eq, []any{1, "x"})
	require.NoError(t, err)
	require.True(t, eq.IsComposite())
	require.True(t, eq.Match(rec, false))

	partial, err := NewComposite([]string{"a", "b"}, Eq, []any{1, "y"})
	require.NoError(t, err)
	require.False(t, partial.Match(rec, false))

	included, err := NewComposite([]string{"a", "b"}, Included, []any{[]any{2, "x"}, []any{1, "x"}})
	require.NoError(t, err)
	require.True(t, included.Match(rec, false))

	missing, err := NewComposite([]string{"a", "c"}, Eq, []any{1, 2})
	require.NoError(t, err)
	require.False(t, missing.Match(rec, false))
	require.False(t, missing.Match(rec, true))
}

func TestCompositeNeedsEveryField(t *testing.T) {
	in, err := NewComposite([]string{"a", "b"}, Included, []any{[]any{1, "x"}})
	require.NoError(t, err)

	for _, rec := range []*record.Record{
		record.Of("a", 1),
		record.Of("b", "x"),
		record.Of("c", 2),
	} {
		require.False(t, in.Match(rec, false))
		require.False(t, in.Match(rec, true))
	}

	// Single-key predicates keep ignoring absent fields.
	require.True(t, MustNew("c", Eq, 1).Match(record.Of("a", 1), true))
}

func TestRenamed(t *testing.T) {
	aliases := map[string]string{"users": "members", "host": "hostname"}

	require.Equal(t, "members.hrn", MustNew("users.hrn", Eq, "u").Renamed(aliases).Key())
	require.Equal(t, "hostname", MustNew("host", Eq, "a").Renamed(aliases).Key())
	require.Equal(t, "hostnames", MustNew("hostnames", Eq, "a").Renamed(aliases).Key())
}

func TestPredicateJSON(t *testing.T) {
	var p Predicate
	require.NoError(t, json.Unmarshal([]byte(`["hrn", "}", "onelab"]`), &p))
	require.Equal(t, Contains, p.Op())
	require.Equal(t, "hrn", p.Key())

	encoded, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `["hrn", "CONTAINS", "onelab"]`, string(encoded))

	require.NoError(t, json.Unmarshal([]byte(`[["a","b"], "==", [1, 2]]`), &p))
	require.True(t, p.IsComposite())

	require.Error(t, json.Unmarshal([]byte(`["a", "=="]`), &p))
	require.Error(t, json.Unmarshal([]byte(`[["a","b"], "==", [1]]`), &p))
	require.Error(t, json.Unmarshal([]byte(`["a", "like", 1]`), &p))
}
