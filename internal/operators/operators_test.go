package operators

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/onelab/manifold/pkg/predicate"
	"github.com/onelab/manifold/pkg/query"
	"github.com/onelab/manifold/pkg/record"
)

func toMaps(recs []*record.Record) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ToMap())
	}
	return out
}

func TestSelection(t *testing.T) {
	sink := &record.CollectingStream{}
	sel := NewSelection(predicate.NewFilter(predicate.MustNew("x", predicate.Gt, 1)), sink)

	require.NoError(t, record.SendAll(sel,
		record.Of("x", 1),
		record.Of("x", 2),
		record.Of("y", 5),
		record.NewError("p", "boom", false),
	))

	recs := sink.Records()
	require.Len(t, recs, 2)
	require.Equal(t, map[string]any{"x": 2}, recs[0].ToMap())
	require.True(t, record.IsError(recs[1]))
	require.Equal(t, 1, sink.Ended())
}

func TestProjection(t *testing.T) {
	tcs := []struct {
		name     string
		fields   query.Fields
		expected map[string]any
	}{
		{"subset", query.NewFields("hrn"), map[string]any{"hrn": "x"}},
		{"star", query.AllFields(), map[string]any{"hrn": "x", "hostname": "h"}},
		{"empty", query.Fields{}, map[string]any{"hrn": "x", "hostname": "h"}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			sink := &record.CollectingStream{}
			require.NoError(t, record.SendAll(NewProjection(tc.fields, sink), record.Of("hrn", "x", "hostname", "h")))
			require.Equal(t, []map[string]any{tc.expected}, toMaps(sink.Records()))
			require.Equal(t, 1, sink.Ended())
		})
	}
}

func TestProjectionKeepsErrors(t *testing.T) {
	sink := &record.CollectingStream{}
	require.NoError(t, record.SendAll(NewProjection(query.NewFields("hrn"), sink), record.NewError("p", "boom", true)))
	require.True(t, record.IsError(sink.Records()[0]))
}

func TestRename(t *testing.T) {
	sink := &record.CollectingStream{}
	require.NoError(t, record.SendAll(NewRename(map[string]string{"host": "hostname"}, sink), record.Of("host", "h", "hrn", "x")))
	require.Equal(t, []string{"hostname", "hrn"}, sink.Records()[0].Keys())
}

func TestFaultDropsOneRecord(t *testing.T) {
	sink := &record.CollectingStream{}
	op := NewFunc("explode", func(r *record.Record) *record.Record {
		if r.Has("bad") {
			panic("cannot handle record")
		}
		return r
	}, sink)

	require.NoError(t, record.SendAll(op, record.Of("a", 1), record.Of("bad", true), record.Of("a", 2)))
	require.Equal(t, []map[string]any{{"a": 1}, {"a": 2}}, toMaps(sink.Records()))
	require.Equal(t, 1, sink.Ended())
}

func TestJoinMerges(t *testing.T) {
	sink := &record.CollectingStream{}
	j := NewJoin("ip", sink)

	require.NoError(t, record.SendAll(j.Left(), record.Of("ip", "1.1.1.1", "name", "n1")))
	require.Equal(t, 0, sink.Ended())
	require.NoError(t, record.SendAll(j.Right(), record.Of("ip", "1.1.1.1", "city", "Paris")))

	require.Equal(t, []map[string]any{{"ip": "1.1.1.1", "name": "n1", "city": "Paris"}}, toMaps(sink.Records()))
	require.Equal(t, 1, sink.Ended())
}

func TestJoinAsymmetry(t *testing.T) {
	sink := &record.CollectingStream{}
	j := NewJoin("ip", sink)

	require.NoError(t, record.SendAll(j.Right(),
		record.Of("ip", "1", "city", "Paris"),
		record.Of("ip", "2", "city", "Lyon"),
		record.Of("city", "nowhere"),
	))
	require.NoError(t, record.SendAll(j.Left(),
		record.Of("ip", "1", "name", "a"),
		record.Of("ip", "1", "name", "b"),
		record.Of("name", "keyless"),
		record.Of("ip", "3", "name", "c"),
	))

	require.Equal(t, []map[string]any{
		{"ip": "1", "name": "a", "city": "Paris"},
		{"ip": "1", "name": "b"},
		{"name": "keyless"},
		{"ip": "3", "name": "c"},
	}, toMaps(sink.Records()))
	require.Equal(t, 1, sink.Ended())
}

func TestJoinNumericKeys(t *testing.T) {
	sink := &record.CollectingStream{}
	j := NewJoin("id", sink)

	require.NoError(t, record.SendAll(j.Right(), record.Of("id", float64(7), "x", true)))
	require.NoError(t, record.SendAll(j.Left(), record.Of("id", 7)))
	require.Equal(t, []map[string]any{{"id": float64(7), "x": true}}, toMaps(sink.Records()))
}

func TestJoinForwardsErrors(t *testing.T) {
	sink := &record.CollectingStream{}
	j := NewJoin("ip", sink)

	require.NoError(t, j.Left().Send(record.Data(record.NewError("left", "boom", false))))
	require.NoError(t, j.Right().Send(record.Data(record.NewError("right", "boom", false))))
	require.Len(t, sink.Records(), 2)
	require.Equal(t, 0, sink.Ended())
}

func TestJoinEmptyRightIsPassThrough(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.IntRange(0, 5)).Draw(t, "values")
		rightFirst := rapid.Bool().Draw(t, "rightFirst")

		left := make([]*record.Record, 0, len(values))
		for _, v := range values {
			left = append(left, record.Of("k", v, "v", v*10))
		}

		expectedSink := &record.CollectingStream{}
		require.NoError(t, record.SendAll(NewSelection(predicate.Filter{}, expectedSink), cloneAll(left)...))

		sink := &record.CollectingStream{}
		j := NewJoin("k", sink)
		if rightFirst {
			require.NoError(t, record.SendAll(j.Right()))
			require.NoError(t, record.SendAll(j.Left(), cloneAll(left)...))
		} else {
			require.NoError(t, record.SendAll(j.Left(), cloneAll(left)...))
			require.Equal(t, 0, sink.Ended())
			require.NoError(t, record.SendAll(j.Right()))
		}

		require.Equal(t, toMaps(expectedSink.Records()), toMaps(sink.Records()))
		require.Equal(t, 1, sink.Ended())
	})
}

func cloneAll(recs []*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	return out
}

func TestUnion(t *testing.T) {
	sink := &record.CollectingStream{}
	u := NewUnion(3, sink)

	require.NoError(t, record.SendAll(u, record.Of("a", 1)))
	require.NoError(t, record.SendAll(u))
	require.Equal(t, 0, sink.Ended())
	require.Equal(t, 1, u.Remaining())

	require.NoError(t, record.SendAll(u, record.Of("a", 2)))
	require.Equal(t, 1, sink.Ended())
	require.Len(t, sink.Records(), 2)

	require.NoError(t, u.Send(record.End()))
	require.Equal(t, 1, sink.Ended())
}
