package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordOrderAndMutation(t *testing.T) {
	r := Of("ip", "1.1.1.1", "name", "n1", "port", 22)
	require.Equal(t, []string{"ip", "name", "port"}, r.Keys())

	r.Set("name", "n2")
	require.Equal(t, []string{"ip", "name", "port"}, r.Keys())
	require.Equal(t, "n2", r.StringField("name"))

	require.True(t, r.RenameKey("name", "hostname"))
	require.Equal(t, []string{"ip", "hostname", "port"}, r.Keys())
	require.False(t, r.RenameKey("missing", "other"))

	v, ok := r.Delete("ip")
	require.True(t, ok)
	require.Equal(t, "1.1.1.1", v.Scalar())
	require.Equal(t, []string{"hostname", "port"}, r.Keys())
}

func TestRenameKeyReplacesExisting(t *testing.T) {
	r := Of("a", 1, "b", 2, "c", 3)
	require.True(t, r.RenameKey("c", "a"))
	require.Equal(t, []string{"b", "a"}, r.Keys())
	v, _ := r.Get("a")
	require.Equal(t, 3, v.Scalar())
}

func TestValueOf(t *testing.T) {
	tcs := []struct {
		name     string
		input    any
		expected Kind
	}{
		{"string", "x", KindScalar},
		{"number", 1.5, KindScalar},
		{"map", map[string]any{"a": 1}, KindRecord},
		{"list of maps", []any{map[string]any{"a": 1}}, KindList},
		{"list of scalars", []any{1, 2}, KindScalar},
		{"mixed list", []any{map[string]any{"a": 1}, 2}, KindScalar},
		{"empty list", []any{}, KindScalar},
		{"records", []*Record{Of("a", 1)}, KindList},
		{"record", Of("a", 1), KindRecord},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ValueOf(tc.input).Kind())
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := Of("host", Of("name", "a"), "users", []*Record{Of("hrn", "u1")})
	cp := r.Clone()

	host, _ := cp.Get("host")
	nested, _ := host.Record()
	nested.Set("name", "b")

	orig, _ := r.Get("host")
	origNested, _ := orig.Record()
	require.Equal(t, "a", origNested.StringField("name"))
	require.True(t, r.Equal(Of("host", Of("name", "a"), "users", []*Record{Of("hrn", "u1")})))
}

func TestUpdate(t *testing.T) {
	left := Of("ip", "1.1.1.1", "name", "n1")
	left.Update(Of("ip", "1.1.1.1", "city", "Paris"))
	require.Equal(t, []string{"ip", "name", "city"}, left.Keys())
	require.Equal(t, map[string]any{"ip": "1.1.1.1", "name": "n1", "city": "Paris"}, left.ToMap())
}

func TestJSONRoundTrip(t *testing.T) {
	r := Of("z", "last", "a", 1.0, "nested", Of("k", "v"), "list", []*Record{Of("x", true)}, "tags", []any{"a", "b"})

	encoded, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"z":"last","a":1,"nested":{"k":"v"},"list":[{"x":true}],"tags":["a","b"]}`, string(encoded))

	decoded := New()
	require.NoError(t, json.Unmarshal(encoded, decoded))
	require.Equal(t, []string{"z", "a", "nested", "list", "tags"}, decoded.Keys())
	require.True(t, r.Equal(decoded))

	list, _ := decoded.Get("list")
	require.Equal(t, KindList, list.Kind())
}

func TestErrorRecord(t *testing.T) {
	rec := NewError("inventory", "connection refused", true)
	require.True(t, IsError(rec))
	require.Equal(t, "inventory", rec.StringField(FieldOrigin))
	require.False(t, IsError(Of("kind", "host")))
	require.False(t, IsError(nil))
}

func TestNilRecord(t *testing.T) {
	var r *Record
	require.True(t, r.IsEmpty())
	require.Nil(t, r.Keys())
	require.False(t, r.Has("a"))
	require.Nil(t, r.Clone())
}

func TestZeroValueRecord(t *testing.T) {
	var r Record
	require.True(t, r.IsEmpty())

	r.Set("a", 1)
	r.Update(Of("b", "x"))
	require.Equal(t, []string{"a", "b"}, r.Keys())
	v, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v.Scalar())
}
