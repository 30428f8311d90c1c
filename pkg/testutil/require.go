// Package testutil implements various utilities to reduce boilerplate in unit
// tests a la testify.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/onelab/manifold/pkg/record"
)

// RequireEqualEmptyNil is a version of require.Equal, but considers nil
// slices/maps to be equal to empty slices/maps.
func RequireEqualEmptyNil(t *testing.T, expected, actual any, msgAndArgs ...any) {
	t.Helper()
	opts := []cmp.Option{cmpopts.EquateEmpty()}
	msgAndArgs = append(msgAndArgs, cmp.Diff(expected, actual, opts...))
	require.Truef(t, cmp.Equal(expected, actual, opts...), "Should be equal", msgAndArgs...)
}

// RecordMaps converts records into plain maps for comparisons.
func RecordMaps(recs []*record.Record) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ToMap())
	}
	return out
}

// RequireRecords checks the records hold the expected fields, in any
// order. Records of different platforms interleave arbitrarily.
func RequireRecords(t *testing.T, expected []map[string]any, recs []*record.Record) {
	t.Helper()
	actual := RecordMaps(recs)
	less := func(a, b map[string]any) bool { return fmt.Sprint(a) < fmt.Sprint(b) }
	opts := []cmp.Option{cmpopts.EquateEmpty(), cmpopts.SortSlices(less)}
	require.Truef(t, cmp.Equal(expected, actual, opts...), "Records differ: %s", cmp.Diff(expected, actual, opts...))
}
