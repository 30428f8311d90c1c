package testutil

import (
	"testing"

	"github.com/onelab/manifold/pkg/record"
)

func TestRequireEqualEmptyNil(t *testing.T) {
	t.Parallel()
	RequireEqualEmptyNil(t, []int(nil), []int(nil))
	RequireEqualEmptyNil(t, []int(nil), []int{})
	RequireEqualEmptyNil(t, []int{}, []int(nil))
	RequireEqualEmptyNil(t, []int{}, []int{})
}

func TestRequireRecordsIgnoresOrder(t *testing.T) {
	t.Parallel()
	RequireRecords(t, []map[string]any{{"hrn": "x"}, {"hrn": "y"}}, []*record.Record{
		record.Of("hrn", "y"),
		record.Of("hrn", "x"),
	})
	RequireRecords(t, nil, nil)
}
