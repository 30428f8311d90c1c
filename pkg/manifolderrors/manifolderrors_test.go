package manifolderrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustBug(t *testing.T) {
	require.True(t, IsInTests())
	assert.Panics(t, func() {
		err := MustBugf("some error")
		require.Error(t, err)
	}, "The code did not panic")
}

func TestDetailsOf(t *testing.T) {
	base := errors.New("connection refused")
	inner := NewWithAdditionalDetailsError(base).WithAdditionalDetails("platform", "inventory")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)
	outer := NewWithAdditionalDetailsError(wrapped).WithAdditionalDetails("platform", "router")

	require.ErrorIs(t, outer, base)
	require.Equal(t, map[string]string{"platform": "router"}, DetailsOf(outer))
	require.Equal(t, map[string]string{"platform": "inventory"}, DetailsOf(wrapped))
	require.Empty(t, DetailsOf(base))
}
