package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Load(ctx, "g")
	assert.ErrorIs(t, err, ErrNotFound)

	doc := NewDocument([]string{"A", "B"})
	require.NoError(t, s.CompareAndSwap(ctx, "g", doc))
	assert.Equal(t, uint64(1), doc.Version)

	stale := NewDocument([]string{"A", "B"})
	assert.ErrorIs(t, s.CompareAndSwap(ctx, "g", stale), ErrVersionConflict)

	doc.Enrollment["u1"] = "A"
	require.NoError(t, s.CompareAndSwap(ctx, "g", doc))

	loaded, err := s.Load(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Version)
	assert.Equal(t, "A", loaded.Enrollment["u1"])

	loaded.Enrollment["u2"] = "B"
	again, err := s.Load(ctx, "g")
	require.NoError(t, err)
	assert.NotContains(t, again.Enrollment, "u2")
}
