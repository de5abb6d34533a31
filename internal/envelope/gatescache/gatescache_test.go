package gatescache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemory()
	envelopeID := uuid.New()

	t.Run("miss before put", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, envelopeID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, envelopeID, map[string]bool{"settleable": true}))
		gates, ok, err := cache.Get(ctx, envelopeID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, gates["settleable"])
	})

	t.Run("entries are isolated copies", func(t *testing.T) {
		gates, _, err := cache.Get(ctx, envelopeID)
		require.NoError(t, err)
		gates["settleable"] = false

		again, _, err := cache.Get(ctx, envelopeID)
		require.NoError(t, err)
		assert.True(t, again["settleable"])
	})

	t.Run("put replaces the snapshot", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, envelopeID, map[string]bool{"settleable": false}))
		gates, ok, err := cache.Get(ctx, envelopeID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, gates["settleable"])
	})
}
