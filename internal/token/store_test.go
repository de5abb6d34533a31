package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envelope-engine/pkg/sentinel"
)

func TestInMemoryStoreMarkUsed(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tok := &ContributionToken{
		ID:             uuid.New(),
		EnvelopeID:     uuid.New(),
		Secret:         uuid.NewString(),
		RecipientEmail: "supplier@example.com",
		MaxUses:        20,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Save(ctx, tok))

	t.Run("concurrent bumps never lose a tick", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.MarkUsed(ctx, tok.ID, time.Now()))
			}()
		}
		wg.Wait()

		stored, err := store.FindByID(ctx, tok.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, stored.UseCount)
		assert.True(t, stored.Exhausted())
		require.NotNil(t, stored.LastUsedAt)
	})

	t.Run("unknown token", func(t *testing.T) {
		err := store.MarkUsed(ctx, uuid.New(), time.Now())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
