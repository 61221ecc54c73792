package metadata_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// runStoreSuite exercises the behaviour every metadata.Store backend must share.
// keyPrefix isolates runs against shared backends.
func runStoreSuite(t *testing.T, store metadata.Store, keyPrefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	eventTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("put is idempotent", func(t *testing.T) {
		key := keyPrefix + "beach holiday.jpeg"
		rec := metadata.Record{PayloadType: "jpeg", Bucket: "images", Size: 2048, UpdatedAt: eventTime}

		require.NoError(t, store.Put(ctx, key, rec))
		first, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, key, rec))
		second, err := store.Get(ctx, key)
		require.NoError(t, err)

		assert.Equal(t, key, first.ObjectKey)
		assert.Equal(t, "jpeg", first.PayloadType)
		assert.Equal(t, int64(2048), first.Size)
		assert.True(t, first.UpdatedAt.Equal(eventTime))
		assert.Equal(t, first.ObjectKey, second.ObjectKey)
		assert.Equal(t, first.PayloadType, second.PayloadType)
		assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	})

	t.Run("put replaces previous record", func(t *testing.T) {
		key := keyPrefix + "replace.png"
		require.NoError(t, store.Put(ctx, key, metadata.Record{PayloadType: "png", Description: "old", UpdatedAt: eventTime}))
		require.NoError(t, store.Put(ctx, key, metadata.Record{PayloadType: "png", UpdatedAt: eventTime}))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, got.Description)
	})

	t.Run("delete twice succeeds", func(t *testing.T) {
		key := keyPrefix + "gone.png"
		require.NoError(t, store.Put(ctx, key, metadata.Record{PayloadType: "png"}))

		require.NoError(t, store.Delete(ctx, key))
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Get(ctx, key)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("update applies description", func(t *testing.T) {
		key := keyPrefix + "cat.png"
		require.NoError(t, store.Put(ctx, key, metadata.Record{PayloadType: "png", Bucket: "images", UpdatedAt: eventTime}))

		require.NoError(t, store.Update(ctx, key, metadata.Fields{Description: strPtr("on the porch")}))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, got.ObjectKey)
		assert.Equal(t, "on the porch", got.Description)
		assert.Equal(t, "png", got.PayloadType)
		assert.Equal(t, "images", got.Bucket)
	})

	t.Run("update of missing key fails and creates nothing", func(t *testing.T) {
		key := keyPrefix + "never-ingested.png"

		err := store.Update(ctx, key, metadata.Fields{Description: strPtr("orphan")})

		assert.ErrorIs(t, err, metadata.ErrNotFound)
		_, err = store.Get(ctx, key)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})

	t.Run("keys with slashes and spaces", func(t *testing.T) {
		key := keyPrefix + "holidays/2024/café photo.png"
		require.NoError(t, store.Put(ctx, key, metadata.Record{PayloadType: "png"}))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, got.ObjectKey)
		require.NoError(t, store.Delete(ctx, key))
	})

	t.Run("concurrent writes on independent keys", func(t *testing.T) {
		var wg sync.WaitGroup
		keys := []string{"a.png", "b.png", "c.png", "d.png", "e.png"}
		for _, k := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				assert.NoError(t, store.Put(ctx, key, metadata.Record{PayloadType: "png"}))
				assert.NoError(t, store.Update(ctx, key, metadata.Fields{Description: strPtr(key)}))
			}(keyPrefix + k)
		}
		wg.Wait()

		for _, k := range keys {
			got, err := store.Get(ctx, keyPrefix+k)
			require.NoError(t, err)
			assert.Equal(t, keyPrefix+k, got.Description)
		}
	})
}
