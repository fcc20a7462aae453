package blobcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/chatvault/pkg/remote"
	"github.com/marmos91/chatvault/pkg/remote/memory"
)

func newTestCache(t *testing.T) (*Cache, *memory.Channel, int64) {
	t.Helper()
	ctx := context.Background()
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	cache, err := Open(t.TempDir(), ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, ch, channelID
}

func TestFetchServedFromCacheAfterSend(t *testing.T) {
	ctx := context.Background()
	cache, ch, channelID := newTestCache(t)

	id, err := cache.SendBlob(ctx, channelID, []byte("payload"), "")
	require.NoError(t, err)

	data, err := cache.FetchBlob(ctx, channelID, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int64(0), ch.FetchCount(), "send must warm the cache")
}

func TestFetchFillsCacheOnMiss(t *testing.T) {
	ctx := context.Background()
	cache, ch, channelID := newTestCache(t)

	// Stored directly on the backend, bypassing the cache.
	id, err := ch.SendBlob(ctx, channelID, []byte("cold"), "")
	require.NoError(t, err)

	data, err := cache.FetchBlob(ctx, channelID, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("cold"), data)
	assert.Equal(t, int64(1), ch.FetchCount())

	_, err = cache.FetchBlob(ctx, channelID, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch.FetchCount(), "second fetch must hit the cache")
}

func TestDeleteEvictsCachedBlobs(t *testing.T) {
	ctx := context.Background()
	cache, ch, channelID := newTestCache(t)

	id, err := cache.SendBlob(ctx, channelID, []byte("gone"), "")
	require.NoError(t, err)

	require.NoError(t, cache.DeleteBlobs(ctx, channelID, []int64{id}))
	assert.Equal(t, 0, ch.BlobCount(channelID))

	_, err = cache.FetchBlob(ctx, channelID, id)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestExpiredEntryFallsBackToChannel(t *testing.T) {
	ctx := context.Background()
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	cache, err := Open(t.TempDir(), ch, WithTTL(50*time.Millisecond))
	require.NoError(t, err)
	defer cache.Close()

	id, err := cache.SendBlob(ctx, channelID, []byte("short-lived"), "")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	data, err := cache.FetchBlob(ctx, channelID, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("short-lived"), data)
	assert.Equal(t, int64(1), ch.FetchCount(), "expired entry must refetch")
}

func TestSearchAndEnsurePassThrough(t *testing.T) {
	ctx := context.Background()
	cache, _, channelID := newTestCache(t)

	_, err := cache.SendBlob(ctx, channelID, []byte("x"), "#tag v1")
	require.NoError(t, err)

	msgs, err := cache.SearchByCaption(ctx, channelID, "#tag", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "#tag v1", msgs[0].Caption)

	id, err := cache.EnsureChannel(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, channelID, id)
}
