package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/remote/memory"
)

var testKey = make([]byte, 32)

func init() {
	for i := range testKey {
		testKey[i] = byte(i + 1)
	}
}

func TestCaptionRoundTrip(t *testing.T) {
	c := Caption(42)
	assert.Equal(t, "#catalogue_backup db_version:42", c)

	v, ok := ParseCaption(c)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	for _, bad := range []string{"", "hello", "#catalogue_backup", "#catalogue_backup db_version:x"} {
		_, ok := ParseCaption(bad)
		assert.False(t, ok, "caption %q", bad)
	}
}

func newTestCatalog(t *testing.T) (*catalog.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	cat, err := catalog.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat, path
}

func TestSyncNowUploadsAndSupersedes(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)

	_, err = cat.CreateFolder(ctx, cat.RootID(), "docs")
	require.NoError(t, err)
	require.NoError(t, s.SyncNow(ctx))

	ver, _, err := LatestSnapshot(ctx, ch, channelID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
	assert.Equal(t, 1, ch.BlobCount(channelID))

	// Unchanged version: no new upload.
	require.NoError(t, s.SyncNow(ctx))
	assert.Equal(t, int64(1), ch.SendCount())

	// New version supersedes the old snapshot.
	_, err = cat.CreateFolder(ctx, cat.RootID(), "more")
	require.NoError(t, err)
	require.NoError(t, s.SyncNow(ctx))

	ver, _, err = LatestSnapshot(ctx, ch, channelID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
	assert.Equal(t, 1, ch.BlobCount(channelID), "old snapshot must be deleted")
}

func TestDebounceCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)

	for i := 0; i < 5; i++ {
		_, err := cat.CreateFolder(ctx, cat.RootID(), string(rune('a'+i)))
		require.NoError(t, err)
		s.NotifyChange()
	}

	// Nothing fires before the debounce window elapses.
	time.Sleep(DebounceDelay / 2)
	assert.Equal(t, int64(0), ch.SendCount())

	deadline := time.Now().Add(DebounceDelay + 3*time.Second)
	for time.Now().Before(deadline) && ch.SendCount() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	// One upload for the whole burst.
	assert.Equal(t, int64(1), ch.SendCount())

	ver, _, err := LatestSnapshot(ctx, ch, channelID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ver)
}

func TestCloseFlushesPendingUpload(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)
	_, err = cat.CreateFolder(ctx, cat.RootID(), "docs")
	require.NoError(t, err)
	s.NotifyChange()

	require.NoError(t, s.Close())
	assert.Equal(t, int64(1), ch.SendCount())
}

func TestRestoreIfMissing(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	docs, err := cat.CreateFolder(ctx, cat.RootID(), "docs")
	require.NoError(t, err)
	_, _, err = cat.AddFile(ctx, docs.ID, "a.bin", "h-a", 100, []catalog.ChunkRef{
		{PartNum: 1, MessageID: 9, BlobHash: "bh"},
	})
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)
	require.NoError(t, s.SyncNow(ctx))
	require.NoError(t, cat.Close())

	// Fresh device: no local database.
	newPath := filepath.Join(t.TempDir(), "catalog.db")
	restored, err := RestoreIfMissing(ctx, ch, channelID, testKey, newPath)
	require.NoError(t, err)
	assert.True(t, restored)

	recovered, err := catalog.Open(newPath)
	require.NoError(t, err)
	defer recovered.Close()

	ver, err := recovered.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)

	folderID, err := recovered.ResolveFolder(ctx, "/docs")
	require.NoError(t, err)
	b, err := recovered.FindBinding(ctx, folderID, "a.bin")
	require.NoError(t, err)
	chunks, err := recovered.ChunksForContent(ctx, b.ContentID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(9), chunks[0].MessageID)

	// Existing database is never touched.
	restored, err = RestoreIfMissing(ctx, ch, channelID, testKey, newPath)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestRestoreIfMissingNoSnapshot(t *testing.T) {
	ctx := context.Background()
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	restored, err := RestoreIfMissing(ctx, ch, channelID, testKey,
		filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestReconcileRemoteNewerReplacesLocal(t *testing.T) {
	ctx := context.Background()
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	// Another device pushes a snapshot three versions ahead.
	other, _ := newTestCatalog(t)
	for _, name := range []string{"docs", "music", "video"} {
		_, err := other.CreateFolder(ctx, other.RootID(), name)
		require.NoError(t, err)
	}
	require.NoError(t, NewSyncer(other, ch, channelID, testKey).SyncNow(ctx))

	cat, _ := newTestCatalog(t)
	_, err = cat.CreateFolder(ctx, cat.RootID(), "local-only")
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)
	require.NoError(t, s.Reconcile(ctx))

	ver, err := cat.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ver)

	// The namespace now mirrors the remote side.
	_, err = cat.ResolveFolder(ctx, "/music")
	require.NoError(t, err)
	_, err = cat.ResolveFolder(ctx, "/local-only")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// The replaced catalogue counts as synced, so no re-upload follows.
	require.NoError(t, s.SyncNow(ctx))
	assert.Equal(t, int64(1), ch.SendCount())
}

func TestReconcileKeepsLocalOnCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	_, err = cat.CreateFolder(ctx, cat.RootID(), "docs")
	require.NoError(t, err)

	// A snapshot message whose payload is not a valid encrypted archive.
	_, err = ch.SendBlob(ctx, channelID, []byte("not a snapshot"), Caption(99))
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)
	require.NoError(t, s.Reconcile(ctx))

	ver, err := cat.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
	_, err = cat.ResolveFolder(ctx, "/docs")
	require.NoError(t, err)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	ch := memory.New()
	channelID, err := ch.EnsureChannel(ctx, "user")
	require.NoError(t, err)

	s := NewSyncer(cat, ch, channelID, testKey)

	// No remote snapshot: reconcile uploads one.
	_, err = cat.CreateFolder(ctx, cat.RootID(), "docs")
	require.NoError(t, err)
	require.NoError(t, s.Reconcile(ctx))
	ver, _, err := LatestSnapshot(ctx, ch, channelID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)

	// Local moved ahead: reconcile re-uploads.
	_, err = cat.CreateFolder(ctx, cat.RootID(), "more")
	require.NoError(t, err)
	require.NoError(t, s.Reconcile(ctx))
	ver, _, err = LatestSnapshot(ctx, ch, channelID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}
