package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustVersion(t *testing.T, s *Store) int64 {
	t.Helper()
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	return v
}

func TestBootstrap(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")

	s, err := Open(dbPath)
	require.NoError(t, err)

	root, err := s.GetFolder(context.Background(), s.RootID())
	require.NoError(t, err)
	assert.Equal(t, RootFolderName, root.Name)
	assert.Nil(t, root.ParentID)

	trash, err := s.GetFolder(context.Background(), s.TrashID())
	require.NoError(t, err)
	assert.Equal(t, TrashFolderName, trash.Name)

	assert.Equal(t, int64(0), mustVersion(t, s))
	require.NoError(t, s.Close())

	// Reopen must not create duplicates or bump the version.
	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, s.RootID(), s2.RootID())
	assert.Equal(t, s.TrashID(), s2.TrashID())
	assert.Equal(t, int64(0), mustVersion(t, s2))
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a:b", "a*b", "a?b", `a"b`, "a<b", "a|b"} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, "name %q", name)
	}
	for _, name := range []string{"report.pdf", "My Folder", "...", "a.b.c", "naïve"} {
		assert.NoError(t, ValidateName(name), "name %q", name)
	}
}

func TestCreateFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", f.Name)
	assert.Equal(t, int64(1), mustVersion(t, s))

	_, err = s.CreateFolder(ctx, s.RootID(), "docs")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.CreateFolder(ctx, s.TrashID(), "inside-trash")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// Failed mutations must not advance the version.
	assert.Equal(t, int64(1), mustVersion(t, s))
}

func addFile(t *testing.T, s *Store, folderID int64, name, hash string, size int64) *Binding {
	t.Helper()
	b, _, err := s.AddFile(context.Background(), folderID, name, hash, size, []ChunkRef{
		{PartNum: 1, MessageID: 100, BlobHash: "bh-" + hash},
	})
	require.NoError(t, err)
	return b
}

func TestAddFileDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b1, deduped, err := s.AddFile(ctx, s.RootID(), "a.bin", "hash-1", 1000, []ChunkRef{
		{PartNum: 1, MessageID: 11, BlobHash: "bh1"},
		{PartNum: 2, MessageID: 12, BlobHash: "bh2"},
	})
	require.NoError(t, err)
	assert.False(t, deduped)

	// Same hash again: content reused, chunk args ignored.
	b2, deduped, err := s.AddFile(ctx, s.RootID(), "copy.bin", "hash-1", 1000, nil)
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, b1.ContentID, b2.ContentID)

	chunks, err := s.ChunksForContent(ctx, b1.ContentID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].PartNum)
	assert.Equal(t, int64(11), chunks[0].MessageID)

	fc, err := s.FindContentByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fc.Size)

	_, err = s.FindContentByHash(ctx, "no-such-hash")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSizeAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	sub, err := s.CreateFolder(ctx, docs.ID, "sub")
	require.NoError(t, err)

	addFile(t, s, sub.ID, "a.bin", "h-a", 300)
	addFile(t, s, docs.ID, "b.bin", "h-b", 200)

	for _, tc := range []struct {
		id   int64
		want int64
	}{
		{sub.ID, 300},
		{docs.ID, 500},
		{s.RootID(), 500},
	} {
		f, err := s.GetFolder(ctx, tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, f.TotalSize)
	}
}

func TestRemoveBindingOrphansContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b1 := addFile(t, s, s.RootID(), "a.bin", "h-shared", 100)
	b2, _, err := s.AddFile(ctx, s.RootID(), "b.bin", "h-shared", 100, nil)
	require.NoError(t, err)

	// First removal: content still referenced, nothing orphaned.
	orphans, err := s.RemoveBinding(ctx, b1.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Second removal frees the chunks.
	orphans, err = s.RemoveBinding(ctx, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, orphans)

	_, err = s.FindContentByHash(ctx, "h-shared")
	assert.ErrorIs(t, err, ErrNotFound)

	root, err := s.GetFolder(ctx, s.RootID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), root.TotalSize)
}

func TestRemoveFolderSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	sub, err := s.CreateFolder(ctx, docs.ID, "sub")
	require.NoError(t, err)

	b, _, err := s.AddFile(ctx, sub.ID, "deep.bin", "h-deep", 400, []ChunkRef{
		{PartNum: 1, MessageID: 41, BlobHash: "x"},
		{PartNum: 2, MessageID: 42, BlobHash: "y"},
	})
	require.NoError(t, err)
	_ = b
	addFile(t, s, docs.ID, "kept-elsewhere.bin", "h-kept", 50)
	_, _, err = s.AddFile(ctx, s.RootID(), "outside.bin", "h-kept", 50, nil)
	require.NoError(t, err)

	orphans, err := s.RemoveFolder(ctx, docs.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{41, 42}, orphans)

	_, err = s.GetFolder(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// h-kept survives through the binding outside the removed subtree.
	_, err = s.FindContentByHash(ctx, "h-kept")
	assert.NoError(t, err)

	root, err := s.GetFolder(ctx, s.RootID())
	require.NoError(t, err)
	assert.Equal(t, int64(50), root.TotalSize)
}

func TestMoveFolderCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateFolder(ctx, s.RootID(), "a")
	require.NoError(t, err)
	b, err := s.CreateFolder(ctx, a.ID, "b")
	require.NoError(t, err)

	assert.ErrorIs(t, s.MoveFolder(ctx, a.ID, b.ID), ErrCycle)
	assert.ErrorIs(t, s.MoveFolder(ctx, a.ID, a.ID), ErrCycle)
	assert.ErrorIs(t, s.MoveFolder(ctx, a.ID, s.TrashID()), ErrInvalidOperation)
}

func TestMoveBindingAdjustsSizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src, err := s.CreateFolder(ctx, s.RootID(), "src")
	require.NoError(t, err)
	dst, err := s.CreateFolder(ctx, s.RootID(), "dst")
	require.NoError(t, err)

	b := addFile(t, s, src.ID, "a.bin", "h-move", 700)
	require.NoError(t, s.MoveBinding(ctx, b.ID, dst.ID))

	srcF, err := s.GetFolder(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), srcF.TotalSize)

	dstF, err := s.GetFolder(ctx, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), dstF.TotalSize)

	root, err := s.GetFolder(ctx, s.RootID())
	require.NoError(t, err)
	assert.Equal(t, int64(700), root.TotalSize)
}

func TestSoftDeleteAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	b := addFile(t, s, docs.ID, "a.bin", "h-a", 100)

	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b.ID))

	// Gone from the folder, present under trash, root size drops.
	_, err = s.FindBinding(ctx, docs.ID, "a.bin")
	assert.ErrorIs(t, err, ErrNotFound)
	trash, err := s.GetFolder(ctx, s.TrashID())
	require.NoError(t, err)
	assert.Equal(t, int64(100), trash.TotalSize)

	items, err := s.ListTrash(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a.bin", items[0].OrigName)

	require.NoError(t, s.Restore(ctx, ItemBinding, b.ID))
	got, err := s.FindBinding(ctx, docs.ID, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	items, err = s.ListTrash(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRestoreToRootWhenParentGone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	b := addFile(t, s, docs.ID, "a.bin", "h-a", 100)

	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b.ID))
	_, err = s.RemoveFolder(ctx, docs.ID)
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, ItemBinding, b.ID))
	got, err := s.FindBinding(ctx, s.RootID(), "a.bin")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestRestoreNameCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := addFile(t, s, s.RootID(), "a.txt", "h-1", 10)
	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b.ID))

	// Another file takes the original name while the first sits in trash.
	addFile(t, s, s.RootID(), "a.txt", "h-2", 20)

	require.NoError(t, s.Restore(ctx, ItemBinding, b.ID))
	got, err := s.FindBinding(ctx, s.RootID(), "a (1).txt")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestSoftDeleteNameCollisionInTrash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b1 := addFile(t, s, s.RootID(), "a.txt", "h-1", 10)
	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b1.ID))

	b2 := addFile(t, s, s.RootID(), "a.txt", "h-2", 20)
	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b2.ID))

	items, err := s.ListTrash(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	// Both record the same original name; stored names differ.
	assert.Equal(t, "a.txt", items[0].OrigName)
	assert.Equal(t, "a.txt", items[1].OrigName)
	assert.NotEqual(t, items[0].Name, items[1].Name)
}

func TestExpiredTrash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := addFile(t, s, s.RootID(), "old.bin", "h-old", 10)
	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b.ID))

	now := time.Now()
	items, err := s.ExpiredTrash(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = s.ExpiredTrash(ctx, now.Add(TrashRetention+time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ItemID)
}

func TestEmptyTrashSingleVersionBump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b1 := addFile(t, s, s.RootID(), "a.bin", "h-1", 10)
	b2 := addFile(t, s, s.RootID(), "b.bin", "h-2", 20)
	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b1.ID))
	require.NoError(t, s.SoftDelete(ctx, ItemBinding, b2.ID))

	before := mustVersion(t, s)
	orphans, err := s.EmptyTrash(ctx)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
	assert.Equal(t, before+1, mustVersion(t, s))

	items, err := s.ListTrash(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestVersionBumpPerMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := mustVersion(t, s)

	f, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	assert.Equal(t, v+1, mustVersion(t, s))

	require.NoError(t, s.RenameFolder(ctx, f.ID, "papers"))
	assert.Equal(t, v+2, mustVersion(t, s))

	b := addFile(t, s, f.ID, "a.bin", "h", 1)
	assert.Equal(t, v+3, mustVersion(t, s))

	_, err = s.RemoveBinding(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, v+4, mustVersion(t, s))

	// Reads never bump.
	_, err = s.ListFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, v+4, mustVersion(t, s))
}

func TestListFolderAndRecursive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	sub, err := s.CreateFolder(ctx, docs.ID, "sub")
	require.NoError(t, err)
	addFile(t, s, docs.ID, "b.bin", "h-b", 2)
	addFile(t, s, sub.ID, "c.bin", "h-c", 3)

	entries, err := s.ListFolder(ctx, docs.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryFolder, entries[0].Kind)
	assert.Equal(t, "sub", entries[0].Name)
	assert.Equal(t, EntryFile, entries[1].Kind)
	assert.Equal(t, "b.bin", entries[1].Name)

	rec, err := s.ListRecursive(ctx, docs.ID)
	require.NoError(t, err)
	paths := make([]string, 0, len(rec))
	for _, e := range rec {
		paths = append(paths, e.RelPath)
	}
	assert.ElementsMatch(t, []string{"sub", "sub/c.bin", "b.bin"}, paths)
}

func TestListRecursiveDeepTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := s.RootID()
	for i := 0; i < 200; i++ {
		f, err := s.CreateFolder(ctx, parent, "d")
		require.NoError(t, err)
		parent = f.ID
	}
	addFile(t, s, parent, "leaf.bin", "h-leaf", 1)

	rec, err := s.ListRecursive(ctx, s.RootID())
	require.NoError(t, err)
	require.Len(t, rec, 201)

	// A folder row always precedes everything beneath it.
	seen := map[string]bool{"": true}
	for _, e := range rec {
		dir := ""
		if i := strings.LastIndex(e.RelPath, "/"); i >= 0 {
			dir = e.RelPath[:i]
		}
		require.True(t, seen[dir], "entry %s listed before its parent", e.RelPath)
		if e.Kind == EntryFolder {
			seen[e.RelPath] = true
		}
	}
	assert.Equal(t, "d"+strings.Repeat("/d", 199)+"/leaf.bin", rec[len(rec)-1].RelPath)
}

func TestResolvePaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.CreateFolder(ctx, s.RootID(), "docs")
	require.NoError(t, err)
	sub, err := s.CreateFolder(ctx, docs.ID, "sub")
	require.NoError(t, err)
	b := addFile(t, s, sub.ID, "a.bin", "h", 1)

	id, err := s.ResolveFolder(ctx, "/docs/sub")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, id)

	id, err = s.ResolveFolder(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, s.RootID(), id)

	got, err := s.ResolveBinding(ctx, "docs/sub/a.bin")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = s.ResolveFolder(ctx, "/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
