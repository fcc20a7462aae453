package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
)

func newPresenceFixture(t *testing.T) (*catalog.Store, *PresenceWatcher, *[]PresenceEvent) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	var events []PresenceEvent
	w := NewPresenceWatcher(cat, func(ev PresenceEvent) {
		events = append(events, ev)
	})
	return cat, w, &events
}

func TestPresenceWatcherDownloadFileVanishes(t *testing.T) {
	_, w, events := newPresenceFixture(t)

	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	w.Watch(WatchTarget{Kind: checkpoint.KindDownload, LocalPath: path})

	// First sweep seeds the cache without emitting.
	w.sweep()
	require.Empty(t, *events)

	require.NoError(t, os.Remove(path))
	w.sweep()
	require.Len(t, *events, 1)
	require.False(t, (*events)[0].Present)
	require.Equal(t, path, (*events)[0].Target.LocalPath)

	// Steady state emits nothing further.
	w.sweep()
	require.Len(t, *events, 1)
}

func TestPresenceWatcherDownloadFileReappears(t *testing.T) {
	_, w, events := newPresenceFixture(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	w.Watch(WatchTarget{Kind: checkpoint.KindDownload, LocalPath: path})

	w.sweep()
	require.Empty(t, *events)

	require.NoError(t, os.WriteFile(path, []byte("back"), 0o644))
	w.sweep()
	require.Len(t, *events, 1)
	require.True(t, (*events)[0].Present)
}

func TestPresenceWatcherUploadFolderRemoved(t *testing.T) {
	cat, w, events := newPresenceFixture(t)
	ctx := context.Background()

	folder, err := cat.CreateFolder(ctx, cat.RootID(), "photos")
	require.NoError(t, err)

	w.Watch(WatchTarget{Kind: checkpoint.KindUpload, FolderID: folder.ID})
	w.sweep()
	require.Empty(t, *events)

	_, err = cat.RemoveFolder(ctx, folder.ID)
	require.NoError(t, err)

	w.sweep()
	require.Len(t, *events, 1)
	require.False(t, (*events)[0].Present)
	require.Equal(t, folder.ID, (*events)[0].Target.FolderID)
}

func TestPresenceWatcherUnwatchStopsEvents(t *testing.T) {
	_, w, events := newPresenceFixture(t)

	path := filepath.Join(t.TempDir(), "gone.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	target := WatchTarget{Kind: checkpoint.KindDownload, LocalPath: path}
	w.Watch(target)
	w.sweep()

	w.Unwatch(target)
	require.NoError(t, os.Remove(path))
	w.sweep()
	require.Empty(t, *events)
}

func TestPresenceWatcherStartClose(t *testing.T) {
	_, w, _ := newPresenceFixture(t)
	w.Start()
	w.Close()
}

func TestPresenceWatcherCloseWithoutStart(t *testing.T) {
	_, w, _ := newPresenceFixture(t)
	w.Close()
}
