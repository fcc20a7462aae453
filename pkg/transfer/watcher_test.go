package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchFileFiresOnRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	fired := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchFile(ctx, path, func() { close(fired) })

	require.NoError(t, os.Remove(path))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not notice file removal")
	}
}

func TestWatchFileStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	fired := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go watchFile(ctx, path, func() { fired <- struct{}{} })
	cancel()

	time.Sleep(2 * watchInterval)
	select {
	case <-fired:
		t.Fatal("watcher fired after cancel for an existing file")
	default:
	}
}
