package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/chunk"
	"github.com/marmos91/chatvault/pkg/crypto"
	"github.com/marmos91/chatvault/pkg/remote/memory"
)

type testEnv struct {
	cat       *catalog.Store
	ckpt      *checkpoint.Store
	channel   *memory.Channel
	channelID int64
	engine    *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	ckpt, err := checkpoint.Open(filepath.Join(dir, "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ckpt.Close() })

	ch := memory.New()
	channelID, err := ch.EnsureChannel(context.Background(), "test-user")
	require.NoError(t, err)

	env := &testEnv{cat: cat, ckpt: ckpt, channel: ch, channelID: channelID}
	env.engine = env.newEngine(t)
	return env
}

// newEngine builds a fresh engine over the same stores, simulating a
// process restart when called again.
func (env *testEnv) newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Retry = fastPolicy()
	e := New(env.cat, env.ckpt, env.channel, env.channelID, cfg)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeRandomFile(t *testing.T, dir, name string, size int64) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func waitTaskGone(t *testing.T, ckpt *checkpoint.Store, taskID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, err := ckpt.LoadTask(context.Background(), taskID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s still present", taskID)
}

func TestUploadSingleFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, data := writeRandomFile(t, t.TempDir(), "a.bin", 100_000)
	taskID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)

	env.engine.Wait()
	waitTaskGone(t, env.ckpt, taskID)

	b, err := env.cat.FindBinding(ctx, env.cat.RootID(), "a.bin")
	require.NoError(t, err)
	fc, err := env.cat.GetContent(ctx, b.ContentID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), fc.Size)

	chunks, err := env.cat.ChunksForContent(ctx, b.ContentID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(1), env.channel.SendCount())
}

func TestUploadDedupSkipsTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dir := t.TempDir()
	src1, data := writeRandomFile(t, dir, "a.bin", 50_000)
	src2 := filepath.Join(dir, "copy.bin")
	require.NoError(t, os.WriteFile(src2, data, 0o644))

	id1, err := env.engine.UploadFile(ctx, src1, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, id1)
	sends := env.channel.SendCount()

	id2, err := env.engine.UploadFile(ctx, src2, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, id2)

	// Second upload moved no bytes.
	assert.Equal(t, sends, env.channel.SendCount())

	b1, err := env.cat.FindBinding(ctx, env.cat.RootID(), "a.bin")
	require.NoError(t, err)
	b2, err := env.cat.FindBinding(ctx, env.cat.RootID(), "copy.bin")
	require.NoError(t, err)
	assert.Equal(t, b1.ContentID, b2.ContentID)
}

func TestUploadFolderMirrorsTree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	root := t.TempDir()
	src := filepath.Join(root, "photos")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "2026"), 0o755))
	writeRandomFile(t, src, "cover.jpg", 1_000)
	writeRandomFile(t, filepath.Join(src, "2026"), "trip.jpg", 2_000)

	taskID, err := env.engine.UploadFolder(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, taskID)

	folderID, err := env.cat.ResolveFolder(ctx, "/photos/2026")
	require.NoError(t, err)
	_, err = env.cat.FindBinding(ctx, folderID, "trip.jpg")
	require.NoError(t, err)

	photosID, err := env.cat.ResolveFolder(ctx, "/photos")
	require.NoError(t, err)
	photos, err := env.cat.GetFolder(ctx, photosID)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), photos.TotalSize)
}

func TestUploadResumesAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two parts: one full chunk plus a tail.
	src, data := writeRandomFile(t, t.TempDir(), "big.bin", chunk.Size+100)

	// Fail every send after the first, until the hook is disarmed.
	sends := 0
	env.channel.SendHook = func(_ int64, _ []byte) error {
		sends++
		if sends > 1 {
			return errors.New("backend down")
		}
		return nil
	}

	taskID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()

	view, err := env.ckpt.LoadTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, view.Task.Status)

	// Exactly one part was confirmed before the failure.
	done, err := env.ckpt.DonePartNums(ctx, view.Subs[0].ID)
	require.NoError(t, err)
	assert.Len(t, done, 1)

	// Restart: a new engine over the same stores resumes from part 2.
	env.channel.SendHook = nil
	restarted := env.newEngine(t)
	require.NoError(t, restarted.Recover(ctx))
	require.NoError(t, restarted.Resume(ctx, taskID))
	restarted.Wait()
	waitTaskGone(t, env.ckpt, taskID)

	// One confirmed send before the crash, one after.
	assert.Equal(t, int64(2), env.channel.SendCount())

	b, err := env.cat.FindBinding(ctx, env.cat.RootID(), "big.bin")
	require.NoError(t, err)
	chunks, err := env.cat.ChunksForContent(ctx, b.ContentID)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	_ = data
}

func TestDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, data := writeRandomFile(t, t.TempDir(), "doc.pdf", 123_456)
	upID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, upID)

	dest := t.TempDir()
	downID, err := env.engine.DownloadFile(ctx, "/doc.pdf", dest)
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, downID)

	got, err := os.ReadFile(filepath.Join(dest, "doc.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestDownloadRetriesCorruptedBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, data := writeRandomFile(t, t.TempDir(), "a.bin", 10_000)
	upID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, upID)

	// First fetch returns corrupted bytes; the integrity check must catch
	// it and the retry must succeed.
	corrupted := false
	env.channel.FetchHook = func(_ int64, _ int64) ([]byte, error) {
		if !corrupted {
			corrupted = true
			return []byte("garbage"), nil
		}
		return nil, nil
	}

	dest := t.TempDir()
	downID, err := env.engine.DownloadFile(ctx, "/a.bin", dest)
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, downID)

	got, err := os.ReadFile(filepath.Join(dest, "a.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestDownloadFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	root := t.TempDir()
	src := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	_, data1 := writeRandomFile(t, src, "a.bin", 1_000)
	_, data2 := writeRandomFile(t, filepath.Join(src, "sub"), "b.bin", 2_000)

	upID, err := env.engine.UploadFolder(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, upID)

	dest := t.TempDir()
	downID, err := env.engine.DownloadFolder(ctx, "/docs", dest)
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, downID)

	got1, err := os.ReadFile(filepath.Join(dest, "docs", "a.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data1, got1))
	got2, err := os.ReadFile(filepath.Join(dest, "docs", "sub", "b.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data2, got2))
}

func TestDownloadFailsOnOutputHashMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A catalogue entry whose chunk decrypts cleanly but whose plaintext
	// is not the content the entry records.
	expected := bytes.Repeat([]byte{0xAA}, 4_096)
	wrong := bytes.Repeat([]byte{0xBB}, 4_096)
	hash := crypto.HashBytes(expected)

	blob, err := crypto.Encrypt(wrong, crypto.DeriveFileKey(hash))
	require.NoError(t, err)
	msgID, err := env.channel.SendBlob(ctx, env.channelID, blob, "")
	require.NoError(t, err)
	_, _, err = env.cat.AddFile(ctx, env.cat.RootID(), "bad.bin", hash,
		int64(len(expected)), []catalog.ChunkRef{
			{PartNum: 1, MessageID: msgID, BlobHash: crypto.HashBytes(blob)},
		})
	require.NoError(t, err)

	dest := t.TempDir()
	taskID, err := env.engine.DownloadFile(ctx, "/bad.bin", dest)
	require.NoError(t, err)
	env.engine.Wait()

	view, err := env.ckpt.LoadTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, view.Task.Status)
	assert.Contains(t, view.Task.Error, "hash mismatch")

	// The mismatched output stays on disk for inspection.
	_, err = os.Stat(filepath.Join(dest, "bad.bin"))
	require.NoError(t, err)
}

func TestUploadRejectsNameCollision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, _ := writeRandomFile(t, t.TempDir(), "a.txt", 1_000)
	taskID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, taskID)

	// Same name, different content, from another directory.
	other, _ := writeRandomFile(t, t.TempDir(), "a.txt", 2_000)
	_, err = env.engine.UploadFile(ctx, other, "/")
	require.ErrorIs(t, err, catalog.ErrAlreadyExists)

	// No renamed variant sneaked in.
	_, err = env.cat.FindBinding(ctx, env.cat.RootID(), "a (1).txt")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// Folders occupy the same namespace.
	_, err = env.cat.CreateFolder(ctx, env.cat.RootID(), "docs")
	require.NoError(t, err)
	clash, _ := writeRandomFile(t, t.TempDir(), "docs", 100)
	_, err = env.engine.UploadFile(ctx, clash, "/")
	require.ErrorIs(t, err, catalog.ErrAlreadyExists)
}

func TestUploadFolderAnnouncesTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events := make(chan Progress, 64)
	cfg := DefaultConfig()
	cfg.Retry = fastPolicy()
	e := New(env.cat, env.ckpt, env.channel, env.channelID, cfg,
		WithProgress(func(p Progress) {
			select {
			case events <- p:
			default:
			}
		}))
	defer e.Close()

	root := t.TempDir()
	src := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(src, 0o755))
	writeRandomFile(t, src, "a.bin", 1_000)
	writeRandomFile(t, src, "b.bin", 2_000)

	taskID, err := e.UploadFolder(ctx, src, "/")
	require.NoError(t, err)

	// The first snapshot announces the folder totals and is delivered
	// before UploadFolder returns.
	select {
	case p := <-events:
		assert.Equal(t, checkpoint.StatusQueued, p.Status)
		assert.Equal(t, int64(3_000), p.TotalBytes)
		assert.Equal(t, 2, p.TotalFiles)
	default:
		t.Fatal("no progress snapshot delivered before transfer start")
	}

	e.Wait()
	waitTaskGone(t, env.ckpt, taskID)
}

func TestDownloadNeverOverwrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, data := writeRandomFile(t, t.TempDir(), "a.bin", 5_000)
	upID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, upID)

	dest := t.TempDir()
	existing := filepath.Join(dest, "a.bin")
	require.NoError(t, os.WriteFile(existing, []byte("precious"), 0o644))

	downID, err := env.engine.DownloadFile(ctx, "/a.bin", dest)
	require.NoError(t, err)
	env.engine.Wait()
	waitTaskGone(t, env.ckpt, downID)

	kept, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, []byte("precious"), kept)

	got, err := os.ReadFile(filepath.Join(dest, "a (1).bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCancelStoredUploadCleansRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, _ := writeRandomFile(t, t.TempDir(), "big.bin", chunk.Size+100)

	sends := 0
	env.channel.SendHook = func(_ int64, _ []byte) error {
		sends++
		if sends > 1 {
			return errors.New("backend down")
		}
		return nil
	}

	taskID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()

	view, err := env.ckpt.LoadTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StatusFailed, view.Task.Status)
	require.Equal(t, 1, env.channel.BlobCount(env.channelID))

	require.NoError(t, env.engine.CancelStored(ctx, taskID))

	// The orphaned chunk is gone from the backend and the checkpoints are
	// dropped.
	assert.Equal(t, 0, env.channel.BlobCount(env.channelID))
	_, err = env.ckpt.LoadTask(ctx, taskID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	// Nothing became visible in the catalogue.
	_, err = env.cat.FindBinding(ctx, env.cat.RootID(), "big.bin")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestUploadFailsWhenSourceVanishes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src, _ := writeRandomFile(t, t.TempDir(), "gone.bin", chunk.Size+100)

	// Delete the source during the first send and stall long enough for
	// the watcher to notice.
	env.channel.SendHook = func(_ int64, _ []byte) error {
		_ = os.Remove(src)
		time.Sleep(3 * watchInterval)
		return nil
	}

	taskID, err := env.engine.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	env.engine.Wait()

	view, err := env.ckpt.LoadTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, view.Task.Status)
	assert.Contains(t, view.Task.Error, "source file removed")
}

func TestProgressReportsCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var mu = make(chan Progress, 64)
	cfg := DefaultConfig()
	cfg.Retry = fastPolicy()
	e := New(env.cat, env.ckpt, env.channel, env.channelID, cfg,
		WithProgress(func(p Progress) {
			select {
			case mu <- p:
			default:
			}
		}))
	defer e.Close()

	src, _ := writeRandomFile(t, t.TempDir(), "a.bin", 10_000)
	taskID, err := e.UploadFile(ctx, src, "/")
	require.NoError(t, err)
	e.Wait()
	waitTaskGone(t, env.ckpt, taskID)

	var sawCompleted bool
	for {
		select {
		case p := <-mu:
			if p.Status == checkpoint.StatusCompleted {
				sawCompleted = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawCompleted, "no completed progress snapshot seen")
}

func TestRecoverAndResumeAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Simulate a crash: a task stuck in transferring with one confirmed
	// part.
	src, data := writeRandomFile(t, t.TempDir(), "crashed.bin", 3_000)
	task := &checkpoint.MainTask{
		Kind:       checkpoint.KindUpload,
		Status:     checkpoint.StatusTransferring,
		LocalPath:  src,
		RemotePath: "/",
		FolderID:   env.cat.RootID(),
		TotalBytes: int64(len(data)),
	}
	require.NoError(t, env.ckpt.CreateTask(ctx, task))
	require.NoError(t, env.ckpt.SetTaskStatus(ctx, task.ID, checkpoint.StatusTransferring, ""))
	require.NoError(t, env.ckpt.CreateSubTasks(ctx, []checkpoint.SubTask{{
		ID:        checkpoint.SubTaskID(task.ID, "crashed.bin"),
		TaskID:    task.ID,
		RelPath:   "crashed.bin",
		LocalPath: src,
		Size:      int64(len(data)),
		FolderID:  env.cat.RootID(),
		Status:    checkpoint.StatusTransferring,
	}}))

	e := env.newEngine(t)
	require.NoError(t, e.Recover(ctx))

	view, err := env.ckpt.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, view.Task.Status)

	require.NoError(t, e.ResumeAll(ctx))
	e.Wait()
	waitTaskGone(t, env.ckpt, task.ID)

	_, err = env.cat.FindBinding(ctx, env.cat.RootID(), "crashed.bin")
	require.NoError(t, err)
}
