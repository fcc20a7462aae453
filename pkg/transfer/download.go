package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/chunk"
	"github.com/marmos91/chatvault/pkg/crypto"
)

// DownloadFile queues a download of one catalogue file into destDir and
// starts it. An existing file with the same name is never overwritten;
// the download picks the next free "name (N)" variant.
func (e *Engine) DownloadFile(ctx context.Context, remotePath, destDir string) (string, error) {
	b, err := e.cat.ResolveBinding(ctx, remotePath)
	if err != nil {
		return "", err
	}
	fc, err := e.cat.GetContent(ctx, b.ContentID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}
	destPath := chunk.UniquePath(destDir, b.Name)

	task := &checkpoint.MainTask{
		Kind:       checkpoint.KindDownload,
		LocalPath:  destPath,
		RemotePath: remotePath,
		FolderID:   b.FolderID,
		TotalBytes: fc.Size,
	}
	if err := e.ckpt.CreateTask(ctx, task); err != nil {
		return "", err
	}

	err = e.ckpt.CreateSubTasks(ctx, []checkpoint.SubTask{{
		ID:         checkpoint.SubTaskID(task.ID, b.Name),
		TaskID:     task.ID,
		RelPath:    b.Name,
		LocalPath:  destPath,
		Hash:       fc.Hash,
		Size:       fc.Size,
		TotalParts: chunk.Count(fc.Size),
		FolderID:   b.FolderID,
		ContentID:  fc.ID,
	}})
	if err != nil {
		return "", err
	}

	e.launch(task.ID, e.sem)
	return task.ID, nil
}

// DownloadFolder queues a download of a whole catalogue folder into
// destDir, mirroring its tree on the local filesystem.
func (e *Engine) DownloadFolder(ctx context.Context, remotePath, destDir string) (string, error) {
	folderID, err := e.cat.ResolveFolder(ctx, remotePath)
	if err != nil {
		return "", err
	}
	folder, err := e.cat.GetFolder(ctx, folderID)
	if err != nil {
		return "", err
	}
	entries, err := e.cat.ListRecursive(ctx, folderID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}
	rootDir := chunk.UniquePath(destDir, folder.Name)
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}

	task := &checkpoint.MainTask{
		Kind:       checkpoint.KindDownload,
		LocalPath:  rootDir,
		RemotePath: remotePath,
		FolderID:   folderID,
		TotalBytes: folder.TotalSize,
	}
	if err := e.ckpt.CreateTask(ctx, task); err != nil {
		return "", err
	}

	var subs []checkpoint.SubTask
	for _, entry := range entries {
		local := filepath.Join(rootDir, filepath.FromSlash(entry.RelPath))
		if entry.Kind == catalog.EntryFolder {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return "", fmt.Errorf("failed to create %s: %w", local, err)
			}
			continue
		}
		subs = append(subs, checkpoint.SubTask{
			ID:         checkpoint.SubTaskID(task.ID, entry.RelPath),
			TaskID:     task.ID,
			RelPath:    entry.RelPath,
			LocalPath:  local,
			Hash:       entry.Hash,
			Size:       entry.Size,
			TotalParts: chunk.Count(entry.Size),
			FolderID:   folderID,
			ContentID:  entry.ContentID,
		})
	}
	if err := e.ckpt.CreateSubTasks(ctx, subs); err != nil {
		return "", err
	}

	e.launch(task.ID, e.sem)
	return task.ID, nil
}

func (e *Engine) runDownload(ctx context.Context, view *checkpoint.TaskView) error {
	task := view.Task
	emitter := newProgressEmitter(e.progress)

	var doneBytes atomic.Int64
	doneBytes.Store(task.DoneBytes)

	return e.runSubTasks(ctx, view.Subs, func(ctx context.Context, sub checkpoint.SubTask) error {
		return e.downloadOne(ctx, task, sub, emitter, &doneBytes)
	})
}

func (e *Engine) downloadOne(ctx context.Context, task checkpoint.MainTask, sub checkpoint.SubTask, emitter *progressEmitter, doneBytes *atomic.Int64) error {
	lctx := logger.WithContext(ctx,
		logger.NewLogContext(task.ID, checkpoint.KindDownload).WithPath(sub.LocalPath))

	if err := e.ckpt.SetSubTaskStatus(ctx, sub.ID, checkpoint.StatusTransferring, ""); err != nil {
		return err
	}

	done, err := e.ckpt.DonePartNums(ctx, sub.ID)
	if err != nil {
		return err
	}

	_, statErr := os.Stat(sub.LocalPath)
	freshFile := os.IsNotExist(statErr)

	// Checkpoints describe bytes inside the output file. If the partial
	// file vanished the checkpoints are stale and the download restarts.
	if freshFile && len(done) > 0 {
		if err := e.ckpt.ClearParts(ctx, sub.ID); err != nil {
			return err
		}
		done = map[int]bool{}
	}

	if err := chunk.PrepareOutput(sub.LocalPath, sub.Size); err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	if freshFile {
		if err := e.ckpt.RecordArtifact(ctx, &checkpoint.CreatedArtifact{
			TaskID: task.ID,
			Kind:   checkpoint.ArtifactLocalFile,
			Path:   sub.LocalPath,
		}); err != nil {
			return err
		}
	}

	chunks, err := e.cat.ChunksForContent(ctx, sub.ContentID)
	if err != nil {
		return err
	}
	key := crypto.DeriveFileKey(sub.Hash)

	logger.DebugCtx(lctx, "downloading chunks",
		logger.KeyParts, len(chunks),
		"resumed_parts", len(done))

	for _, c := range chunks {
		if done[c.PartNum] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var blob []byte
		start := time.Now()
		fetchErr := e.cfg.Retry.Do(ctx, func() error {
			data, err := e.channel.FetchBlob(ctx, e.channelID, c.MessageID)
			if err != nil {
				return err
			}
			if crypto.HashBytes(data) != c.BlobHash {
				return fmt.Errorf("%w: part %d", ErrIntegrity, c.PartNum)
			}
			blob = data
			return nil
		}, func(_ int, reason string) { e.metrics.RecordRetry(reason) })
		e.metrics.ObserveChunk(checkpoint.KindDownload, time.Since(start), fetchErr)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to download part %d: %w", c.PartNum, fetchErr)
		}

		if err := chunk.WriteDecrypted(blob, sub.LocalPath, key, chunk.Offset(c.PartNum)); err != nil {
			return fmt.Errorf("failed to write part %d: %w", c.PartNum, err)
		}

		plain := int64(len(blob)) - crypto.Overhead
		err = e.ckpt.MarkPartDone(ctx, task.ID, sub.ID, checkpoint.ProgressPart{
			PartNum:   c.PartNum,
			MessageID: c.MessageID,
			BlobHash:  c.BlobHash,
		}, plain)
		if err != nil {
			return err
		}

		if err := e.traffic.Add(ctx, checkpoint.KindDownload, int64(len(blob))); err != nil {
			logger.WarnCtx(lctx, "traffic accounting failed", logger.KeyError, err.Error())
		}
		e.metrics.RecordBytes(checkpoint.KindDownload, int64(len(blob)))

		p := snapshot(task, checkpoint.StatusTransferring)
		p.DoneBytes = doneBytes.Add(plain)
		emitter.emit(p, false)
	}

	// Per-chunk checks only prove each blob matches its catalogue row.
	// The assembled file must match the recorded content hash; on
	// mismatch the task fails and the output stays for inspection.
	actual, err := crypto.HashFile(sub.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to hash output %s: %w", sub.LocalPath, err)
	}
	if actual != sub.Hash {
		return fmt.Errorf("output hash mismatch for %s: got %s, want %s",
			sub.RelPath, actual, sub.Hash)
	}

	if err := e.ckpt.SetSubTaskStatus(ctx, sub.ID, checkpoint.StatusCompleted, ""); err != nil {
		return err
	}
	logger.InfoCtx(lctx, "file downloaded",
		logger.KeyHash, sub.Hash,
		logger.KeySize, sub.Size)
	return nil
}

// removeArtifacts undoes task side effects during cancellation: partial
// local files belonging to unfinished sub-tasks are deleted, and created
// catalogue folders are removed if still empty.
func (e *Engine) removeArtifacts(ctx context.Context, arts []checkpoint.CreatedArtifact, incomplete map[string]checkpoint.SubTask) error {
	// Reverse order: folders were recorded parent-first, so children must
	// be removed before their parents can appear empty.
	for i := len(arts) - 1; i >= 0; i-- {
		a := arts[i]
		switch a.Kind {
		case checkpoint.ArtifactLocalFile:
			if _, ok := incomplete[a.Path]; !ok {
				continue
			}
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove partial file",
					logger.KeyPath, a.Path, logger.KeyError, err.Error())
			}
		case checkpoint.ArtifactFolder:
			entries, err := e.cat.ListFolder(ctx, a.RefID)
			if err != nil {
				if errors.Is(err, catalog.ErrNotFound) {
					continue
				}
				return err
			}
			if len(entries) > 0 {
				continue
			}
			if _, err := e.cat.RemoveFolder(ctx, a.RefID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}
