package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/chunk"
	"github.com/marmos91/chatvault/pkg/crypto"
)

// UploadFile queues an upload of one local file into the catalogue folder
// named by remoteDir and starts it. Directories are dispatched to
// UploadFolder.
func (e *Engine) UploadFile(ctx context.Context, localPath, remoteDir string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return e.UploadFolder(ctx, localPath, remoteDir)
	}

	folderID, err := e.cat.ResolveFolder(ctx, remoteDir)
	if err != nil {
		return "", err
	}

	// Name collisions fail up front, before any hashing or transfer.
	name := filepath.Base(localPath)
	if err := e.checkNameFree(ctx, folderID, name); err != nil {
		return "", err
	}

	task := &checkpoint.MainTask{
		Kind:       checkpoint.KindUpload,
		LocalPath:  localPath,
		RemotePath: remoteDir,
		FolderID:   folderID,
		TotalBytes: info.Size(),
	}
	if err := e.ckpt.CreateTask(ctx, task); err != nil {
		return "", err
	}
	err = e.ckpt.CreateSubTasks(ctx, []checkpoint.SubTask{{
		ID:        checkpoint.SubTaskID(task.ID, name),
		TaskID:    task.ID,
		RelPath:   name,
		LocalPath: localPath,
		Size:      info.Size(),
		FolderID:  folderID,
	}})
	if err != nil {
		return "", err
	}

	e.launch(task.ID, e.sem)
	return task.ID, nil
}

// UploadFolder queues an upload of a whole directory tree. Catalogue
// folders mirroring the tree are created up front and recorded as task
// artifacts so cancellation can remove the empty ones.
func (e *Engine) UploadFolder(ctx context.Context, localDir, remoteDir string) (string, error) {
	info, err := os.Stat(localDir)
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", localDir)
	}

	parentID, err := e.cat.ResolveFolder(ctx, remoteDir)
	if err != nil {
		return "", err
	}

	task := &checkpoint.MainTask{
		Kind:       checkpoint.KindUpload,
		LocalPath:  localDir,
		RemotePath: remoteDir,
		FolderID:   parentID,
	}
	if err := e.ckpt.CreateTask(ctx, task); err != nil {
		return "", err
	}

	rootID, err := e.ensureFolder(ctx, task.ID, parentID, filepath.Base(localDir))
	if err != nil {
		return "", err
	}

	// Walk the tree: mirror directories into the catalogue, collect files
	// as sub-tasks.
	folderByRel := map[string]int64{".": rootID}
	var subs []checkpoint.SubTask
	var totalBytes int64

	err = filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if d.IsDir() {
			parent := folderByRel[parentRel(relSlash)]
			id, err := e.ensureFolder(ctx, task.ID, parent, d.Name())
			if err != nil {
				return err
			}
			folderByRel[relSlash] = id
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		totalBytes += fi.Size()
		subs = append(subs, checkpoint.SubTask{
			ID:        checkpoint.SubTaskID(task.ID, relSlash),
			TaskID:    task.ID,
			RelPath:   relSlash,
			LocalPath: path,
			Size:      fi.Size(),
			FolderID:  folderByRel[parentRel(relSlash)],
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := e.ckpt.CreateSubTasks(ctx, subs); err != nil {
		return "", err
	}
	// TotalBytes was unknown at creation time.
	if err := e.ckpt.SetTaskTotalBytes(ctx, task.ID, totalBytes); err != nil {
		return "", err
	}

	// The consumer learns the folder's size and file count before the
	// first byte moves.
	if e.progress != nil {
		p := snapshot(*task, checkpoint.StatusQueued)
		p.TotalBytes = totalBytes
		p.TotalFiles = len(subs)
		e.progress(p)
	}

	e.launch(task.ID, e.sem)
	return task.ID, nil
}

func parentRel(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return "."
}

// ensureFolder creates a catalogue folder, reusing an existing one with
// the same name. Newly created folders are recorded as task artifacts.
func (e *Engine) ensureFolder(ctx context.Context, taskID string, parentID int64, name string) (int64, error) {
	f, err := e.cat.CreateFolder(ctx, parentID, name)
	if err == nil {
		if recErr := e.ckpt.RecordArtifact(ctx, &checkpoint.CreatedArtifact{
			TaskID: taskID,
			Kind:   checkpoint.ArtifactFolder,
			RefID:  f.ID,
		}); recErr != nil {
			return 0, recErr
		}
		e.notifyChange()
		return f.ID, nil
	}
	if errors.Is(err, catalog.ErrAlreadyExists) {
		existing, ferr := e.cat.FindFolder(ctx, parentID, name)
		if ferr != nil {
			return 0, ferr
		}
		return existing.ID, nil
	}
	return 0, err
}

func (e *Engine) runUpload(ctx context.Context, view *checkpoint.TaskView, h *taskHandle) error {
	task := view.Task
	emitter := newProgressEmitter(e.progress)

	var doneBytes atomic.Int64
	doneBytes.Store(task.DoneBytes)
	var sourceGone atomic.Bool

	err := e.runSubTasks(ctx, view.Subs, func(ctx context.Context, sub checkpoint.SubTask) error {
		return e.uploadOne(ctx, task, sub, h, emitter, &doneBytes, &sourceGone)
	})
	if sourceGone.Load() {
		return ErrSourceRemoved
	}
	return err
}

func (e *Engine) uploadOne(ctx context.Context, task checkpoint.MainTask, sub checkpoint.SubTask, h *taskHandle, emitter *progressEmitter, doneBytes *atomic.Int64, sourceGone *atomic.Bool) error {
	lctx := logger.WithContext(ctx,
		logger.NewLogContext(task.ID, checkpoint.KindUpload).WithPath(sub.LocalPath))

	// The source must stay in place for the whole transfer; a vanished
	// file aborts the task rather than uploading a torn copy.
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	go watchFile(wctx, sub.LocalPath, func() {
		sourceGone.Store(true)
		h.cancel()
	})

	if err := e.ckpt.SetSubTaskStatus(ctx, sub.ID, checkpoint.StatusTransferring, ""); err != nil {
		return err
	}

	hash := sub.Hash
	size := sub.Size
	if hash == "" {
		var err error
		hash, err = crypto.HashFile(sub.LocalPath)
		if err != nil {
			if sourceGone.Load() || os.IsNotExist(err) {
				return ErrSourceRemoved
			}
			return fmt.Errorf("failed to hash %s: %w", sub.LocalPath, err)
		}
		info, err := os.Stat(sub.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", sub.LocalPath, err)
		}
		size = info.Size()
		if err := e.ckpt.SetSubTaskContent(ctx, sub.ID, hash, size, chunk.Count(size)); err != nil {
			return err
		}
	}

	name := filepath.Base(sub.RelPath)

	// Content already stored remotely: register the binding and skip the
	// transfer entirely.
	if fc, err := e.cat.FindContentByHash(ctx, hash); err == nil {
		// A binding with this name and content means the finalize already
		// committed (resume after a crash); anything else with the name is
		// a collision.
		existing, berr := e.cat.FindBinding(ctx, sub.FolderID, name)
		alreadyRegistered := berr == nil && existing.ContentID == fc.ID
		if !alreadyRegistered {
			if _, _, err := e.cat.AddFile(ctx, sub.FolderID, name, hash, fc.Size, nil); err != nil {
				return err
			}
		}
		e.metrics.RecordDedupHit()
		if err := e.ckpt.AddDoneBytes(ctx, task.ID, size); err != nil {
			return err
		}
		if err := e.ckpt.SetSubTaskStatus(ctx, sub.ID, checkpoint.StatusCompleted, ""); err != nil {
			return err
		}
		logger.InfoCtx(lctx, "instant upload via dedup", logger.KeyHash, hash)
		p := snapshot(task, checkpoint.StatusTransferring)
		p.DoneBytes = doneBytes.Add(size)
		emitter.emit(p, false)
		return nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	done, err := e.ckpt.DonePartNums(ctx, sub.ID)
	if err != nil {
		return err
	}

	key := crypto.DeriveFileKey(hash)
	stream, err := chunk.NewStream(sub.LocalPath, key, done)
	if err != nil {
		if sourceGone.Load() || os.IsNotExist(err) {
			return ErrSourceRemoved
		}
		return err
	}
	defer stream.Close()

	logger.DebugCtx(lctx, "uploading chunks",
		logger.KeyParts, stream.TotalParts(),
		"resumed_parts", len(done))

	for {
		part, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.uploadErr(ctx, sourceGone)
			}
			if sourceGone.Load() || os.IsNotExist(err) {
				return ErrSourceRemoved
			}
			return fmt.Errorf("failed to read chunk: %w", err)
		}

		var msgID int64
		start := time.Now()
		sendErr := e.cfg.Retry.Do(ctx, func() error {
			id, err := e.channel.SendBlob(ctx, e.channelID, part.Blob, "")
			if err != nil {
				return err
			}
			msgID = id
			return nil
		}, func(_ int, reason string) { e.metrics.RecordRetry(reason) })
		e.metrics.ObserveChunk(checkpoint.KindUpload, time.Since(start), sendErr)
		if sendErr != nil {
			if ctx.Err() != nil {
				return e.uploadErr(ctx, sourceGone)
			}
			return fmt.Errorf("failed to upload part %d: %w", part.Num, sendErr)
		}

		plain := int64(len(part.Blob)) - crypto.Overhead
		err = e.ckpt.MarkPartDone(ctx, task.ID, sub.ID, checkpoint.ProgressPart{
			PartNum:   part.Num,
			MessageID: msgID,
			BlobHash:  crypto.HashBytes(part.Blob),
		}, plain)
		if err != nil {
			return err
		}

		if err := e.traffic.Add(ctx, checkpoint.KindUpload, int64(len(part.Blob))); err != nil {
			logger.WarnCtx(lctx, "traffic accounting failed", logger.KeyError, err.Error())
		}
		e.metrics.RecordBytes(checkpoint.KindUpload, int64(len(part.Blob)))

		p := snapshot(task, checkpoint.StatusTransferring)
		p.DoneBytes = doneBytes.Add(plain)
		emitter.emit(p, false)
	}

	// All parts confirmed: make the file visible in one catalogue
	// transaction.
	parts, err := e.ckpt.DoneParts(ctx, sub.ID)
	if err != nil {
		return err
	}
	refs := make([]catalog.ChunkRef, 0, len(parts))
	for _, p := range parts {
		refs = append(refs, catalog.ChunkRef{
			PartNum:   p.PartNum,
			MessageID: p.MessageID,
			BlobHash:  p.BlobHash,
		})
	}
	if _, _, err := e.cat.AddFile(ctx, sub.FolderID, name, hash, size, refs); err != nil {
		return err
	}
	if err := e.ckpt.SetSubTaskStatus(ctx, sub.ID, checkpoint.StatusCompleted, ""); err != nil {
		return err
	}

	logger.InfoCtx(lctx, "file uploaded",
		logger.KeyHash, hash,
		logger.KeySize, size,
		logger.KeyParts, len(parts))
	return nil
}

func (e *Engine) uploadErr(ctx context.Context, sourceGone *atomic.Bool) error {
	if sourceGone.Load() {
		return ErrSourceRemoved
	}
	return ctx.Err()
}

// checkNameFree asserts no binding or folder named name exists under
// folderID. Uploads never rename around a collision.
func (e *Engine) checkNameFree(ctx context.Context, folderID int64, name string) error {
	if _, err := e.cat.FindBinding(ctx, folderID, name); err == nil {
		return fmt.Errorf("%w: %s", catalog.ErrAlreadyExists, name)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	if _, err := e.cat.FindFolder(ctx, folderID, name); err == nil {
		return fmt.Errorf("%w: %s", catalog.ErrAlreadyExists, name)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	return nil
}
