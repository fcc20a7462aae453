// Package transfer implements the resumable transfer engine: chunked,
// encrypted uploads and downloads between the local filesystem and the
// remote blob channel, checkpointed so an interrupted transfer continues
// from the last confirmed chunk.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/metrics"
	"github.com/marmos91/chatvault/pkg/remote"
)

// DefaultMaxConcurrentTasks is the default number of tasks running at
// once.
const DefaultMaxConcurrentTasks = 4

// DefaultParallelFiles is the default number of files transferred
// concurrently within a folder task.
const DefaultParallelFiles = 4

// ResumeConcurrency bounds how many interrupted tasks restart at once at
// startup, independently of the configured task limit.
const ResumeConcurrency = 3

// ErrSourceRemoved fails an upload whose source file disappeared while
// the transfer was running.
var ErrSourceRemoved = errors.New("source file removed during transfer")

// ErrTaskNotActive is returned by Pause and Cancel for unknown or already
// finished tasks.
var ErrTaskNotActive = errors.New("task is not active")

// ErrEngineClosed rejects operations after Close.
var ErrEngineClosed = errors.New("transfer engine is closed")

// Config holds transfer engine tuning.
type Config struct {
	// MaxConcurrentTasks is the number of main tasks running at once.
	MaxConcurrentTasks int

	// ParallelFiles is the number of files transferred concurrently
	// within one folder task.
	ParallelFiles int

	// Retry is the per-chunk retry policy.
	Retry RetryPolicy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		ParallelFiles:      DefaultParallelFiles,
		Retry:              DefaultRetryPolicy(),
	}
}

// task intents, set by Pause and Cancel before the task context is
// cancelled so the worker knows which teardown to run.
const (
	intentNone int32 = iota
	intentPause
	intentCancel
)

// taskHandle is the control surface of one running task.
type taskHandle struct {
	cancel context.CancelFunc
	intent atomic.Int32
}

// Engine coordinates transfers between the local filesystem, the
// catalogue, the checkpoint store, and the remote blob channel.
type Engine struct {
	cat       *catalog.Store
	ckpt      *checkpoint.Store
	channel   remote.Channel
	channelID int64
	cfg       Config

	metrics  *metrics.TransferMetrics
	traffic  *checkpoint.TrafficRecorder
	progress ProgressFunc
	onChange func()
	presence *PresenceWatcher

	sem chan struct{}

	mu     sync.Mutex
	active map[string]*taskHandle
	closed bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithMetrics installs transfer metrics. A nil metrics set is valid.
func WithMetrics(m *metrics.TransferMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithChangeNotifier installs a callback invoked after the engine mutates
// the catalogue, so the snapshot syncer can schedule an upload.
func WithChangeNotifier(fn func()) Option {
	return func(e *Engine) { e.onChange = fn }
}

// WithPresenceWatcher registers completed transfers with a presence
// watcher, which then reports when their endpoints appear or vanish.
func WithPresenceWatcher(w *PresenceWatcher) Option {
	return func(e *Engine) { e.presence = w }
}

// New creates a transfer engine. Call Recover before submitting work so
// tasks interrupted by a previous crash are reset.
func New(cat *catalog.Store, ckpt *checkpoint.Store, channel remote.Channel, channelID int64, cfg Config, opts ...Option) *Engine {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.ParallelFiles <= 0 {
		cfg.ParallelFiles = DefaultParallelFiles
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cat:        cat,
		ckpt:       ckpt,
		channel:    channel,
		channelID:  channelID,
		cfg:        cfg,
		traffic:    ckpt.NewTrafficRecorder(),
		sem:        make(chan struct{}, cfg.MaxConcurrentTasks),
		active:     make(map[string]*taskHandle),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recover resets tasks a previous process left in the transferring state
// back to paused. Must run before ResumeAll.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.ckpt.ResetZombieTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("transfers ready to resume", "count", n)
	}
	return nil
}

// ResumeAll restarts every paused or queued task, at most
// ResumeConcurrency at a time.
func (e *Engine) ResumeAll(ctx context.Context) error {
	tasks, err := e.ckpt.ListResumable(ctx)
	if err != nil {
		return err
	}
	resumeSem := make(chan struct{}, ResumeConcurrency)
	for _, task := range tasks {
		e.launch(task.ID, resumeSem)
	}
	return nil
}

// Resume restarts one paused task.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	view, err := e.ckpt.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch view.Task.Status {
	case checkpoint.StatusPaused, checkpoint.StatusQueued, checkpoint.StatusFailed:
		e.launch(taskID, e.sem)
		return nil
	default:
		return fmt.Errorf("task %s is %s, not resumable", taskID, view.Task.Status)
	}
}

// Pause stops a running task, keeping its checkpoints for later resume.
func (e *Engine) Pause(taskID string) error {
	return e.signal(taskID, intentPause)
}

// Cancel stops a running task and discards its work: confirmed chunks not
// yet visible in the catalogue are deleted remotely, partial local files
// and empty created folders are removed, and the checkpoints are dropped.
func (e *Engine) Cancel(taskID string) error {
	return e.signal(taskID, intentCancel)
}

// CancelStored cancels a task that is not currently running (paused or
// failed), running the same cleanup.
func (e *Engine) CancelStored(ctx context.Context, taskID string) error {
	e.mu.Lock()
	if _, running := e.active[taskID]; running {
		e.mu.Unlock()
		return e.signal(taskID, intentCancel)
	}
	e.mu.Unlock()
	return e.cleanupCancelled(ctx, taskID)
}

func (e *Engine) signal(taskID string, intent int32) error {
	e.mu.Lock()
	h, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrTaskNotActive
	}
	h.intent.Store(intent)
	h.cancel()
	return nil
}

// Tasks lists all stored tasks.
func (e *Engine) Tasks(ctx context.Context) ([]checkpoint.MainTask, error) {
	return e.ckpt.ListTasks(ctx)
}

// Wait blocks until every launched task has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops the engine: running tasks are paused, checkpoints flushed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, h := range e.active {
		h.intent.CompareAndSwap(intentNone, intentPause)
		h.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.baseCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.traffic.Flush(ctx)
}

// launch runs a task on a worker goroutine, bounded by sem.
func (e *Engine) launch(taskID string, sem chan struct{}) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, running := e.active[taskID]; running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	h := &taskHandle{cancel: cancel}
	e.active[taskID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			e.finish(taskID, h, ctx.Err())
			return
		}
		defer func() { <-sem }()

		err := e.runTask(ctx, taskID, h)
		e.finish(taskID, h, err)
	}()
}

func (e *Engine) runTask(ctx context.Context, taskID string, h *taskHandle) error {
	view, err := e.ckpt.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	task := view.Task

	if err := e.ckpt.SetTaskStatus(ctx, taskID, checkpoint.StatusTransferring, ""); err != nil {
		return err
	}
	e.metrics.TransferStarted(task.Kind)
	defer e.metrics.TransferFinished(task.Kind)

	lctx := logger.WithContext(ctx, logger.NewLogContext(taskID, task.Kind))
	logger.InfoCtx(lctx, "task started",
		logger.KeyPath, task.LocalPath,
		logger.KeySize, task.TotalBytes)

	switch task.Kind {
	case checkpoint.KindUpload:
		return e.runUpload(lctx, view, h)
	case checkpoint.KindDownload:
		return e.runDownload(lctx, view)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// finish runs the terminal transition for a task: delete on success,
// pause or cleanup on interruption, failed otherwise.
func (e *Engine) finish(taskID string, h *taskHandle, err error) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()

	// Terminal work runs on a fresh context; the task context is dead.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	emitter := newProgressEmitter(e.progress)
	view, loadErr := e.ckpt.LoadTask(ctx, taskID)

	switch {
	case err == nil:
		if loadErr == nil {
			e.metrics.RecordTask(view.Task.Kind, "completed")
			emitter.emit(snapshot(view.Task, checkpoint.StatusCompleted), true)
		}
		if delErr := e.ckpt.DeleteTask(ctx, taskID); delErr != nil {
			logger.Error("failed to delete completed task",
				logger.KeyTaskID, taskID, logger.KeyError, delErr.Error())
		}
		if loadErr == nil && view.Task.Kind == checkpoint.KindUpload {
			e.notifyChange()
		}
		if loadErr == nil && e.presence != nil {
			e.presence.Watch(WatchTarget{
				Kind:      view.Task.Kind,
				LocalPath: view.Task.LocalPath,
				FolderID:  view.Task.FolderID,
			})
		}
		logger.Info("task completed", logger.KeyTaskID, taskID)

	case errors.Is(err, context.Canceled) && h.intent.Load() == intentPause:
		_ = e.ckpt.SetTaskStatus(ctx, taskID, checkpoint.StatusPaused, "")
		if loadErr == nil {
			emitter.emit(snapshot(view.Task, checkpoint.StatusPaused), true)
		}
		logger.Info("task paused", logger.KeyTaskID, taskID)

	case errors.Is(err, context.Canceled) && h.intent.Load() == intentCancel:
		if cleanErr := e.cleanupCancelled(ctx, taskID); cleanErr != nil {
			logger.Error("cancel cleanup failed",
				logger.KeyTaskID, taskID, logger.KeyError, cleanErr.Error())
		}
		e.notifyChange()
		if loadErr == nil {
			e.metrics.RecordTask(view.Task.Kind, "cancelled")
			emitter.emit(snapshot(view.Task, "cancelled"), true)
		}
		logger.Info("task cancelled", logger.KeyTaskID, taskID)

	default:
		_ = e.ckpt.SetTaskStatus(ctx, taskID, checkpoint.StatusFailed, err.Error())
		if loadErr == nil {
			e.metrics.RecordTask(view.Task.Kind, "failed")
			emitter.emit(snapshot(view.Task, checkpoint.StatusFailed), true)
		}
		logger.Error("task failed",
			logger.KeyTaskID, taskID, logger.KeyError, err.Error())
	}

	// Flush coalesced traffic counters at task boundaries.
	if err := e.traffic.Flush(ctx); err != nil {
		logger.Warn("traffic flush failed", logger.KeyError, err.Error())
	}
}

// notifyChange fires the catalogue change callback, if any.
func (e *Engine) notifyChange() {
	if e.onChange != nil {
		e.onChange()
	}
}

func snapshot(task checkpoint.MainTask, status string) Progress {
	return Progress{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Status:     status,
		LocalPath:  task.LocalPath,
		RemotePath: task.RemotePath,
		TotalBytes: task.TotalBytes,
		DoneBytes:  task.DoneBytes,
	}
}

// runSubTasks executes fn for every unfinished sub-task with bounded
// parallelism, collecting the first error.
func (e *Engine) runSubTasks(ctx context.Context, subs []checkpoint.SubTask, fn func(ctx context.Context, sub checkpoint.SubTask) error) error {
	sem := make(chan struct{}, e.cfg.ParallelFiles)
	var wg sync.WaitGroup
	errCh := make(chan error, len(subs))

	for _, sub := range subs {
		if sub.Status == checkpoint.StatusCompleted {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(sub checkpoint.SubTask) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := fn(ctx, sub); err != nil {
				errCh <- err
			}
		}(sub)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return ctx.Err()
}

// cleanupCancelled discards a task's partial work.
func (e *Engine) cleanupCancelled(ctx context.Context, taskID string) error {
	view, err := e.ckpt.LoadTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}

	incomplete := make(map[string]checkpoint.SubTask)
	var orphanMsgs []int64
	for _, sub := range view.Subs {
		if sub.Status == checkpoint.StatusCompleted {
			continue
		}
		incomplete[sub.LocalPath] = sub
		// Uploaded chunks not yet referenced by the catalogue are garbage.
		if view.Task.Kind == checkpoint.KindUpload {
			parts, err := e.ckpt.DoneParts(ctx, sub.ID)
			if err != nil {
				return err
			}
			for _, p := range parts {
				orphanMsgs = append(orphanMsgs, p.MessageID)
			}
		}
	}

	if len(orphanMsgs) > 0 {
		if err := remote.DeleteAll(ctx, e.channel, e.channelID, orphanMsgs); err != nil {
			logger.Warn("failed to delete orphaned blobs",
				logger.KeyTaskID, taskID, logger.KeyError, err.Error())
		}
	}

	arts, err := e.ckpt.Artifacts(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.removeArtifacts(ctx, arts, incomplete); err != nil {
		return err
	}

	return e.ckpt.DeleteTask(ctx, taskID)
}
