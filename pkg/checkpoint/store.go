package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/chatvault/internal/logger"
)

// ErrNotFound signals a missing task or sub-task.
var ErrNotFound = errors.New("task not found")

// Store is the SQLite-backed checkpoint database. It is separate from the
// catalogue so checkpoint churn never inflates the synced catalogue file.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the checkpoint database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewTaskID returns a fresh random task id.
func NewTaskID() string { return uuid.NewString() }

// SubTaskID derives the deterministic sub-task id for a file within a
// task. Re-scanning the same tree after a restart yields the same ids, so
// existing checkpoints reattach.
func SubTaskID(taskID, relPath string) string {
	ns, err := uuid.Parse(taskID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(taskID))
	}
	return uuid.NewSHA1(ns, []byte(relPath)).String()
}

func convertNotFoundError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ResetZombieTasks flips tasks left in the transferring state by a crash
// back to paused. Runs once at startup before the engine accepts work.
func (s *Store) ResetZombieTasks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&MainTask{}).
		Where("status = ?", StatusTransferring).
		Updates(map[string]any{"status": StatusPaused, "updated_at": time.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset zombie tasks: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		err := s.db.WithContext(ctx).Model(&SubTask{}).
			Where("status = ?", StatusTransferring).
			Update("status", StatusPaused).Error
		if err != nil {
			return 0, fmt.Errorf("failed to reset zombie sub-tasks: %w", err)
		}
		logger.Info("recovered interrupted transfers", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// CreateTask persists a new main task in the queued state.
func (s *Store) CreateTask(ctx context.Context, task *MainTask) error {
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if task.Status == "" {
		task.Status = StatusQueued
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// CreateSubTasks persists the per-file sub-tasks of a main task. Existing
// rows (same deterministic id) are left untouched so their checkpoints
// survive a re-scan.
func (s *Store) CreateSubTasks(ctx context.Context, subs []SubTask) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range subs {
			var existing SubTask
			err := tx.First(&existing, "id = ?", subs[i].ID).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if subs[i].Status == "" {
				subs[i].Status = StatusQueued
			}
			if err := tx.Create(&subs[i]).Error; err != nil {
				return fmt.Errorf("failed to create sub-task: %w", err)
			}
		}
		return nil
	})
}

// SetTaskStatus updates a main task's status, optionally recording an
// error message.
func (s *Store) SetTaskStatus(ctx context.Context, taskID, status, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&MainTask{}).Where("id = ?", taskID).
		Updates(map[string]any{
			"status":     status,
			"error":      errMsg,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubTaskStatus updates one sub-task's status.
func (s *Store) SetSubTaskStatus(ctx context.Context, subTaskID, status, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&SubTask{}).Where("id = ?", subTaskID).
		Updates(map[string]any{"status": status, "error": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubTaskContent records the hash, size, and part count discovered when
// a sub-task's file is first read.
func (s *Store) SetSubTaskContent(ctx context.Context, subTaskID, hash string, size int64, totalParts int) error {
	res := s.db.WithContext(ctx).Model(&SubTask{}).Where("id = ?", subTaskID).
		Updates(map[string]any{"hash": hash, "size": size, "total_parts": totalParts})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPartDone checkpoints one remotely confirmed chunk and advances the
// main task's byte counter. This is the durability point: the part row is
// written only after the backend acknowledged the blob.
func (s *Store) MarkPartDone(ctx context.Context, taskID, subTaskID string, part ProgressPart, bytes int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		part.SubTaskID = subTaskID
		err := tx.Create(&part).Error
		if err != nil {
			// A retried chunk may already be checkpointed.
			var existing ProgressPart
			lookupErr := tx.First(&existing,
				"sub_task_id = ? AND part_num = ?", subTaskID, part.PartNum).Error
			if lookupErr == nil {
				return nil
			}
			return fmt.Errorf("failed to checkpoint part: %w", err)
		}
		return tx.Model(&MainTask{}).Where("id = ?", taskID).
			Updates(map[string]any{
				"done_bytes": gorm.Expr("done_bytes + ?", bytes),
				"updated_at": time.Now(),
			}).Error
	})
}

// SetTaskTotalBytes records a task's total size once a folder scan has
// established it.
func (s *Store) SetTaskTotalBytes(ctx context.Context, taskID string, total int64) error {
	return s.db.WithContext(ctx).Model(&MainTask{}).Where("id = ?", taskID).
		Updates(map[string]any{"total_bytes": total, "updated_at": time.Now()}).Error
}

// AddDoneBytes advances a task's byte counter without a part checkpoint.
// Used when deduplication completes a file with no chunk transfers.
func (s *Store) AddDoneBytes(ctx context.Context, taskID string, bytes int64) error {
	return s.db.WithContext(ctx).Model(&MainTask{}).Where("id = ?", taskID).
		Updates(map[string]any{
			"done_bytes": gorm.Expr("done_bytes + ?", bytes),
			"updated_at": time.Now(),
		}).Error
}

// DonePartNums returns the set of confirmed part numbers for a sub-task.
func (s *Store) DonePartNums(ctx context.Context, subTaskID string) (map[int]bool, error) {
	var parts []ProgressPart
	err := s.db.WithContext(ctx).
		Where("sub_task_id = ?", subTaskID).Find(&parts).Error
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(parts))
	for _, p := range parts {
		done[p.PartNum] = true
	}
	return done, nil
}

// DoneParts returns the confirmed parts of a sub-task ordered by part
// number, with their remote message ids.
func (s *Store) DoneParts(ctx context.Context, subTaskID string) ([]ProgressPart, error) {
	var parts []ProgressPart
	err := s.db.WithContext(ctx).
		Where("sub_task_id = ?", subTaskID).Order("part_num ASC").Find(&parts).Error
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// ClearParts drops every confirmed part of a sub-task. Used when the
// partial output file disappeared and the checkpoints no longer describe
// reality.
func (s *Store) ClearParts(ctx context.Context, subTaskID string) error {
	return s.db.WithContext(ctx).
		Delete(&ProgressPart{}, "sub_task_id = ?", subTaskID).Error
}

// TaskView is a main task denormalized with its sub-tasks.
type TaskView struct {
	Task MainTask
	Subs []SubTask
}

// LoadTask fetches a task with all of its sub-tasks.
func (s *Store) LoadTask(ctx context.Context, taskID string) (*TaskView, error) {
	var task MainTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	var subs []SubTask
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).Order("rel_path ASC").Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return &TaskView{Task: task, Subs: subs}, nil
}

// ListTasks returns all main tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]MainTask, error) {
	var tasks []MainTask
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListResumable returns the tasks eligible for resumption at startup.
func (s *Store) ListResumable(ctx context.Context) ([]MainTask, error) {
	var tasks []MainTask
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPaused, StatusQueued}).
		Order("created_at ASC").Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeleteTask removes a task and all dependent rows. Called after a task
// completes or is cancelled; checkpoints have no value past that point.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subIDs []string
		err := tx.Model(&SubTask{}).Where("task_id = ?", taskID).
			Pluck("id", &subIDs).Error
		if err != nil {
			return err
		}
		if len(subIDs) > 0 {
			if err := tx.Delete(&ProgressPart{}, "sub_task_id IN ?", subIDs).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&SubTask{}, "task_id = ?", taskID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&CreatedArtifact{}, "task_id = ?", taskID).Error; err != nil {
			return err
		}
		return tx.Delete(&MainTask{}, "id = ?", taskID).Error
	})
}

// RecordArtifact remembers an item created on behalf of a task.
func (s *Store) RecordArtifact(ctx context.Context, a *CreatedArtifact) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// Artifacts returns a task's recorded artifacts in creation order.
func (s *Store) Artifacts(ctx context.Context, taskID string) ([]CreatedArtifact, error) {
	var out []CreatedArtifact
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
