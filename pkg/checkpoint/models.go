// Package checkpoint persists transfer state in a local SQLite database so
// interrupted transfers resume from the last confirmed chunk instead of
// restarting. A chunk is checkpointed only after the remote backend has
// confirmed it, so every recorded part is durably stored.
package checkpoint

import "time"

// Task status values. Zombie recovery flips transferring back to paused at
// startup; completed and cancelled tasks are deleted, not kept.
const (
	StatusQueued       = "queued"
	StatusTransferring = "transferring"
	StatusPaused       = "paused"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Task kinds.
const (
	KindUpload   = "upload"
	KindDownload = "download"
)

// MainTask is one user-initiated transfer: a single file or a whole folder
// tree. Byte counters are denormalized for cheap progress display.
type MainTask struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Kind       string    `gorm:"not null;size:16;index"`
	Status     string    `gorm:"not null;size:16;index"`
	LocalPath  string    `gorm:"not null"`
	RemotePath string    `gorm:"not null"`
	FolderID   int64     `gorm:"not null"`
	TotalBytes int64     `gorm:"not null;default:0"`
	DoneBytes  int64     `gorm:"not null;default:0"`
	Error      string    `gorm:""`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (MainTask) TableName() string { return "main_tasks" }

// SubTask is one file inside a main task. Its id is derived
// deterministically from the task id and relative path, so re-scanning a
// folder after a restart reattaches to existing checkpoints.
type SubTask struct {
	ID         string `gorm:"primaryKey;size:36"`
	TaskID     string `gorm:"not null;size:36;index"`
	RelPath    string `gorm:"not null"`
	LocalPath  string `gorm:"not null"`
	Hash       string `gorm:"size:64"`
	Size       int64  `gorm:"not null"`
	TotalParts int    `gorm:"not null"`
	Status     string `gorm:"not null;size:16;index"`
	FolderID   int64  `gorm:"not null"`
	ContentID  int64  `gorm:""`
	Error      string `gorm:""`
}

func (SubTask) TableName() string { return "sub_tasks" }

// ProgressPart records one remotely confirmed chunk of a sub-task.
type ProgressPart struct {
	SubTaskID string `gorm:"primaryKey;size:36"`
	PartNum   int    `gorm:"primaryKey"`
	MessageID int64  `gorm:"not null"`
	BlobHash  string `gorm:"not null;size:64"`
}

func (ProgressPart) TableName() string { return "progress_parts" }

// CreatedArtifact records a catalogue item created on behalf of a task
// (folders made during a folder upload, partially written local files
// during a download) so cancellation can undo them.
type CreatedArtifact struct {
	ID     int64  `gorm:"primaryKey"`
	TaskID string `gorm:"not null;size:36;index"`
	Kind   string `gorm:"not null;size:16"`
	RefID  int64  `gorm:""`
	Path   string `gorm:""`
}

func (CreatedArtifact) TableName() string { return "created_artifacts" }

// Artifact kinds.
const (
	ArtifactFolder    = "folder"
	ArtifactLocalFile = "local_file"
)

// TrafficStat accumulates transferred bytes per day and direction.
type TrafficStat struct {
	Day   string `gorm:"primaryKey;size:10"`
	Kind  string `gorm:"primaryKey;size:16"`
	Bytes int64  `gorm:"not null;default:0"`
}

func (TrafficStat) TableName() string { return "traffic_stats" }

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&MainTask{},
		&SubTask{},
		&ProgressPart{},
		&CreatedArtifact{},
		&TrafficStat{},
	}
}
