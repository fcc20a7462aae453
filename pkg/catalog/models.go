// Package catalog implements the metadata store: the relational catalogue of
// folders, file contents, name bindings, chunks, and trash, stamped by a
// monotonically increasing version counter that drives remote snapshot sync.
package catalog

import "time"

// ItemType discriminates trashable catalogue items.
type ItemType string

const (
	ItemFolder  ItemType = "folder"
	ItemBinding ItemType = "binding"
)

// Folder is a node in the namespace forest. Root folders have no parent.
// TotalSize is the eagerly-maintained sum of every binding transitively
// contained in the folder, so listings are O(1) per row.
type Folder struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	ParentID  *int64    `gorm:"uniqueIndex:idx_folders_parent_name;index" json:"parent_id,omitempty"`
	Name      string    `gorm:"uniqueIndex:idx_folders_parent_name;not null;size:255" json:"name"`
	TotalSize int64     `gorm:"not null;default:0" json:"total_size"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Folder) TableName() string { return "folders" }

// FileContent is the deduplication unit: one row per distinct content hash.
// All bindings with identical bytes share one FileContent and one chunk set.
type FileContent struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Hash string `gorm:"uniqueIndex;not null;size:64" json:"hash"`
	Size int64  `gorm:"not null" json:"size"`
}

func (FileContent) TableName() string { return "file_contents" }

// Binding is a named reference from a folder to a FileContent, analogous to
// a directory entry. Deleting the last binding to a content orphans it.
type Binding struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	FolderID  int64     `gorm:"uniqueIndex:idx_bindings_folder_name;index;not null" json:"folder_id"`
	ContentID int64     `gorm:"index;not null" json:"content_id"`
	Name      string    `gorm:"uniqueIndex:idx_bindings_folder_name;not null;size:255" json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Binding) TableName() string { return "bindings" }

// Chunk records one stored blob of a content: its 1-based part number, the
// remote message id holding it, and the hex hash of the encrypted bytes as
// stored remotely (used for per-chunk integrity verification on download).
type Chunk struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	ContentID int64  `gorm:"uniqueIndex:idx_chunks_content_part;index;not null" json:"content_id"`
	PartNum   int    `gorm:"uniqueIndex:idx_chunks_content_part;not null" json:"part_num"`
	MessageID int64  `gorm:"not null" json:"message_id"`
	BlobHash  string `gorm:"not null;size:64" json:"blob_hash"`
}

func (Chunk) TableName() string { return "chunks" }

// TrashRecord remembers where a soft-deleted item came from so Restore can
// put it back. An item has a record iff it currently lives under the trash
// root.
type TrashRecord struct {
	ItemID       int64     `gorm:"primaryKey" json:"item_id"`
	ItemType     ItemType  `gorm:"primaryKey;size:16" json:"item_type"`
	OrigParentID int64     `gorm:"not null" json:"orig_parent_id"`
	OrigName     string    `gorm:"not null;size:255" json:"orig_name"`
	TrashedAt    time.Time `gorm:"not null" json:"trashed_at"`
}

func (TrashRecord) TableName() string { return "trash_records" }

// MetaVersion is the single-row version counter. Every catalogue-mutating
// transaction advances it exactly once.
type MetaVersion struct {
	ID      int64 `gorm:"primaryKey"`
	Version int64 `gorm:"not null"`
}

func (MetaVersion) TableName() string { return "meta_version" }

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Folder{},
		&FileContent{},
		&Binding{},
		&Chunk{},
		&TrashRecord{},
		&MetaVersion{},
	}
}

// TrashRetention is how long soft-deleted items are kept before the sweeper
// permanently deletes them.
const TrashRetention = 30 * 24 * time.Hour

// Names of the two distinguished root folders.
const (
	RootFolderName  = "My Drive"
	TrashFolderName = "Trash"
)
