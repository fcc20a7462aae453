package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ChunkRef describes one stored chunk when registering a new content.
type ChunkRef struct {
	PartNum   int
	MessageID int64
	BlobHash  string
}

// FindContentByHash looks up a content row by its hex hash. Used for
// instant-upload deduplication before any bytes are sent.
func (s *Store) FindContentByHash(ctx context.Context, hash string) (*FileContent, error) {
	var fc FileContent
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&fc).Error
	if err != nil {
		return nil, convertNotFoundError(err)
	}
	return &fc, nil
}

// GetBinding fetches a binding by id.
func (s *Store) GetBinding(ctx context.Context, id int64) (*Binding, error) {
	var b Binding
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &b, nil
}

// FindBinding looks up a binding by folder and name.
func (s *Store) FindBinding(ctx context.Context, folderID int64, name string) (*Binding, error) {
	var b Binding
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND name = ?", folderID, name).First(&b).Error
	if err != nil {
		return nil, convertNotFoundError(err)
	}
	return &b, nil
}

// GetContent fetches a content row by id.
func (s *Store) GetContent(ctx context.Context, id int64) (*FileContent, error) {
	var fc FileContent
	if err := s.db.WithContext(ctx).First(&fc, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &fc, nil
}

// ChunksForContent returns a content's chunks ordered by part number.
func (s *Store) ChunksForContent(ctx context.Context, contentID int64) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).
		Where("content_id = ?", contentID).Order("part_num ASC").Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// AddFile registers an uploaded file: a binding under folderID pointing at
// the content identified by hash. When the hash already exists the chunks
// argument is ignored and the existing content is reused; otherwise the
// content and chunk rows are created. Returns the binding and whether the
// content was deduplicated.
func (s *Store) AddFile(ctx context.Context, folderID int64, name, hash string, size int64, chunks []ChunkRef) (*Binding, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}

	var (
		binding Binding
		deduped bool
	)
	err := s.mutate(ctx, func(tx *gorm.DB) error {
		inTrash, err := isDescendant(tx, s.trashID, folderID)
		if err != nil {
			return err
		}
		if inTrash {
			return fmt.Errorf("%w: cannot create inside trash", ErrInvalidOperation)
		}

		taken, err := nameTaken(tx, folderID, name)
		if err != nil {
			return err
		}
		if taken {
			return ErrAlreadyExists
		}

		var fc FileContent
		err = tx.Where("hash = ?", hash).First(&fc).Error
		switch {
		case err == nil:
			deduped = true
		case convertNotFoundError(err) == ErrNotFound:
			fc = FileContent{Hash: hash, Size: size}
			if err := tx.Create(&fc).Error; err != nil {
				return fmt.Errorf("failed to create content: %w", err)
			}
			for _, ref := range chunks {
				c := Chunk{
					ContentID: fc.ID,
					PartNum:   ref.PartNum,
					MessageID: ref.MessageID,
					BlobHash:  ref.BlobHash,
				}
				if err := tx.Create(&c).Error; err != nil {
					return fmt.Errorf("failed to create chunk record: %w", err)
				}
			}
		default:
			return err
		}

		binding = Binding{
			FolderID:  folderID,
			ContentID: fc.ID,
			Name:      name,
			UpdatedAt: time.Now(),
		}
		if err := tx.Create(&binding).Error; err != nil {
			if isUniqueConstraintError(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("failed to create binding: %w", err)
		}
		return adjustAncestorSizes(tx, folderID, fc.Size)
	})
	if err != nil {
		return nil, false, err
	}
	return &binding, deduped, nil
}

// RenameBinding changes a binding's name within its folder.
func (s *Store) RenameBinding(ctx context.Context, id int64, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	return s.mutate(ctx, func(tx *gorm.DB) error {
		var b Binding
		if err := tx.First(&b, "id = ?", id).Error; err != nil {
			return convertNotFoundError(err)
		}
		if b.Name == newName {
			return nil
		}
		taken, err := nameTaken(tx, b.FolderID, newName)
		if err != nil {
			return err
		}
		if taken {
			return ErrAlreadyExists
		}
		return tx.Model(&Binding{}).Where("id = ?", id).
			Updates(map[string]any{"name": newName, "updated_at": time.Now()}).Error
	})
}

// MoveBinding reparents a binding into another folder, adjusting the size
// aggregates of both ancestor chains.
func (s *Store) MoveBinding(ctx context.Context, id, newFolderID int64) error {
	return s.mutate(ctx, func(tx *gorm.DB) error {
		var b Binding
		if err := tx.First(&b, "id = ?", id).Error; err != nil {
			return convertNotFoundError(err)
		}
		if b.FolderID == newFolderID {
			return nil
		}

		inTrash, err := isDescendant(tx, s.trashID, newFolderID)
		if err != nil {
			return err
		}
		if inTrash {
			return fmt.Errorf("%w: cannot move into trash directly", ErrInvalidOperation)
		}

		taken, err := nameTaken(tx, newFolderID, b.Name)
		if err != nil {
			return err
		}
		if taken {
			return ErrAlreadyExists
		}

		var fc FileContent
		if err := tx.First(&fc, "id = ?", b.ContentID).Error; err != nil {
			return convertNotFoundError(err)
		}
		if err := adjustAncestorSizes(tx, b.FolderID, -fc.Size); err != nil {
			return err
		}
		if err := adjustAncestorSizes(tx, newFolderID, fc.Size); err != nil {
			return err
		}
		return tx.Model(&Binding{}).Where("id = ?", id).
			Updates(map[string]any{"folder_id": newFolderID, "updated_at": time.Now()}).Error
	})
}

// RemoveBinding permanently deletes a binding, returning the remote
// message ids freed when this was the last reference to its content.
func (s *Store) RemoveBinding(ctx context.Context, id int64) ([]int64, error) {
	var orphaned []int64
	err := s.mutate(ctx, func(tx *gorm.DB) error {
		var err error
		orphaned, err = removeBindingTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func removeBindingTx(tx *gorm.DB, id int64) ([]int64, error) {
	var b Binding
	if err := tx.First(&b, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	var fc FileContent
	if err := tx.First(&fc, "id = ?", b.ContentID).Error; err != nil {
		return nil, convertNotFoundError(err)
	}

	if err := adjustAncestorSizes(tx, b.FolderID, -fc.Size); err != nil {
		return nil, err
	}
	if err := tx.Delete(&Binding{}, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if err := tx.Delete(&TrashRecord{}, "item_id = ? AND item_type = ?", id, ItemBinding).Error; err != nil {
		return nil, err
	}
	return reapContentIfOrphanedTx(tx, b.ContentID)
}
