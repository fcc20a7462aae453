package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GetFolder fetches a folder by id.
func (s *Store) GetFolder(ctx context.Context, id int64) (*Folder, error) {
	var f Folder
	if err := s.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &f, nil
}

// FindFolder looks up a folder by parent and name.
func (s *Store) FindFolder(ctx context.Context, parentID int64, name string) (*Folder, error) {
	var f Folder
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND name = ?", parentID, name).First(&f).Error
	if err != nil {
		return nil, convertNotFoundError(err)
	}
	return &f, nil
}

// CreateFolder creates an empty folder under parentID. Creating inside the
// trash subtree is rejected; names collide with both folders and bindings.
func (s *Store) CreateFolder(ctx context.Context, parentID int64, name string) (*Folder, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var created Folder
	err := s.mutate(ctx, func(tx *gorm.DB) error {
		inTrash, err := isDescendant(tx, s.trashID, parentID)
		if err != nil {
			return err
		}
		if inTrash {
			return fmt.Errorf("%w: cannot create inside trash", ErrInvalidOperation)
		}

		taken, err := nameTaken(tx, parentID, name)
		if err != nil {
			return err
		}
		if taken {
			return ErrAlreadyExists
		}

		created = Folder{ParentID: &parentID, Name: name, UpdatedAt: time.Now()}
		if err := tx.Create(&created).Error; err != nil {
			if isUniqueConstraintError(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("failed to create folder: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// RenameFolder changes a folder's name in place. Roots cannot be renamed.
func (s *Store) RenameFolder(ctx context.Context, id int64, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	return s.mutate(ctx, func(tx *gorm.DB) error {
		var f Folder
		if err := tx.First(&f, "id = ?", id).Error; err != nil {
			return convertNotFoundError(err)
		}
		if f.ParentID == nil {
			return fmt.Errorf("%w: cannot rename a root folder", ErrInvalidOperation)
		}
		if f.Name == newName {
			return nil
		}
		taken, err := nameTaken(tx, *f.ParentID, newName)
		if err != nil {
			return err
		}
		if taken {
			return ErrAlreadyExists
		}
		return tx.Model(&Folder{}).Where("id = ?", id).
			Updates(map[string]any{"name": newName, "updated_at": time.Now()}).Error
	})
}

// MoveFolder reparents a folder. Moving a root, moving into the trash, or
// moving a folder into its own subtree is rejected. Sizes of both ancestor
// chains are adjusted.
func (s *Store) MoveFolder(ctx context.Context, id, newParentID int64) error {
	return s.mutate(ctx, func(tx *gorm.DB) error {
		return moveFolderTx(tx, s.trashID, id, newParentID)
	})
}

func moveFolderTx(tx *gorm.DB, trashID, id, newParentID int64) error {
	var f Folder
	if err := tx.First(&f, "id = ?", id).Error; err != nil {
		return convertNotFoundError(err)
	}
	if f.ParentID == nil {
		return fmt.Errorf("%w: cannot move a root folder", ErrInvalidOperation)
	}
	if *f.ParentID == newParentID {
		return nil
	}

	inTrash, err := isDescendant(tx, trashID, newParentID)
	if err != nil {
		return err
	}
	if inTrash {
		return fmt.Errorf("%w: cannot move into trash directly", ErrInvalidOperation)
	}

	cycle, err := isDescendant(tx, id, newParentID)
	if err != nil {
		return err
	}
	if cycle {
		return ErrCycle
	}

	taken, err := nameTaken(tx, newParentID, f.Name)
	if err != nil {
		return err
	}
	if taken {
		return ErrAlreadyExists
	}

	return reparentFolderTx(tx, &f, newParentID, f.Name)
}

// reparentFolderTx performs the raw reparent (optionally renaming) and
// moves the folder's aggregate size from the old ancestor chain to the new
// one. Callers are responsible for policy checks.
func reparentFolderTx(tx *gorm.DB, f *Folder, newParentID int64, newName string) error {
	oldParent := *f.ParentID
	if err := adjustAncestorSizes(tx, oldParent, -f.TotalSize); err != nil {
		return err
	}
	if err := adjustAncestorSizes(tx, newParentID, f.TotalSize); err != nil {
		return err
	}
	return tx.Model(&Folder{}).Where("id = ?", f.ID).
		Updates(map[string]any{
			"parent_id":  newParentID,
			"name":       newName,
			"updated_at": time.Now(),
		}).Error
}

// RemoveFolder permanently deletes a folder and its entire subtree,
// returning the remote message ids of every content orphaned by the
// removal so the caller can delete the blobs.
func (s *Store) RemoveFolder(ctx context.Context, id int64) ([]int64, error) {
	var orphaned []int64
	err := s.mutate(ctx, func(tx *gorm.DB) error {
		var err error
		orphaned, err = removeFolderTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func removeFolderTx(tx *gorm.DB, id int64) ([]int64, error) {
	var root Folder
	if err := tx.First(&root, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	if root.ParentID == nil {
		return nil, fmt.Errorf("%w: cannot remove a root folder", ErrInvalidOperation)
	}

	// Breadth-first subtree walk.
	folderIDs := []int64{id}
	for frontier := []int64{id}; len(frontier) > 0; {
		var children []Folder
		if err := tx.Where("parent_id IN ?", frontier).Find(&children).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, c := range children {
			folderIDs = append(folderIDs, c.ID)
			frontier = append(frontier, c.ID)
		}
	}

	var bindings []Binding
	if err := tx.Where("folder_id IN ?", folderIDs).Find(&bindings).Error; err != nil {
		return nil, err
	}

	if err := adjustAncestorSizes(tx, *root.ParentID, -root.TotalSize); err != nil {
		return nil, err
	}

	bindingIDs := make([]int64, 0, len(bindings))
	contentIDs := make(map[int64]struct{}, len(bindings))
	for _, b := range bindings {
		bindingIDs = append(bindingIDs, b.ID)
		contentIDs[b.ContentID] = struct{}{}
	}
	if len(bindingIDs) > 0 {
		if err := tx.Delete(&Binding{}, "id IN ?", bindingIDs).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Delete(&Folder{}, "id IN ?", folderIDs).Error; err != nil {
		return nil, err
	}
	if err := tx.Delete(&TrashRecord{}, "item_id IN ? AND item_type = ?", folderIDs, ItemFolder).Error; err != nil {
		return nil, err
	}
	if len(bindingIDs) > 0 {
		if err := tx.Delete(&TrashRecord{}, "item_id IN ? AND item_type = ?", bindingIDs, ItemBinding).Error; err != nil {
			return nil, err
		}
	}

	var orphaned []int64
	for cid := range contentIDs {
		msgs, err := reapContentIfOrphanedTx(tx, cid)
		if err != nil {
			return nil, err
		}
		orphaned = append(orphaned, msgs...)
	}
	return orphaned, nil
}

// reapContentIfOrphanedTx deletes a content and its chunks when no binding
// references it anymore, returning the freed message ids.
func reapContentIfOrphanedTx(tx *gorm.DB, contentID int64) ([]int64, error) {
	var n int64
	if err := tx.Model(&Binding{}).Where("content_id = ?", contentID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}

	var chunks []Chunk
	if err := tx.Where("content_id = ?", contentID).Order("part_num ASC").Find(&chunks).Error; err != nil {
		return nil, err
	}
	msgs := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		msgs = append(msgs, c.MessageID)
	}
	if err := tx.Delete(&Chunk{}, "content_id = ?", contentID).Error; err != nil {
		return nil, err
	}
	if err := tx.Delete(&FileContent{}, "id = ?", contentID).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
