package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
)

// TrashItem identifies one soft-deleted entry together with its record.
type TrashItem struct {
	ItemID    int64
	ItemType  ItemType
	Name      string
	OrigName  string
	TrashedAt time.Time
}

// SoftDelete moves a folder or binding under the trash root and records
// its origin. On a name collision inside the trash the item is renamed
// with a timestamp suffix; the recorded original name is unaffected.
func (s *Store) SoftDelete(ctx context.Context, itemType ItemType, id int64) error {
	return s.mutate(ctx, func(tx *gorm.DB) error {
		switch itemType {
		case ItemFolder:
			return s.softDeleteFolderTx(tx, id)
		case ItemBinding:
			return s.softDeleteBindingTx(tx, id)
		default:
			return fmt.Errorf("%w: unknown item type %q", ErrInvalidOperation, itemType)
		}
	})
}

func (s *Store) softDeleteFolderTx(tx *gorm.DB, id int64) error {
	var f Folder
	if err := tx.First(&f, "id = ?", id).Error; err != nil {
		return convertNotFoundError(err)
	}
	if f.ParentID == nil {
		return fmt.Errorf("%w: cannot trash a root folder", ErrInvalidOperation)
	}
	inTrash, err := isDescendant(tx, s.trashID, *f.ParentID)
	if err != nil {
		return err
	}
	if inTrash || *f.ParentID == s.trashID {
		return fmt.Errorf("%w: item is already in trash", ErrInvalidOperation)
	}

	rec := TrashRecord{
		ItemID:       id,
		ItemType:     ItemFolder,
		OrigParentID: *f.ParentID,
		OrigName:     f.Name,
		TrashedAt:    time.Now(),
	}
	if err := tx.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record trash origin: %w", err)
	}

	trashName, err := trashSafeName(tx, s.trashID, f.Name)
	if err != nil {
		return err
	}
	return reparentFolderTx(tx, &f, s.trashID, trashName)
}

func (s *Store) softDeleteBindingTx(tx *gorm.DB, id int64) error {
	var b Binding
	if err := tx.First(&b, "id = ?", id).Error; err != nil {
		return convertNotFoundError(err)
	}
	inTrash, err := isDescendant(tx, s.trashID, b.FolderID)
	if err != nil {
		return err
	}
	if inTrash {
		return fmt.Errorf("%w: item is already in trash", ErrInvalidOperation)
	}

	rec := TrashRecord{
		ItemID:       id,
		ItemType:     ItemBinding,
		OrigParentID: b.FolderID,
		OrigName:     b.Name,
		TrashedAt:    time.Now(),
	}
	if err := tx.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record trash origin: %w", err)
	}

	trashName, err := trashSafeName(tx, s.trashID, b.Name)
	if err != nil {
		return err
	}

	var fc FileContent
	if err := tx.First(&fc, "id = ?", b.ContentID).Error; err != nil {
		return convertNotFoundError(err)
	}
	if err := adjustAncestorSizes(tx, b.FolderID, -fc.Size); err != nil {
		return err
	}
	if err := adjustAncestorSizes(tx, s.trashID, fc.Size); err != nil {
		return err
	}
	return tx.Model(&Binding{}).Where("id = ?", id).
		Updates(map[string]any{
			"folder_id":  s.trashID,
			"name":       trashName,
			"updated_at": time.Now(),
		}).Error
}

// Restore moves a trashed item back to its recorded origin. When the
// original parent no longer exists the item lands in the user root, and a
// name collision at the destination picks the next free " (N)" variant.
func (s *Store) Restore(ctx context.Context, itemType ItemType, id int64) error {
	return s.mutate(ctx, func(tx *gorm.DB) error {
		var rec TrashRecord
		err := tx.Where("item_id = ? AND item_type = ?", id, itemType).First(&rec).Error
		if err != nil {
			return convertNotFoundError(err)
		}

		destID := rec.OrigParentID
		var parent Folder
		if err := tx.First(&parent, "id = ?", destID).Error; errors.Is(err, gorm.ErrRecordNotFound) {
			destID = s.rootID
		} else if err != nil {
			return err
		} else {
			// The original parent may itself have been trashed since.
			gone, err := isDescendant(tx, s.trashID, destID)
			if err != nil {
				return err
			}
			if gone {
				destID = s.rootID
			}
		}

		name, err := availableName(tx, destID, rec.OrigName, itemType == ItemBinding)
		if err != nil {
			return err
		}

		switch itemType {
		case ItemFolder:
			var f Folder
			if err := tx.First(&f, "id = ?", id).Error; err != nil {
				return convertNotFoundError(err)
			}
			if err := reparentFolderTx(tx, &f, destID, name); err != nil {
				return err
			}
		case ItemBinding:
			var b Binding
			if err := tx.First(&b, "id = ?", id).Error; err != nil {
				return convertNotFoundError(err)
			}
			var fc FileContent
			if err := tx.First(&fc, "id = ?", b.ContentID).Error; err != nil {
				return convertNotFoundError(err)
			}
			if err := adjustAncestorSizes(tx, b.FolderID, -fc.Size); err != nil {
				return err
			}
			if err := adjustAncestorSizes(tx, destID, fc.Size); err != nil {
				return err
			}
			if err := tx.Model(&Binding{}).Where("id = ?", id).
				Updates(map[string]any{
					"folder_id":  destID,
					"name":       name,
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown item type %q", ErrInvalidOperation, itemType)
		}

		return tx.Delete(&TrashRecord{}, "item_id = ? AND item_type = ?", id, itemType).Error
	})
}

// ListTrash returns the items currently sitting directly under the trash
// root, newest first.
func (s *Store) ListTrash(ctx context.Context) ([]TrashItem, error) {
	var recs []TrashRecord
	err := s.db.WithContext(ctx).Order("trashed_at DESC").Find(&recs).Error
	if err != nil {
		return nil, err
	}

	items := make([]TrashItem, 0, len(recs))
	for _, rec := range recs {
		item := TrashItem{
			ItemID:    rec.ItemID,
			ItemType:  rec.ItemType,
			OrigName:  rec.OrigName,
			TrashedAt: rec.TrashedAt,
		}
		switch rec.ItemType {
		case ItemFolder:
			var f Folder
			if err := s.db.WithContext(ctx).First(&f, "id = ?", rec.ItemID).Error; err != nil {
				return nil, convertNotFoundError(err)
			}
			item.Name = f.Name
		case ItemBinding:
			var b Binding
			if err := s.db.WithContext(ctx).First(&b, "id = ?", rec.ItemID).Error; err != nil {
				return nil, convertNotFoundError(err)
			}
			item.Name = b.Name
		}
		items = append(items, item)
	}
	return items, nil
}

// ExpiredTrash returns the trashed items older than the retention window.
func (s *Store) ExpiredTrash(ctx context.Context, now time.Time) ([]TrashItem, error) {
	cutoff := now.Add(-TrashRetention)
	var recs []TrashRecord
	err := s.db.WithContext(ctx).
		Where("trashed_at <= ?", cutoff).Order("trashed_at ASC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	items := make([]TrashItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, TrashItem{
			ItemID:    rec.ItemID,
			ItemType:  rec.ItemType,
			OrigName:  rec.OrigName,
			TrashedAt: rec.TrashedAt,
		})
	}
	return items, nil
}

// PurgeItem permanently deletes one trashed item, returning the orphaned
// remote message ids.
func (s *Store) PurgeItem(ctx context.Context, itemType ItemType, id int64) ([]int64, error) {
	var orphaned []int64
	err := s.mutate(ctx, func(tx *gorm.DB) error {
		var err error
		orphaned, err = purgeItemTx(tx, itemType, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

// EmptyTrash permanently deletes every trashed item in a single
// transaction and returns all orphaned remote message ids. The version
// advances once no matter how many items are purged.
func (s *Store) EmptyTrash(ctx context.Context) ([]int64, error) {
	var orphaned []int64
	err := s.mutate(ctx, func(tx *gorm.DB) error {
		var recs []TrashRecord
		if err := tx.Find(&recs).Error; err != nil {
			return err
		}
		for _, rec := range recs {
			msgs, err := purgeItemTx(tx, rec.ItemType, rec.ItemID)
			if err != nil {
				// An item may already be gone when its parent folder was
				// purged earlier in the loop.
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			orphaned = append(orphaned, msgs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func purgeItemTx(tx *gorm.DB, itemType ItemType, id int64) ([]int64, error) {
	switch itemType {
	case ItemFolder:
		return removeFolderTx(tx, id)
	case ItemBinding:
		return removeBindingTx(tx, id)
	default:
		return nil, fmt.Errorf("%w: unknown item type %q", ErrInvalidOperation, itemType)
	}
}

// trashSafeName appends a timestamp suffix only when the plain name is
// already taken inside the trash.
func trashSafeName(tx *gorm.DB, trashID int64, name string) (string, error) {
	taken, err := nameTaken(tx, trashID, name)
	if err != nil {
		return "", err
	}
	if !taken {
		return name, nil
	}
	return fmt.Sprintf("%s.%d", name, time.Now().UnixNano()), nil
}

// availableName returns name, or the first free "name (N)" variant. For
// bindings the extension is preserved: "a.txt" becomes "a (1).txt".
func availableName(tx *gorm.DB, parentID int64, name string, preserveExt bool) (string, error) {
	taken, err := nameTaken(tx, parentID, name)
	if err != nil {
		return "", err
	}
	if !taken {
		return name, nil
	}

	base, ext := name, ""
	if preserveExt {
		ext = filepath.Ext(name)
		base = strings.TrimSuffix(name, ext)
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		taken, err := nameTaken(tx, parentID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}
