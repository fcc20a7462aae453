package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marmos91/chatvault/internal/logger"
)

// Store is the SQLite-backed catalogue. A single Store owns the database
// file; all mutators run inside transactions that advance the version
// counter exactly once, so any two observed versions differ iff the
// catalogue content differs.
type Store struct {
	db   *gorm.DB
	path string

	rootID  int64
	trashID int64
}

// Open opens (creating if needed) the catalogue database at path, runs
// migrations, and bootstraps the root and trash folders plus version 0.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalogue database: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate catalogue schema: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}

	logger.Debug("catalogue opened",
		logger.KeyPath, path,
		logger.KeyFolderID, s.rootID,
		"trash_id", s.trashID)
	return s, nil
}

// bootstrap creates the two root folders and the version row when absent.
// Idempotent: reopening an existing database changes nothing and does not
// bump the version.
func (s *Store) bootstrap() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var ver MetaVersion
		err := tx.First(&ver, "id = ?", 1).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&MetaVersion{ID: 1, Version: 0}).Error; err != nil {
				return fmt.Errorf("failed to initialize version counter: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to read version counter: %w", err)
		}

		for _, name := range []string{RootFolderName, TrashFolderName} {
			var f Folder
			err := tx.Where("parent_id IS NULL AND name = ?", name).First(&f).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				f = Folder{Name: name, UpdatedAt: time.Now()}
				if err := tx.Create(&f).Error; err != nil {
					return fmt.Errorf("failed to create root folder %q: %w", name, err)
				}
			} else if err != nil {
				return fmt.Errorf("failed to look up root folder %q: %w", name, err)
			}
			switch name {
			case RootFolderName:
				s.rootID = f.ID
			case TrashFolderName:
				s.trashID = f.ID
			}
		}
		return nil
	})
}

// Close closes the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Path returns the database file path, used by the snapshot uploader.
func (s *Store) Path() string { return s.path }

// RootID returns the id of the user root folder.
func (s *Store) RootID() int64 { return s.rootID }

// TrashID returns the id of the trash root folder.
func (s *Store) TrashID() int64 { return s.trashID }

// Snapshot writes a consistent copy of the database to destPath using
// VACUUM INTO, which is safe against concurrent writers in WAL mode.
func (s *Store) Snapshot(ctx context.Context, destPath string) error {
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear snapshot target: %w", err)
	}
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", destPath).Error; err != nil {
		return fmt.Errorf("failed to snapshot catalogue: %w", err)
	}
	return nil
}

// ReplaceFrom swaps the catalogue's contents for those of the database
// file at srcPath in one transaction over the live connection, so open
// handles stay valid. Used when a newer remote snapshot supersedes the
// local database. Root and trash ids are reloaded afterwards.
func (s *Store) ReplaceFrom(ctx context.Context, srcPath string) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ATTACH cannot run inside a transaction, so it brackets one.
	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS incoming", srcPath); err != nil {
		return fmt.Errorf("failed to attach snapshot: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "DETACH DATABASE incoming")
	}()

	// Children first on delete, parents first on copy.
	tables := []string{"chunks", "bindings", "trash_records", "file_contents", "folders", "meta_version"}

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	rollback := func(cause error) error {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return cause
	}
	for _, t := range tables {
		if _, err := conn.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return rollback(fmt.Errorf("failed to clear %s: %w", t, err))
		}
	}
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM incoming.%s", t, t)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return rollback(fmt.Errorf("failed to copy %s: %w", t, err))
		}
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return rollback(err)
	}

	return s.bootstrap()
}

// Version returns the current catalogue version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var ver MetaVersion
	if err := s.db.WithContext(ctx).First(&ver, "id = ?", 1).Error; err != nil {
		return 0, fmt.Errorf("failed to read catalogue version: %w", err)
	}
	return ver.Version, nil
}

// mutate runs fn inside a transaction and bumps the version counter iff fn
// succeeds. Every public mutator funnels through here so the "exactly one
// bump per mutation" invariant lives in one place.
func (s *Store) mutate(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return bumpVersion(tx)
	})
}

func bumpVersion(tx *gorm.DB) error {
	res := tx.Model(&MetaVersion{}).Where("id = ?", 1).
		UpdateColumn("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to advance catalogue version: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return errors.New("version counter row missing")
	}
	return nil
}

// isUniqueConstraintError detects SQLite unique-index violations across the
// driver's error shapes.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// convertNotFoundError maps gorm.ErrRecordNotFound to the domain error.
func convertNotFoundError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// adjustAncestorSizes adds delta to TotalSize of folderID and every
// ancestor. Walks parent pointers iteratively inside the caller's
// transaction.
func adjustAncestorSizes(tx *gorm.DB, folderID int64, delta int64) error {
	if delta == 0 {
		return nil
	}
	id := &folderID
	for id != nil {
		var f Folder
		if err := tx.First(&f, "id = ?", *id).Error; err != nil {
			return convertNotFoundError(err)
		}
		if err := tx.Model(&Folder{}).Where("id = ?", f.ID).
			UpdateColumn("total_size", gorm.Expr("total_size + ?", delta)).Error; err != nil {
			return fmt.Errorf("failed to update folder size: %w", err)
		}
		id = f.ParentID
	}
	return nil
}

// isDescendant reports whether candidate is folderID itself or lies below
// it. Used for cycle checks on moves.
func isDescendant(tx *gorm.DB, folderID, candidate int64) (bool, error) {
	id := &candidate
	for id != nil {
		if *id == folderID {
			return true, nil
		}
		var f Folder
		if err := tx.First(&f, "id = ?", *id).Error; err != nil {
			return false, convertNotFoundError(err)
		}
		id = f.ParentID
	}
	return false, nil
}

// nameTaken reports whether any folder or binding named name already exists
// under parentID. Folders and bindings share one namespace per folder.
func nameTaken(tx *gorm.DB, parentID int64, name string) (bool, error) {
	var n int64
	if err := tx.Model(&Folder{}).
		Where("parent_id = ? AND name = ?", parentID, name).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := tx.Model(&Binding{}).
		Where("folder_id = ? AND name = ?", parentID, name).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
