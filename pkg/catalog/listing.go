package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// EntryKind discriminates listing rows.
type EntryKind string

const (
	EntryFolder EntryKind = "folder"
	EntryFile   EntryKind = "file"
)

// Entry is one row of a folder listing: either a subfolder or a file
// binding, with the fields a UI needs to render it.
type Entry struct {
	Kind      EntryKind `json:"kind"`
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash,omitempty"`
	ContentID int64     `json:"content_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecursiveEntry extends Entry with the path relative to the listing root,
// using forward slashes.
type RecursiveEntry struct {
	Entry
	RelPath string `json:"rel_path"`
}

// ListFolder returns the direct children of a folder, subfolders first,
// each group sorted by name.
func (s *Store) ListFolder(ctx context.Context, folderID int64) ([]Entry, error) {
	if _, err := s.GetFolder(ctx, folderID); err != nil {
		return nil, err
	}

	var folders []Folder
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", folderID).Order("name ASC").Find(&folders).Error
	if err != nil {
		return nil, err
	}

	var bindings []Binding
	err = s.db.WithContext(ctx).
		Where("folder_id = ?", folderID).Order("name ASC").Find(&bindings).Error
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(folders)+len(bindings))
	for _, f := range folders {
		entries = append(entries, Entry{
			Kind:      EntryFolder,
			ID:        f.ID,
			Name:      f.Name,
			Size:      f.TotalSize,
			UpdatedAt: f.UpdatedAt,
		})
	}
	for _, b := range bindings {
		fc, err := s.GetContent(ctx, b.ContentID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Kind:      EntryFile,
			ID:        b.ID,
			Name:      b.Name,
			Size:      fc.Size,
			Hash:      fc.Hash,
			ContentID: fc.ID,
			UpdatedAt: b.UpdatedAt,
		})
	}
	return entries, nil
}

// ListRecursive walks the subtree under folderID and returns every entry
// with its relative path. The root folder itself is not included. The
// walk keeps an explicit stack so tree depth never touches the call
// stack.
func (s *Store) ListRecursive(ctx context.Context, folderID int64) ([]RecursiveEntry, error) {
	type frame struct {
		id     int64
		prefix string
	}

	var out []RecursiveEntry
	stack := []frame{{id: folderID}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := s.ListFolder(ctx, f.id)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			rel := e.Name
			if f.prefix != "" {
				rel = f.prefix + "/" + e.Name
			}
			out = append(out, RecursiveEntry{Entry: e, RelPath: rel})
			if e.Kind == EntryFolder {
				stack = append(stack, frame{id: e.ID, prefix: rel})
			}
		}
	}
	return out, nil
}

// ResolveFolder walks a slash-separated path from the user root and
// returns the folder id it names. "/" and "" name the root itself.
func (s *Store) ResolveFolder(ctx context.Context, p string) (int64, error) {
	id := s.rootID
	for _, part := range splitPath(p) {
		f, err := s.FindFolder(ctx, id, part)
		if err != nil {
			return 0, fmt.Errorf("folder %q: %w", part, err)
		}
		id = f.ID
	}
	return id, nil
}

// ResolveBinding walks a slash-separated path from the user root to a file
// binding.
func (s *Store) ResolveBinding(ctx context.Context, p string) (*Binding, error) {
	dir, name := path.Split(strings.Trim(p, "/"))
	if name == "" {
		return nil, ErrInvalidName
	}
	folderID, err := s.ResolveFolder(ctx, dir)
	if err != nil {
		return nil, err
	}
	return s.FindBinding(ctx, folderID, name)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
