// Package segment inspects and manipulates the on-disk segment directories
// that the embedded engine writes under its data root. It never opens the
// engine itself; it works purely at the filesystem level so that orphaned or
// damaged directories can still be observed and moved.
package segment

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kailas-cloud/veckeep/internal/domain"
)

// collection segment directories carry this id prefix
const idPrefix = "col_"

// Store walks and mutates segment directories under root.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the segment root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the segment directory path for a collection id.
func (s *Store) Dir(id string) string { return filepath.Join(s.root, id) }

// IDs returns the ids of all collection segment directories present on disk.
// Non-directory entries and names without the collection prefix are ignored.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read segment root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), idPrefix) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Exists reports whether a segment directory exists for id.
func (s *Store) Exists(id string) bool {
	info, err := os.Stat(s.Dir(id))
	return err == nil && info.IsDir()
}

// RequiredIndexFiles are the files a segment directory must hold for the
// engine to open it: the manifest pointer and the write-ahead log.
var RequiredIndexFiles = []string{"CURRENT", "wal.log"}

// Populated reports whether a segment directory exists and holds the index
// files the engine needs to open it. Directories missing any of them (empty,
// or holding only stray files) are not reconstructible and get quarantined by
// repair instead of re-registered.
func (s *Store) Populated(id string) bool {
	dir := s.Dir(id)
	for _, name := range RequiredIndexFiles {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// Size returns the total byte size of a segment directory.
func (s *Store) Size(id string) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.Dir(id), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size segment %s: %w", id, err)
	}
	return total, nil
}

// Remove deletes a segment directory. Read-only permission bits are cleared
// first so that directories left behind by a crashed process still come off.
func (s *Store) Remove(id string) error {
	dir := s.Dir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return domain.ErrNotFound
	}

	if err := os.RemoveAll(dir); err == nil {
		return nil
	}

	// Retry once after clearing permissions bottom-up.
	clearErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are handled by the final RemoveAll
		}
		mode := fs.FileMode(0o644)
		if d.IsDir() {
			mode = 0o755
		}
		_ = os.Chmod(path, mode)
		return nil
	})
	if clearErr != nil {
		return fmt.Errorf("clear permissions %s: %w", id, clearErr)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove segment %s: %v", domain.ErrDirectoryLocked, id, err)
	}
	return nil
}

// Quarantine moves a segment directory into quarantineDir instead of deleting
// it, suffixing the name with a timestamp so repeated quarantines of the same
// id never collide.
func (s *Store) Quarantine(id, quarantineDir string) (string, error) {
	src := s.Dir(id)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", domain.ErrNotFound
	}
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	dst := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s", id, time.Now().UTC().Format("20060102T150405")))
	if err := os.Rename(src, dst); err != nil {
		// Cross-device moves fall back to copy and delete.
		if copyErr := CopyDir(src, dst); copyErr != nil {
			return "", fmt.Errorf("quarantine segment %s: %w", id, copyErr)
		}
		if err := s.Remove(id); err != nil {
			return "", fmt.Errorf("remove after quarantine copy %s: %w", id, err)
		}
	}
	return dst, nil
}

// CopyDir recursively copies src into dst, preserving file modes.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
