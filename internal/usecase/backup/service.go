// Package backup creates, restores, and prunes backups of the engine data
// directory and the metadata database. Full backups are plain directory
// snapshots; single-collection backups are tar.gz archives of one segment
// directory. Every backup is tracked in a JSON index at the backup root.
package backup

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/repository/segment"
)

const indexFile = "backup_index.json"

// Service owns the backup root directory and its index.
type Service struct {
	mu        sync.Mutex
	root      string
	engineDir string
	metaDB    string
	log       *zap.Logger
}

// New creates a backup service. root is created if missing; an existing
// index file is loaded lazily on first use.
func New(root, engineDir, metaDB string, log *zap.Logger) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &Service{root: root, engineDir: engineDir, metaDB: metaDB, log: log}, nil
}

// CreateFull snapshots the whole engine directory plus the metadata database
// into a new backup subdirectory and records it as the last full backup.
func (s *Service) CreateFull() (domain.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newBackupID(domain.BackupFull)
	dir := filepath.Join(s.root, id)

	if err := segment.CopyDir(s.engineDir, filepath.Join(dir, "engine")); err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, fmt.Errorf("snapshot engine dir: %w", err)
	}
	if err := s.copyMetaDB(dir); err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, fmt.Errorf("snapshot metadata db: %w", err)
	}

	size, err := dirSize(dir)
	if err != nil {
		size = 0
	}
	rec := domain.BackupRecord{
		ID:        id,
		Type:      domain.BackupFull,
		CreatedAt: time.Now().UTC(),
		Path:      dir,
		SizeBytes: size,
	}

	idx, err := s.loadIndex()
	if err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, err
	}
	idx.Backups = append(idx.Backups, rec)
	idx.LastFullBackup = id
	if err := s.saveIndex(idx); err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, err
	}

	s.log.Info("full backup created", zap.String("backup_id", id), zap.Int64("size_bytes", size))
	return rec, nil
}

// CreateCollection archives one segment directory as a tar.gz.
func (s *Service) CreateCollection(collectionID string) (domain.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := filepath.Join(s.engineDir, collectionID)
	if _, err := os.Stat(src); err != nil {
		return domain.BackupRecord{}, fmt.Errorf("segment dir for %s: %w", collectionID, domain.ErrNotFound)
	}

	id := newBackupID(domain.BackupCollection)
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.BackupRecord{}, fmt.Errorf("create backup dir: %w", err)
	}
	archive := filepath.Join(dir, collectionID+".tar.gz")
	if err := tarGzDir(src, collectionID, archive); err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, fmt.Errorf("archive segment dir: %w", err)
	}

	info, err := os.Stat(archive)
	var size int64
	if err == nil {
		size = info.Size()
	}
	rec := domain.BackupRecord{
		ID:           id,
		Type:         domain.BackupCollection,
		CollectionID: collectionID,
		CreatedAt:    time.Now().UTC(),
		Path:         archive,
		SizeBytes:    size,
	}

	idx, err := s.loadIndex()
	if err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, err
	}
	idx.Backups = append(idx.Backups, rec)
	if err := s.saveIndex(idx); err != nil {
		os.RemoveAll(dir)
		return domain.BackupRecord{}, err
	}

	s.log.Info("collection backup created",
		zap.String("backup_id", id), zap.String("collection_id", collectionID))
	return rec, nil
}

// Restore puts the data captured by a backup back in place. A full backup
// replaces the engine directory and the metadata database wholesale; callers
// must hold the engine closed or quiescent for the duration. A collection
// backup re-extracts one segment directory.
func (s *Service) Restore(backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	rec, ok := findRecord(idx, backupID)
	if !ok {
		return fmt.Errorf("backup %s: %w", backupID, domain.ErrBackupNotFound)
	}

	switch rec.Type {
	case domain.BackupFull:
		return s.restoreFull(rec)
	case domain.BackupCollection:
		return s.restoreCollection(rec)
	default:
		return fmt.Errorf("backup %s has unknown type %q", backupID, rec.Type)
	}
}

func (s *Service) restoreFull(rec domain.BackupRecord) error {
	engineSrc := filepath.Join(rec.Path, "engine")
	if _, err := os.Stat(engineSrc); err != nil {
		return fmt.Errorf("backup %s payload missing: %w", rec.ID, err)
	}

	if err := os.RemoveAll(s.engineDir); err != nil {
		return fmt.Errorf("clear engine dir: %w", err)
	}
	if err := segment.CopyDir(engineSrc, s.engineDir); err != nil {
		return fmt.Errorf("restore engine dir: %w", err)
	}

	metaSrc := filepath.Join(rec.Path, filepath.Base(s.metaDB))
	if _, err := os.Stat(metaSrc); err == nil {
		// Stale WAL sidecars would shadow the restored database file.
		os.Remove(s.metaDB + "-wal")
		os.Remove(s.metaDB + "-shm")
		if err := copyFile(metaSrc, s.metaDB); err != nil {
			return fmt.Errorf("restore metadata db: %w", err)
		}
		// Sidecars captured with the snapshot carry pages committed but not
		// yet checkpointed into the main file; they come back too.
		for _, suffix := range []string{"-wal", "-shm"} {
			src := metaSrc + suffix
			if _, err := os.Stat(src); err == nil {
				if err := copyFile(src, s.metaDB+suffix); err != nil {
					return fmt.Errorf("restore metadata db sidecar: %w", err)
				}
			}
		}
	}
	s.log.Info("full backup restored", zap.String("backup_id", rec.ID))
	return nil
}

func (s *Service) restoreCollection(rec domain.BackupRecord) error {
	dst := filepath.Join(s.engineDir, rec.CollectionID)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear segment dir: %w", err)
	}
	if err := untarGz(rec.Path, s.engineDir); err != nil {
		return fmt.Errorf("extract collection backup: %w", err)
	}
	s.log.Info("collection backup restored",
		zap.String("backup_id", rec.ID), zap.String("collection_id", rec.CollectionID))
	return nil
}

// List returns every recorded backup, newest first.
func (s *Service) List() ([]domain.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	out := make([]domain.BackupRecord, len(idx.Backups))
	copy(out, idx.Backups)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get returns one backup record by id.
func (s *Service) Get(backupID string) (domain.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return domain.BackupRecord{}, err
	}
	rec, ok := findRecord(idx, backupID)
	if !ok {
		return domain.BackupRecord{}, fmt.Errorf("backup %s: %w", backupID, domain.ErrBackupNotFound)
	}
	return rec, nil
}

// Delete removes one backup and its files from the index.
func (s *Service) Delete(backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	rec, ok := findRecord(idx, backupID)
	if !ok {
		return fmt.Errorf("backup %s: %w", backupID, domain.ErrBackupNotFound)
	}
	if err := s.removeBackupFiles(rec); err != nil {
		return err
	}

	kept := idx.Backups[:0]
	for _, b := range idx.Backups {
		if b.ID != backupID {
			kept = append(kept, b)
		}
	}
	idx.Backups = kept
	if idx.LastFullBackup == backupID {
		idx.LastFullBackup = latestFullID(idx.Backups)
	}
	return s.saveIndex(idx)
}

// CleanupOld prunes backups older than policy.KeepDays, keeping at least the
// policy.KeepCount most recent and always the most recent full backup.
// Returns the ids of the removed backups.
func (s *Service) CleanupOld(policy domain.RetentionPolicy) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	sorted := make([]domain.BackupRecord, len(idx.Backups))
	copy(sorted, idx.Backups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	cutoff := time.Now().UTC().AddDate(0, 0, -policy.KeepDays)
	lastFull := latestFullID(sorted)

	var removed []string
	keep := map[string]bool{}
	for rank, rec := range sorted {
		switch {
		case rec.ID == lastFull:
			keep[rec.ID] = true
		case rank < policy.KeepCount:
			keep[rec.ID] = true
		case rec.CreatedAt.After(cutoff):
			keep[rec.ID] = true
		}
	}

	kept := idx.Backups[:0]
	for _, rec := range idx.Backups {
		if keep[rec.ID] {
			kept = append(kept, rec)
			continue
		}
		if err := s.removeBackupFiles(rec); err != nil {
			s.log.Warn("failed to remove expired backup files",
				zap.String("backup_id", rec.ID), zap.Error(err))
			kept = append(kept, rec)
			continue
		}
		removed = append(removed, rec.ID)
	}
	idx.Backups = kept
	if err := s.saveIndex(idx); err != nil {
		return removed, err
	}

	if len(removed) > 0 {
		s.log.Info("pruned expired backups", zap.Int("removed", len(removed)))
	}
	return removed, nil
}

func (s *Service) removeBackupFiles(rec domain.BackupRecord) error {
	// Collection archives live inside their backup-id directory.
	path := rec.Path
	if rec.Type == domain.BackupCollection {
		path = filepath.Dir(rec.Path)
	}
	if !strings.HasPrefix(path, s.root) {
		return fmt.Errorf("backup path %s escapes backup root", path)
	}
	return os.RemoveAll(path)
}

func (s *Service) copyMetaDB(dir string) error {
	if _, err := os.Stat(s.metaDB); os.IsNotExist(err) {
		return nil
	}
	if err := copyFile(s.metaDB, filepath.Join(dir, filepath.Base(s.metaDB))); err != nil {
		return err
	}
	// WAL sidecars carry unflushed pages.
	for _, suffix := range []string{"-wal", "-shm"} {
		src := s.metaDB + suffix
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) loadIndex() (domain.BackupIndex, error) {
	var idx domain.BackupIndex
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return idx, fmt.Errorf("read backup index: %w", err)
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("parse backup index: %w", err)
	}
	return idx, nil
}

func (s *Service) saveIndex(idx domain.BackupIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup index: %w", err)
	}
	tmp := filepath.Join(s.root, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write backup index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.root, indexFile))
}

func findRecord(idx domain.BackupIndex, id string) (domain.BackupRecord, bool) {
	for _, rec := range idx.Backups {
		if rec.ID == id {
			return rec, true
		}
	}
	return domain.BackupRecord{}, false
}

func latestFullID(backups []domain.BackupRecord) string {
	var best domain.BackupRecord
	for _, rec := range backups {
		if rec.Type == domain.BackupFull && rec.CreatedAt.After(best.CreatedAt) {
			best = rec
		}
	}
	return best.ID
}

func newBackupID(t domain.BackupType) string {
	kind := "full"
	if t == domain.BackupCollection {
		kind = "col"
	}
	return fmt.Sprintf("backup_%s_%s_%s",
		kind, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
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
	return total, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// tarGzDir archives dir under the archive-internal prefix name.
func tarGzDir(dir, name, archive string) error {
	out, err := os.Create(archive)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(name, rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func untarGz(archive, destRoot string) error {
	in, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destRoot, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destRoot)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded by backup content we wrote
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
