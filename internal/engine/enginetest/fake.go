// Package enginetest provides an in-memory engine.Engine for tests. It backs
// each collection with a real directory (so filesystem checks see segment
// files) and lets tests mark collections as locked to simulate the engine
// holding file handles during delete.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kailas-cloud/veckeep/internal/engine"
)

// SegmentFiles are the files written into every fake segment directory so
// that directory-shape checks pass.
var SegmentFiles = []string{"CURRENT", "MANIFEST", "wal.log"}

type collection struct {
	dim     int
	meta    map[string]string
	records map[uint64]engine.Record
	nextPK  uint64
}

// Fake is an in-memory engine.Engine.
type Fake struct {
	mu          sync.Mutex
	dir         string
	cols        map[string]*collection
	locked      map[string]bool
	failCount   map[string]error // Count returns this error for the id
	EngineVer   string
	CreateCalls int
	DeleteCalls int
}

var _ engine.Engine = (*Fake)(nil)

// New creates a fake engine rooted at dir (usually t.TempDir()).
func New(dir string) *Fake {
	return &Fake{
		dir:       dir,
		cols:      map[string]*collection{},
		locked:    map[string]bool{},
		failCount: map[string]error{},
		EngineVer: "1.8.2",
	}
}

// SegmentDir returns the directory backing a collection id.
func (f *Fake) SegmentDir(id string) string { return filepath.Join(f.dir, id) }

// Lock marks a collection's segment directory as undeletable.
func (f *Fake) Lock(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[id] = true
}

// Unlock releases a previously locked directory.
func (f *Fake) Unlock(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, id)
}

// FailCount makes Count return err for the given id.
func (f *Fake) FailCount(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCount[id] = err
}

// List returns every registered collection.
func (f *Fake) List(_ context.Context) ([]engine.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.CollectionInfo, 0, len(f.cols))
	for id, c := range f.cols {
		out = append(out, engine.CollectionInfo{ID: id, Dimension: c.dim, Metadata: c.meta})
	}
	return out, nil
}

// Create registers a collection and writes its segment files.
func (f *Fake) Create(_ context.Context, id string, dim int, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if _, ok := f.cols[id]; ok {
		return engine.ErrCollectionExists
	}
	dir := f.SegmentDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range SegmentFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			return err
		}
	}
	f.cols[id] = &collection{dim: dim, meta: meta, records: map[uint64]engine.Record{}, nextPK: 1}
	return nil
}

// Get returns registry info for a collection.
func (f *Fake) Get(_ context.Context, id string) (engine.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cols[id]
	if !ok {
		return engine.CollectionInfo{}, engine.ErrCollectionNotFound
	}
	return engine.CollectionInfo{ID: id, Dimension: c.dim, Metadata: c.meta}, nil
}

// Delete drops the registry entry; a locked directory survives on disk and
// ErrDeleteLocked is returned, matching the production adapter.
func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if _, ok := f.cols[id]; !ok {
		return engine.ErrCollectionNotFound
	}
	delete(f.cols, id)
	if f.locked[id] {
		return fmt.Errorf("%w: %s held by engine", engine.ErrDeleteLocked, id)
	}
	return os.RemoveAll(f.SegmentDir(id))
}

// Count returns the number of records, or the configured failure.
func (f *Fake) Count(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failCount[id]; ok {
		return 0, err
	}
	c, ok := f.cols[id]
	if !ok {
		return 0, engine.ErrCollectionNotFound
	}
	return len(c.records), nil
}

// FetchAll reads every record of a collection.
func (f *Fake) FetchAll(_ context.Context, id string) ([]engine.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cols[id]
	if !ok {
		return nil, engine.ErrCollectionNotFound
	}
	out := make([]engine.Record, 0, len(c.records))
	for pk := uint64(1); pk < c.nextPK; pk++ {
		if rec, ok := c.records[pk]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PutAll writes records into a collection.
func (f *Fake) PutAll(_ context.Context, id string, recs []engine.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cols[id]
	if !ok {
		return engine.ErrCollectionNotFound
	}
	for _, rec := range recs {
		if rec.PK == 0 {
			rec.PK = c.nextPK
		}
		if rec.PK >= c.nextPK {
			c.nextPK = rec.PK + 1
		}
		c.records[rec.PK] = rec
	}
	return nil
}

// Reload rebuilds the registry from the directories on disk, the way the
// production adapter re-reads its registry file after a restore. Collections
// whose directories vanished are dropped; directories with no registry entry
// are registered with empty records, since the placeholder segment files do
// not carry them.
func (f *Fake) Reload(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	cols := map[string]*collection{}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "col_") {
			continue
		}
		if c, ok := f.cols[e.Name()]; ok {
			cols[e.Name()] = c
			continue
		}
		cols[e.Name()] = &collection{dim: 4, records: map[uint64]engine.Record{}, nextPK: 1}
	}
	f.cols = cols
	return nil
}

// Version reports the fake engine version.
func (f *Fake) Version() string { return f.EngineVer }

// Close is a no-op.
func (f *Fake) Close() error { return nil }
