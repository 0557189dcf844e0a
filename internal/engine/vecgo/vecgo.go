// Package vecgo adapts the vecgo embedded vector engine to the veckeep engine
// contract. Each collection owns one vecgo engine instance rooted at its
// segment directory under the engine data dir; the live registry is a JSON
// file next to the directories.
package vecgo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/vecgo/distance"
	vge "github.com/hupe1980/vecgo/engine"
	"github.com/hupe1980/vecgo/model"
	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/engine"
)

const (
	registryFileName = "registry.json"

	// engineVersion is the vecgo release this adapter is built against,
	// reported to the migration manager.
	engineVersion = "1.8.2"
)

type registryEntry struct {
	Dimension int               `json:"dimension"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	NextPK    uint64            `json:"next_pk"`
}

type registryFile struct {
	Collections map[string]*registryEntry `json:"collections"`
}

// Store implements engine.Engine on top of vecgo.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger

	registry registryFile
	open     map[string]*vge.Engine
}

var _ engine.Engine = (*Store)(nil)

// Open loads (or initializes) the engine registry rooted at dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create engine dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		logger:   logger,
		registry: registryFile{Collections: map[string]*registryEntry{}},
		open:     map[string]*vge.Engine{},
	}

	data, err := os.ReadFile(s.registryPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run
	case err != nil:
		return nil, fmt.Errorf("read engine registry: %w", err)
	default:
		if err := json.Unmarshal(data, &s.registry); err != nil {
			return nil, fmt.Errorf("parse engine registry: %w", err)
		}
		if s.registry.Collections == nil {
			s.registry.Collections = map[string]*registryEntry{}
		}
	}

	return s, nil
}

func (s *Store) registryPath() string {
	return filepath.Join(s.dir, registryFileName)
}

// SegmentDir returns the on-disk segment directory for a collection id.
func (s *Store) SegmentDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) saveRegistryLocked() error {
	data, err := json.MarshalIndent(s.registry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal engine registry: %w", err)
	}
	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write engine registry: %w", err)
	}
	if err := os.Rename(tmp, s.registryPath()); err != nil {
		return fmt.Errorf("replace engine registry: %w", err)
	}
	return nil
}

func (s *Store) engineLocked(id string) (*vge.Engine, *registryEntry, error) {
	entry, ok := s.registry.Collections[id]
	if !ok {
		return nil, nil, engine.ErrCollectionNotFound
	}
	if e, ok := s.open[id]; ok {
		return e, entry, nil
	}
	e, err := vge.Open(s.SegmentDir(id), entry.Dimension, distance.MetricL2)
	if err != nil {
		return nil, nil, fmt.Errorf("open collection %s: %w", id, err)
	}
	s.open[id] = e
	return e, entry, nil
}

// List returns every collection in the live registry.
func (s *Store) List(_ context.Context) ([]engine.CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]engine.CollectionInfo, 0, len(s.registry.Collections))
	for id, entry := range s.registry.Collections {
		out = append(out, engine.CollectionInfo{
			ID:        id,
			Dimension: entry.Dimension,
			Metadata:  entry.Metadata,
		})
	}
	return out, nil
}

// Create registers a new collection and opens its segment directory.
func (s *Store) Create(_ context.Context, id string, dim int, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Collections[id]; ok {
		return engine.ErrCollectionExists
	}

	e, err := vge.Open(s.SegmentDir(id), dim, distance.MetricL2)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", id, err)
	}

	s.registry.Collections[id] = &registryEntry{Dimension: dim, Metadata: meta, NextPK: 1}
	s.open[id] = e

	if err := s.saveRegistryLocked(); err != nil {
		delete(s.registry.Collections, id)
		delete(s.open, id)
		closeErr := e.Close()
		return errors.Join(err, closeErr)
	}
	return nil
}

// Get returns registry info for a collection.
func (s *Store) Get(_ context.Context, id string) (engine.CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.registry.Collections[id]
	if !ok {
		return engine.CollectionInfo{}, engine.ErrCollectionNotFound
	}
	return engine.CollectionInfo{ID: id, Dimension: entry.Dimension, Metadata: entry.Metadata}, nil
}

// Delete removes the collection from the registry and attempts to remove its
// segment directory. When the directory resists removal (open handles, locked
// files) the registry entry is still gone and ErrDeleteLocked is returned so
// the caller can defer directory cleanup.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Collections[id]; !ok {
		return engine.ErrCollectionNotFound
	}

	if e, ok := s.open[id]; ok {
		if err := e.Close(); err != nil {
			s.logger.Warn("close collection before delete",
				zap.String("collection_id", id), zap.Error(err))
		}
		delete(s.open, id)
	}

	delete(s.registry.Collections, id)
	if err := s.saveRegistryLocked(); err != nil {
		return err
	}

	if err := os.RemoveAll(s.SegmentDir(id)); err != nil {
		return fmt.Errorf("%w: %s", engine.ErrDeleteLocked, err)
	}
	return nil
}

// Count returns the number of live records in a collection.
func (s *Store) Count(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _, err := s.engineLocked(id)
	if err != nil {
		return 0, err
	}
	return e.Stats().RowCount, nil
}

// FetchAll reads every live record of a collection. Primary keys are dense
// and engine-assigned, so a bounded key sweep enumerates the collection;
// deleted keys report not-found and are skipped.
func (s *Store) FetchAll(_ context.Context, id string) ([]engine.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, entry, err := s.engineLocked(id)
	if err != nil {
		return nil, err
	}

	var out []engine.Record
	for pk := uint64(1); pk < entry.NextPK; pk++ {
		rec, err := e.Get(model.PrimaryKey(pk))
		if errors.Is(err, vge.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get record %d: %w", pk, err)
		}
		out = append(out, engine.Record{
			PK:       uint64(rec.PK),
			Vector:   rec.Vector,
			Metadata: rec.Metadata,
			Payload:  rec.Payload,
		})
	}
	return out, nil
}

// PutAll writes records into a collection and flushes the memtable so the
// data reaches the segment directory.
func (s *Store) PutAll(_ context.Context, id string, recs []engine.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, entry, err := s.engineLocked(id)
	if err != nil {
		return err
	}

	batch := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		pk := rec.PK
		if pk == 0 {
			pk = entry.NextPK
			entry.NextPK++
		} else if pk >= entry.NextPK {
			entry.NextPK = pk + 1
		}
		batch = append(batch, model.Record{
			PK:       model.PrimaryKey(pk),
			Vector:   rec.Vector,
			Metadata: rec.Metadata,
			Payload:  rec.Payload,
		})
	}

	if err := e.BatchInsert(batch); err != nil {
		return fmt.Errorf("batch insert: %w", err)
	}
	if err := e.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return s.saveRegistryLocked()
}

// Reload drops every open engine handle and re-reads the registry file. A
// restore rewrites registry.json and the segment directories on disk behind
// the in-memory registry map and open handles; without this re-read the next
// registry save would persist the stale map back over the restored file.
func (s *Store) Reload(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.open {
		if err := e.Close(); err != nil {
			s.logger.Warn("close collection during reload",
				zap.String("collection_id", id), zap.Error(err))
		}
		delete(s.open, id)
	}

	s.registry = registryFile{Collections: map[string]*registryEntry{}}
	data, err := os.ReadFile(s.registryPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("read engine registry: %w", err)
	}
	if err := json.Unmarshal(data, &s.registry); err != nil {
		return fmt.Errorf("parse engine registry: %w", err)
	}
	if s.registry.Collections == nil {
		s.registry.Collections = map[string]*registryEntry{}
	}
	return nil
}

// Version reports the vecgo release the adapter is built against.
func (s *Store) Version() string { return engineVersion }

// Close releases every open collection engine.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, e := range s.open {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.open, id)
	}
	return errors.Join(errs...)
}
