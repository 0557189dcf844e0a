// Package engine defines the contract with the embedded vector engine. The
// rest of veckeep treats the engine as opaque: it lists, creates, gets and
// deletes collections, reads and writes per-collection records, and nothing
// else. The vecgo subpackage is the production implementation; enginetest
// provides an in-memory fake for tests.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrCollectionNotFound signals a missing engine collection.
	ErrCollectionNotFound = errors.New("engine: collection not found")
	// ErrCollectionExists signals a duplicate engine collection id.
	ErrCollectionExists = errors.New("engine: collection already exists")
	// ErrDeleteLocked signals that the engine removed the collection from its
	// registry but could not release the segment directory. The caller is
	// expected to defer directory cleanup.
	ErrDeleteLocked = errors.New("engine: segment directory still locked")
)

// Record is one vector record inside a collection.
type Record struct {
	PK       uint64
	Vector   []float32
	Metadata map[string]any
	Payload  []byte
}

// CollectionInfo describes one live collection in the engine registry.
type CollectionInfo struct {
	ID        string
	Dimension int
	Metadata  map[string]string
}

// Engine is the opaque vector-engine dependency.
type Engine interface {
	// List returns every collection in the live registry.
	List(ctx context.Context) ([]CollectionInfo, error)
	// Create registers a new collection. ErrCollectionExists on duplicate id.
	Create(ctx context.Context, id string, dim int, meta map[string]string) error
	// Get returns registry info for id. ErrCollectionNotFound when absent.
	Get(ctx context.Context, id string) (CollectionInfo, error)
	// Delete removes a collection. May return ErrDeleteLocked when the
	// registry entry is gone but the segment directory resisted removal.
	Delete(ctx context.Context, id string) error
	// Count returns the number of live records in a collection. It doubles as
	// the lightweight readability check used by integrity validation.
	Count(ctx context.Context, id string) (int, error)
	// FetchAll reads every live record of a collection.
	FetchAll(ctx context.Context, id string) ([]Record, error)
	// PutAll writes records into a collection.
	PutAll(ctx context.Context, id string, recs []Record) error
	// Reload drops cached registry state and handles and re-reads them from
	// disk. Called after a restore rewrites the engine files behind the
	// running process.
	Reload(ctx context.Context) error
	// Version reports the engine implementation version.
	Version() string
	// Close releases every open collection.
	Close() error
}
