package rename

import (
	"context"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// Engine is the vector-engine surface the rename worker drives.
type Engine interface {
	Create(ctx context.Context, id string, dim int, meta map[string]string) error
	Get(ctx context.Context, id string) (engine.CollectionInfo, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, id string) (int, error)
	FetchAll(ctx context.Context, id string) ([]engine.Record, error)
	PutAll(ctx context.Context, id string, recs []engine.Record) error
}

// MetaStore is the metadata surface the rename worker mutates.
type MetaStore interface {
	Get(ctx context.Context, id string) (domain.CollectionRecord, error)
	GetByName(ctx context.Context, displayName string) (domain.CollectionRecord, error)
	Insert(ctx context.Context, rec domain.CollectionRecord) error
	Delete(ctx context.Context, id string) error
	MetaAll(ctx context.Context, id string) (map[string]string, error)
	SetMeta(ctx context.Context, id, key, value string) error
}

// SegmentStore observes leftover source directories after the engine delete.
type SegmentStore interface {
	Exists(id string) bool
}

// CleanupQueue takes over directories the worker could not remove.
type CleanupQueue interface {
	Enqueue(ids []string, ownerID, ownerName string) error
}
