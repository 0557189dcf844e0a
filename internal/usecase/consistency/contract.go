package consistency

import (
	"context"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// Engine is the registry view of the embedded vector engine.
type Engine interface {
	List(ctx context.Context) ([]engine.CollectionInfo, error)
	Get(ctx context.Context, id string) (engine.CollectionInfo, error)
	Count(ctx context.Context, id string) (int, error)
}

// MetaStore is the metadata-table surface needed by validation and repair.
type MetaStore interface {
	IDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (domain.CollectionRecord, error)
	Insert(ctx context.Context, rec domain.CollectionRecord) error
	Delete(ctx context.Context, id string) error
}

// SegmentStore is the filesystem surface needed by validation and repair.
type SegmentStore interface {
	IDs() ([]string, error)
	Exists(id string) bool
	Populated(id string) bool
	Quarantine(id, quarantineDir string) (string, error)
}
