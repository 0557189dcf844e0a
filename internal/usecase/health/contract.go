package health

import (
	"context"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// DBPinger checks metadata database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// EngineChecker checks that the engine registry is readable.
type EngineChecker interface {
	List(ctx context.Context) ([]engine.CollectionInfo, error)
}

// CleanupBacklog reports directories still waiting for deferred deletion.
type CleanupBacklog interface {
	Pending() ([]domain.PendingCleanupEntry, error)
}
