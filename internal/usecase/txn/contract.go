package txn

import (
	"context"

	"github.com/kailas-cloud/veckeep/internal/domain"
)

// Validator re-checks store consistency after a mutation and repairs drift.
type Validator interface {
	ValidateFull(ctx context.Context) domain.ConsistencyReport
	Repair(ctx context.Context, report domain.ConsistencyReport) domain.RepairResult
}

// Backups supplies the checkpoint snapshots and their rollback path.
type Backups interface {
	CreateFull() (domain.BackupRecord, error)
	Restore(backupID string) error
	Delete(backupID string) error
}

// MetaStore is the metadata surface the transaction scope needs. Reload
// reopens the database connection after a restore replaces the file on disk.
type MetaStore interface {
	IDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (domain.CollectionRecord, error)
	Delete(ctx context.Context, id string) error
	Reload() error
}

// Engine is the destructive surface of the vector engine. Reload makes the
// engine re-read its registry and drop handles after a restore rewrote its
// files.
type Engine interface {
	Delete(ctx context.Context, id string) error
	Reload(ctx context.Context) error
}

// CleanupQueue receives segment directories that resisted deletion.
type CleanupQueue interface {
	Enqueue(ids []string, ownerID, ownerName string) error
	IsPending(id string) bool
}
