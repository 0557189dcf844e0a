package migrate

import (
	"context"

	"github.com/kailas-cloud/veckeep/internal/domain"
)

// MetaStore is the schema-introspection and DDL surface of the metadata
// database.
type MetaStore interface {
	TableNames(ctx context.Context) ([]string, error)
	ColumnNames(ctx context.Context, table string) ([]string, error)
	Exec(ctx context.Context, stmt string) error
	Reload() error
}

// Backups takes the pre-migration snapshot and restores it on rollback.
type Backups interface {
	CreateFull() (domain.BackupRecord, error)
	Restore(backupID string) error
}
