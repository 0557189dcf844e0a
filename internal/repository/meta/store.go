// Package meta is the relational metadata store: one row per collection plus
// a per-collection key/value table, backed by SQLite. It is the single source
// of truth for display-name uniqueness.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/kailas-cloud/veckeep/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	dimension    INTEGER NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	recovered    INTEGER NOT NULL DEFAULT 0,
	quarantined  INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_collections_display_name
	ON collections(display_name) WHERE quarantined = 0;

CREATE TABLE IF NOT EXISTS collection_meta (
	collection_id TEXT NOT NULL,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL,
	PRIMARY KEY (collection_id, key)
);
`

// Store persists collection metadata to SQLite.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the metadata database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent reads during mutations
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path, used by the backup manager.
func (s *Store) Path() string { return s.path }

// Reload closes and reopens the database connection. A restore replaces the
// database file on disk behind the open connection, whose page cache and WAL
// still describe the previous file; every read after that point must go
// through a fresh handle. The schema is not re-applied: a restored snapshot
// keeps whatever shape it was backed up with.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("reload: store is closed")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close stale connection: %w", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("reopen database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Insert stores a new collection row. Returns domain.ErrAlreadyExists when
// the id or the display name is already taken by a non-quarantined row.
func (s *Store) Insert(ctx context.Context, rec domain.CollectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections
			(id, display_name, dimension, provider, recovered, quarantined, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DisplayName, rec.Dimension, rec.Provider,
		boolToInt(rec.Recovered), boolToInt(rec.Quarantined),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert collection %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a collection row by internal id.
func (s *Store) Get(ctx context.Context, id string) (domain.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, dimension, provider, recovered, quarantined, created_at, updated_at
		FROM collections WHERE id = ?`, id)
	return scanCollection(row)
}

// GetByName retrieves the non-quarantined collection row with the given
// display name.
func (s *Store) GetByName(ctx context.Context, displayName string) (domain.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, dimension, provider, recovered, quarantined, created_at, updated_at
		FROM collections WHERE display_name = ? AND quarantined = 0`, displayName)
	return scanCollection(row)
}

// List returns all collection rows ordered by creation time.
func (s *Store) List(ctx context.Context) ([]domain.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, dimension, provider, recovered, quarantined, created_at, updated_at
		FROM collections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []domain.CollectionRecord
	for rows.Next() {
		rec, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IDs returns the set of internal ids recorded in the metadata table,
// excluding quarantined rows. This is the metadata StoreView.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM collections WHERE quarantined = 0`)
	if err != nil {
		return nil, fmt.Errorf("list collection ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a collection row and its key/value metadata.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_meta WHERE collection_id = ?`, id); err != nil {
		return fmt.Errorf("delete collection meta %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// UpdateDisplayName renames a collection row.
func (s *Store) UpdateDisplayName(ctx context.Context, id, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET display_name = ?, updated_at = ? WHERE id = ?`,
		displayName, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("update display name %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetQuarantined marks or unmarks a collection row as quarantined.
// Quarantined rows keep their display name but no longer reserve it.
func (s *Store) SetQuarantined(ctx context.Context, id string, quarantined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET quarantined = ?, updated_at = ? WHERE id = ?`,
		boolToInt(quarantined), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set quarantined %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetMeta upserts one key/value pair for a collection.
func (s *Store) SetMeta(ctx context.Context, collectionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_meta (collection_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(collection_id, key) DO UPDATE SET value = excluded.value`,
		collectionID, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s/%s: %w", collectionID, key, err)
	}
	return nil
}

// MetaAll returns every key/value pair recorded for a collection.
func (s *Store) MetaAll(ctx context.Context, collectionID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM collection_meta WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("get meta %s: %w", collectionID, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// TableNames lists the user tables, used by the migration manager to infer a
// schema version from the table shape.
func (s *Store) TableNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ColumnNames lists the columns of a table, also for shape detection.
func (s *Store) ColumnNames(ctx context.Context, table string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Exec runs one migration statement.
func (s *Store) Exec(ctx context.Context, stmt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec migration statement: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (domain.CollectionRecord, error) {
	var (
		rec                    domain.CollectionRecord
		recovered, quarantined int
		createdAt, updatedAt   string
	)
	err := row.Scan(&rec.ID, &rec.DisplayName, &rec.Dimension, &rec.Provider,
		&recovered, &quarantined, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CollectionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CollectionRecord{}, fmt.Errorf("scan collection: %w", err)
	}

	rec.Recovered = recovered != 0
	rec.Quarantined = quarantined != 0
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.CollectionRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.CollectionRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
