package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine/enginetest"
	"github.com/kailas-cloud/veckeep/internal/repository/meta"
	"github.com/kailas-cloud/veckeep/internal/repository/segment"
	backupuc "github.com/kailas-cloud/veckeep/internal/usecase/backup"
	cleanupuc "github.com/kailas-cloud/veckeep/internal/usecase/cleanup"
	consistencyuc "github.com/kailas-cloud/veckeep/internal/usecase/consistency"
)

// storeFixture wires the transaction manager to the real stores: the SQLite
// metadata store, the filesystem backup service and the segment store, with
// only the engine faked. Rollback rewrites files on disk, so mocks would not
// catch a live adapter serving stale state afterwards.
type storeFixture struct {
	svc  *Service
	eng  *enginetest.Fake
	meta *meta.Store
	segs *segment.Store
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop()

	engineDir := filepath.Join(dir, "engine")
	eng := enginetest.New(engineDir)

	metaDB := filepath.Join(dir, "meta.db")
	store, err := meta.Open(metaDB)
	if err != nil {
		t.Fatalf("open meta store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	segs, err := segment.New(engineDir)
	if err != nil {
		t.Fatalf("open segment store: %v", err)
	}

	consSvc := consistencyuc.New(eng, store, segs, filepath.Join(dir, "quarantine"), 4, nil, log)

	backups, err := backupuc.New(filepath.Join(dir, "backups"), engineDir, metaDB, log)
	if err != nil {
		t.Fatalf("create backup service: %v", err)
	}

	cleanupSvc, err := cleanupuc.New(segs, filepath.Join(dir, "pending_cleanup.json"), 5, 50, log)
	if err != nil {
		t.Fatalf("create cleanup service: %v", err)
	}

	oplog, err := NewOpLog(filepath.Join(dir, "operations.ndjson"))
	if err != nil {
		t.Fatalf("create operation log: %v", err)
	}

	return &storeFixture{
		svc:  New(consSvc, backups, store, eng, cleanupSvc, oplog, log),
		eng:  eng,
		meta: store,
		segs: segs,
	}
}

func (f *storeFixture) seed(t *testing.T, name string) string {
	t.Helper()
	ctx := context.Background()
	id := domain.EncodeCollectionID(name)
	if err := f.eng.Create(ctx, id, 4, nil); err != nil {
		t.Fatalf("engine create: %v", err)
	}
	now := time.Now().UTC()
	err := f.meta.Insert(ctx, domain.CollectionRecord{
		ID: id, DisplayName: name, Dimension: 4, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("meta insert: %v", err)
	}
	return id
}

func TestRollbackRestoresAllThreeStores(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	id := f.seed(t, "docs")

	res := f.svc.Transact(ctx, domain.OpDelete, id, func(ctx context.Context) error {
		if err := f.meta.Delete(ctx, id); err != nil {
			return err
		}
		if err := f.eng.Delete(ctx, id); err != nil {
			return err
		}
		return errors.New("simulated crash mid-delete")
	})

	if res.Success {
		t.Error("result reported success for a failed body")
	}
	if !res.RollbackPerformed || !res.ConsistencyVerified {
		t.Fatalf("result = %+v", res)
	}

	// The pre-operation state must be visible through the live stores, not
	// just present in the files the restore rewrote.
	if _, err := f.meta.Get(ctx, id); err != nil {
		t.Errorf("metadata row gone through live store after rollback: %v", err)
	}
	if _, err := f.eng.Get(ctx, id); err != nil {
		t.Errorf("engine collection gone after rollback: %v", err)
	}
	if !f.segs.Exists(id) {
		t.Error("segment directory gone after rollback")
	}
	if !f.segs.Populated(id) {
		t.Error("segment directory lost its index files in the rollback")
	}
}

func TestDeleteCollectionRollbackKeepsRow(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	id := f.seed(t, "docs")
	other := f.seed(t, "other")

	res := f.svc.Transact(ctx, domain.OpDelete, id, func(ctx context.Context) error {
		// The row goes first, then the operation dies before touching the
		// engine, leaving the forbidden two-of-three state.
		if err := f.meta.Delete(ctx, id); err != nil {
			return err
		}
		return errors.New("operator abort")
	})
	if res.Success || !res.RollbackPerformed {
		t.Fatalf("result = %+v", res)
	}

	for _, want := range []string{id, other} {
		if _, err := f.meta.Get(ctx, want); err != nil {
			t.Errorf("row %s missing through live store after rollback: %v", want, err)
		}
	}
}
