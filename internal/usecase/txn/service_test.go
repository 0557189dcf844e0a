package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// --- Mocks ---

type mockValidator struct {
	reports  []domain.ConsistencyReport // consumed in order by ValidateFull
	repaired int
}

func (m *mockValidator) ValidateFull(_ context.Context) domain.ConsistencyReport {
	if len(m.reports) == 0 {
		return domain.ConsistencyReport{Status: domain.StatusConsistent}
	}
	r := m.reports[0]
	m.reports = m.reports[1:]
	return r
}

func (m *mockValidator) Repair(_ context.Context, _ domain.ConsistencyReport) domain.RepairResult {
	m.repaired++
	return domain.RepairResult{Summary: "repaired"}
}

type mockBackups struct {
	created    int
	restored   []string
	deleted    []string
	createErr  error
	restoreErr error
}

func (m *mockBackups) CreateFull() (domain.BackupRecord, error) {
	if m.createErr != nil {
		return domain.BackupRecord{}, m.createErr
	}
	m.created++
	return domain.BackupRecord{ID: "backup_1", Type: domain.BackupFull}, nil
}

func (m *mockBackups) Restore(id string) error {
	if m.restoreErr != nil {
		return m.restoreErr
	}
	m.restored = append(m.restored, id)
	return nil
}

func (m *mockBackups) Delete(id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockMeta struct {
	rows      map[string]domain.CollectionRecord
	deleted   []string
	reloaded  int
	reloadErr error
}

func (m *mockMeta) Reload() error {
	if m.reloadErr != nil {
		return m.reloadErr
	}
	m.reloaded++
	return nil
}

func (m *mockMeta) IDs(_ context.Context) ([]string, error) {
	var ids []string
	for id := range m.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockMeta) Get(_ context.Context, id string) (domain.CollectionRecord, error) {
	rec, ok := m.rows[id]
	if !ok {
		return domain.CollectionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *mockMeta) Delete(_ context.Context, id string) error {
	if _, ok := m.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type mockEngine struct {
	deleteErr map[string]error
	deleted   []string
	reloaded  int
	reloadErr error
}

func (m *mockEngine) Delete(_ context.Context, id string) error {
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockEngine) Reload(_ context.Context) error {
	if m.reloadErr != nil {
		return m.reloadErr
	}
	m.reloaded++
	return nil
}

type mockCleanup struct {
	enqueued []string
	pending  map[string]bool
}

func (m *mockCleanup) Enqueue(ids []string, _, _ string) error {
	m.enqueued = append(m.enqueued, ids...)
	if m.pending == nil {
		m.pending = map[string]bool{}
	}
	for _, id := range ids {
		m.pending[id] = true
	}
	return nil
}

func (m *mockCleanup) IsPending(id string) bool { return m.pending[id] }

type fixture struct {
	svc       *Service
	validator *mockValidator
	backups   *mockBackups
	meta      *mockMeta
	engine    *mockEngine
	cleanup   *mockCleanup
	oplog     *OpLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	oplog, err := NewOpLog(filepath.Join(t.TempDir(), "operations.ndjson"))
	if err != nil {
		t.Fatalf("NewOpLog() error = %v", err)
	}
	f := &fixture{
		validator: &mockValidator{},
		backups:   &mockBackups{},
		meta:      &mockMeta{rows: map[string]domain.CollectionRecord{"col_a": {ID: "col_a", DisplayName: "docs"}}},
		engine:    &mockEngine{deleteErr: map[string]error{}},
		cleanup:   &mockCleanup{},
		oplog:     oplog,
	}
	f.svc = New(f.validator, f.backups, f.meta, f.engine, f.cleanup, oplog, zap.NewNop())
	return f
}

func statuses(t *testing.T, l *OpLog) []domain.OpStatus {
	t.Helper()
	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	out := make([]domain.OpStatus, len(entries))
	for i, e := range entries {
		out[i] = e.Status
	}
	return out
}

// --- Tests ---

func TestTransactSuccess(t *testing.T) {
	f := newFixture(t)

	ran := false
	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		ran = true
		return nil
	})

	if !ran {
		t.Fatal("body never ran")
	}
	if !res.Success || !res.ConsistencyVerified || res.RollbackPerformed {
		t.Errorf("result = %+v", res)
	}
	if f.backups.created != 1 {
		t.Errorf("checkpoint backups = %d, want 1", f.backups.created)
	}
	if len(f.backups.deleted) != 1 {
		t.Errorf("checkpoint backup not discarded on success: %v", f.backups.deleted)
	}
	got := statuses(t, f.oplog)
	want := []domain.OpStatus{domain.OpStarted, domain.OpCompleted}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("log statuses = %v, want %v", got, want)
	}
}

func TestTransactBodyFailureRollsBack(t *testing.T) {
	f := newFixture(t)

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return errors.New("disk full")
	})

	if res.Success {
		t.Error("result reported success for a failed body")
	}
	if !res.RollbackPerformed {
		t.Error("rollback not performed")
	}
	if len(f.backups.restored) != 1 || f.backups.restored[0] != "backup_1" {
		t.Errorf("restored = %v, want the checkpoint backup", f.backups.restored)
	}
	// Backup retained for the audit trail on failure.
	if len(f.backups.deleted) != 0 {
		t.Errorf("checkpoint backup discarded on failure: %v", f.backups.deleted)
	}
	got := statuses(t, f.oplog)
	want := []domain.OpStatus{domain.OpStarted, domain.OpFailed, domain.OpRolledBack}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("log statuses = %v, want %v", got, want)
	}
}

func TestTransactRollbackFailure(t *testing.T) {
	f := newFixture(t)
	f.backups.restoreErr = errors.New("backup corrupt")

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return errors.New("boom")
	})

	if res.Success || res.RollbackPerformed {
		t.Errorf("result = %+v", res)
	}
	got := statuses(t, f.oplog)
	if len(got) != 3 || got[2] != domain.OpRollbackFailed {
		t.Errorf("log statuses = %v, want rollback_failed last", got)
	}
}

func TestRollbackReloadsLiveStores(t *testing.T) {
	f := newFixture(t)

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return errors.New("boom")
	})

	if !res.RollbackPerformed || !res.ConsistencyVerified {
		t.Fatalf("result = %+v", res)
	}
	// The restore rewrote the files behind the live adapters; both must have
	// re-read their state before the rollback counts as done.
	if f.engine.reloaded != 1 {
		t.Errorf("engine reloads = %d, want 1", f.engine.reloaded)
	}
	if f.meta.reloaded != 1 {
		t.Errorf("metadata reloads = %d, want 1", f.meta.reloaded)
	}
}

func TestRollbackReloadFailure(t *testing.T) {
	f := newFixture(t)
	f.meta.reloadErr = errors.New("database locked")

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return errors.New("boom")
	})

	if res.Success || res.RollbackPerformed {
		t.Errorf("result = %+v", res)
	}
	got := statuses(t, f.oplog)
	if len(got) != 3 || got[2] != domain.OpRollbackFailed {
		t.Errorf("log statuses = %v, want rollback_failed last", got)
	}
}

func TestRollbackRestoredStateInconsistent(t *testing.T) {
	f := newFixture(t)
	f.validator.reports = []domain.ConsistencyReport{
		{Status: domain.StatusInconsistent, MissingFromMetadata: []string{"col_a"}},
	}

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return errors.New("boom")
	})

	if res.Success || res.RollbackPerformed || res.ConsistencyVerified {
		t.Errorf("result = %+v", res)
	}
	got := statuses(t, f.oplog)
	if len(got) != 3 || got[2] != domain.OpRollbackFailed {
		t.Errorf("log statuses = %v, want rollback_failed last", got)
	}
}

func TestTransactRepairsDriftOnce(t *testing.T) {
	f := newFixture(t)
	f.validator.reports = []domain.ConsistencyReport{
		{Status: domain.StatusInconsistent, OrphanedMetadata: []string{"col_x"}},
		{Status: domain.StatusConsistent},
	}

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return nil
	})

	if !res.Success || !res.ConsistencyVerified {
		t.Errorf("result = %+v", res)
	}
	if f.validator.repaired != 1 {
		t.Errorf("repair rounds = %d, want 1", f.validator.repaired)
	}
}

func TestTransactUnrepairableDriftRollsBack(t *testing.T) {
	f := newFixture(t)
	bad := domain.ConsistencyReport{Status: domain.StatusInconsistent, OrphanedMetadata: []string{"col_x"}}
	f.validator.reports = []domain.ConsistencyReport{bad, bad}

	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		return nil
	})

	if res.Success {
		t.Error("result reported success for unrepairable drift")
	}
	if !res.RollbackPerformed {
		t.Error("rollback not performed")
	}
	if f.validator.repaired != 1 {
		t.Errorf("repair rounds = %d, want exactly 1", f.validator.repaired)
	}
}

func TestTransactCheckpointFailure(t *testing.T) {
	f := newFixture(t)
	f.backups.createErr = errors.New("no space")

	ran := false
	res := f.svc.Transact(context.Background(), domain.OpDelete, "col_a", func(context.Context) error {
		ran = true
		return nil
	})

	if ran {
		t.Error("body ran without a checkpoint")
	}
	if res.Success {
		t.Errorf("result = %+v", res)
	}
	if got := statuses(t, f.oplog); len(got) != 0 {
		t.Errorf("log entries = %v, want none", got)
	}
}

func TestDeleteCollection(t *testing.T) {
	f := newFixture(t)

	res := f.svc.DeleteCollection(context.Background(), "col_a")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(f.engine.deleted) != 1 || f.engine.deleted[0] != "col_a" {
		t.Errorf("engine deletes = %v", f.engine.deleted)
	}
	if len(f.meta.deleted) != 1 || f.meta.deleted[0] != "col_a" {
		t.Errorf("metadata deletes = %v", f.meta.deleted)
	}
	if len(f.cleanup.enqueued) != 0 {
		t.Errorf("cleanup enqueued = %v, want none", f.cleanup.enqueued)
	}
}

func TestDeleteCollectionLockedDirectoryDefersCleanup(t *testing.T) {
	f := newFixture(t)
	f.engine.deleteErr["col_a"] = engine.ErrDeleteLocked
	// The leftover directory shows up as an orphan in the post-check; it is
	// pending cleanup, so the scope must still verify as consistent.
	f.validator.reports = []domain.ConsistencyReport{
		{Status: domain.StatusInconsistent, OrphanedDirectories: []string{"col_a"}},
	}

	res := f.svc.DeleteCollection(context.Background(), "col_a")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(f.cleanup.enqueued) != 1 || f.cleanup.enqueued[0] != "col_a" {
		t.Errorf("cleanup enqueued = %v, want [col_a]", f.cleanup.enqueued)
	}
	if len(f.meta.deleted) != 1 {
		t.Errorf("metadata deletes = %v", f.meta.deleted)
	}
	if f.validator.repaired != 0 {
		t.Error("repair ran for a directory already pending cleanup")
	}
}

func TestDeleteCollectionAlreadyGoneFromEngine(t *testing.T) {
	f := newFixture(t)
	f.engine.deleteErr["col_a"] = engine.ErrCollectionNotFound

	res := f.svc.DeleteCollection(context.Background(), "col_a")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(f.meta.deleted) != 1 {
		t.Error("metadata row not removed when engine entry was already gone")
	}
}
