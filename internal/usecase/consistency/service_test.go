package consistency

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// --- Mocks ---

type mockEngine struct {
	infos   []engine.CollectionInfo
	listErr error
	counts  map[string]int
	getErr  map[string]error
}

func (m *mockEngine) List(_ context.Context) ([]engine.CollectionInfo, error) {
	return m.infos, m.listErr
}

func (m *mockEngine) Get(_ context.Context, id string) (engine.CollectionInfo, error) {
	if err := m.getErr[id]; err != nil {
		return engine.CollectionInfo{}, err
	}
	for _, info := range m.infos {
		if info.ID == id {
			return info, nil
		}
	}
	return engine.CollectionInfo{}, engine.ErrCollectionNotFound
}

func (m *mockEngine) Count(_ context.Context, id string) (int, error) {
	if err := m.getErr[id]; err != nil {
		return 0, err
	}
	n, ok := m.counts[id]
	if !ok {
		return 0, engine.ErrCollectionNotFound
	}
	return n, nil
}

type mockMeta struct {
	rows      map[string]domain.CollectionRecord
	idsErr    error
	inserted  []domain.CollectionRecord
	insertErr error
	deleted   []string
}

func (m *mockMeta) IDs(_ context.Context) ([]string, error) {
	if m.idsErr != nil {
		return nil, m.idsErr
	}
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

func (m *mockMeta) Insert(_ context.Context, rec domain.CollectionRecord) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, rec)
	if m.rows == nil {
		m.rows = map[string]domain.CollectionRecord{}
	}
	m.rows[rec.ID] = rec
	return nil
}

func (m *mockMeta) Delete(_ context.Context, id string) error {
	if _, ok := m.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type mockSegments struct {
	dirs        map[string]bool // id -> populated
	quarantined []string
	quarErr     error
}

func (m *mockSegments) IDs() ([]string, error) {
	var ids []string
	for id := range m.dirs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockSegments) Exists(id string) bool {
	_, ok := m.dirs[id]
	return ok
}

func (m *mockSegments) Populated(id string) bool {
	return m.dirs[id]
}

func (m *mockSegments) Quarantine(id, _ string) (string, error) {
	if m.quarErr != nil {
		return "", m.quarErr
	}
	delete(m.dirs, id)
	m.quarantined = append(m.quarantined, id)
	return "/quarantine/" + id, nil
}

func newService(eng *mockEngine, meta *mockMeta, seg *mockSegments) *Service {
	return New(eng, meta, seg, "/quarantine", 1024, nil, zap.NewNop())
}

func row(id string) domain.CollectionRecord {
	return domain.CollectionRecord{ID: id, DisplayName: "name-" + id, Dimension: 1024}
}

// --- Tests ---

func TestValidateFullConsistent(t *testing.T) {
	eng := &mockEngine{infos: []engine.CollectionInfo{{ID: "col_a"}, {ID: "col_b"}}}
	meta := &mockMeta{rows: map[string]domain.CollectionRecord{"col_a": row("col_a"), "col_b": row("col_b")}}
	seg := &mockSegments{dirs: map[string]bool{"col_a": true, "col_b": true}}

	report := newService(eng, meta, seg).ValidateFull(context.Background())
	if report.Status != domain.StatusConsistent {
		t.Errorf("Status = %s, want consistent; issues = %v", report.Status, report.Issues)
	}
	if len(report.OrphanedDirectories)+len(report.OrphanedMetadata) != 0 {
		t.Errorf("unexpected orphan sets: %+v", report)
	}
}

func TestValidateFullDriftSets(t *testing.T) {
	// col_a healthy; col_b only in engine; col_c only in metadata;
	// col_d only on disk; col_e in metadata and engine but not on disk.
	eng := &mockEngine{infos: []engine.CollectionInfo{{ID: "col_a"}, {ID: "col_b"}, {ID: "col_e"}}}
	meta := &mockMeta{rows: map[string]domain.CollectionRecord{
		"col_a": row("col_a"), "col_c": row("col_c"), "col_e": row("col_e"),
	}}
	seg := &mockSegments{dirs: map[string]bool{"col_a": true, "col_d": true}}

	report := newService(eng, meta, seg).ValidateFull(context.Background())
	if report.Status != domain.StatusInconsistent {
		t.Fatalf("Status = %s, want inconsistent", report.Status)
	}
	if got, want := report.MissingFromMetadata, []string{"col_b"}; !equalStrings(got, want) {
		t.Errorf("MissingFromMetadata = %v, want %v", got, want)
	}
	if got, want := report.OrphanedDirectories, []string{"col_d"}; !equalStrings(got, want) {
		t.Errorf("OrphanedDirectories = %v, want %v", got, want)
	}
	if got, want := report.OrphanedMetadata, []string{"col_c"}; !equalStrings(got, want) {
		t.Errorf("OrphanedMetadata = %v, want %v", got, want)
	}
	// col_e is missing on disk but still known to the engine, so it is not an orphan.
	if got, want := report.MissingFromFilesystem, []string{"col_c", "col_e"}; !equalStrings(got, want) {
		t.Errorf("MissingFromFilesystem = %v, want %v", got, want)
	}
}

func TestValidateFullStoreError(t *testing.T) {
	eng := &mockEngine{listErr: errors.New("registry corrupt")}
	report := newService(eng, &mockMeta{}, &mockSegments{}).ValidateFull(context.Background())
	if report.Status != domain.StatusError {
		t.Errorf("Status = %s, want error", report.Status)
	}
	if len(report.Issues) == 0 {
		t.Error("Issues empty, want the store failure reported")
	}
}

func TestValidateOne(t *testing.T) {
	eng := &mockEngine{counts: map[string]int{"col_a": 120}}
	meta := &mockMeta{rows: map[string]domain.CollectionRecord{"col_a": row("col_a")}}
	seg := &mockSegments{dirs: map[string]bool{"col_a": true}}
	svc := newService(eng, meta, seg)

	res := svc.ValidateOne(context.Background(), "col_a")
	if !res.OK() {
		t.Errorf("ValidateOne() = %+v, want all checks ok", res)
	}
	if res.DisplayName != "name-col_a" {
		t.Errorf("DisplayName = %q", res.DisplayName)
	}

	res = svc.ValidateOne(context.Background(), "col_missing")
	if res.OK() {
		t.Error("ValidateOne() missing collection reported ok")
	}
	if res.MetadataRow.State != domain.CheckMissing || res.SegmentFiles.State != domain.CheckMissing ||
		res.EngineRead.State != domain.CheckMissing {
		t.Errorf("sub-checks = %+v, want all missing", res)
	}
}

func TestValidateOneEngineError(t *testing.T) {
	eng := &mockEngine{
		counts: map[string]int{},
		getErr: map[string]error{"col_a": errors.New("segment read failed")},
	}
	meta := &mockMeta{rows: map[string]domain.CollectionRecord{"col_a": row("col_a")}}
	seg := &mockSegments{dirs: map[string]bool{"col_a": true}}

	res := newService(eng, meta, seg).ValidateOne(context.Background(), "col_a")
	if res.EngineRead.State != domain.CheckError {
		t.Errorf("EngineRead = %+v, want error state", res.EngineRead)
	}
	if res.MetadataRow.State != domain.CheckOK || res.SegmentFiles.State != domain.CheckOK {
		t.Errorf("other checks degraded: %+v", res)
	}
}

func TestRepairRecoversPopulatedOrphan(t *testing.T) {
	meta := &mockMeta{rows: map[string]domain.CollectionRecord{}}
	seg := &mockSegments{dirs: map[string]bool{"col_0123456789abcdef": true}}
	svc := newService(&mockEngine{}, meta, seg)

	report := domain.ConsistencyReport{OrphanedDirectories: []string{"col_0123456789abcdef"}}
	result := svc.Repair(context.Background(), report)

	if len(result.Actions) != 1 || !result.Actions[0].Success {
		t.Fatalf("Repair() = %+v", result)
	}
	if len(meta.inserted) != 1 {
		t.Fatalf("inserted rows = %d, want 1", len(meta.inserted))
	}
	rec := meta.inserted[0]
	if !rec.Recovered {
		t.Error("recovered flag not set")
	}
	if rec.DisplayName != "recovered_01234567" {
		t.Errorf("DisplayName = %q, want recovered_01234567", rec.DisplayName)
	}
}

func TestRepairQuarantinesEmptyOrphan(t *testing.T) {
	seg := &mockSegments{dirs: map[string]bool{"col_empty": false}}
	svc := newService(&mockEngine{}, &mockMeta{}, seg)

	report := domain.ConsistencyReport{OrphanedDirectories: []string{"col_empty"}}
	result := svc.Repair(context.Background(), report)

	if len(result.Actions) != 1 || !result.Actions[0].Success || result.Actions[0].Action != "quarantined" {
		t.Fatalf("Repair() = %+v", result)
	}
	if len(seg.quarantined) != 1 || seg.quarantined[0] != "col_empty" {
		t.Errorf("quarantined = %v", seg.quarantined)
	}
}

func TestRepairDeletesOrphanedMetadata(t *testing.T) {
	meta := &mockMeta{rows: map[string]domain.CollectionRecord{"col_stale": row("col_stale")}}
	svc := newService(&mockEngine{}, meta, &mockSegments{})

	report := domain.ConsistencyReport{OrphanedMetadata: []string{"col_stale"}}
	result := svc.Repair(context.Background(), report)

	if len(result.Actions) != 1 || !result.Actions[0].Success {
		t.Fatalf("Repair() = %+v", result)
	}
	if len(meta.deleted) != 1 || meta.deleted[0] != "col_stale" {
		t.Errorf("deleted = %v", meta.deleted)
	}
}

func TestRepairContinuesPastFailures(t *testing.T) {
	meta := &mockMeta{insertErr: errors.New("db locked"), rows: map[string]domain.CollectionRecord{"col_stale": row("col_stale")}}
	seg := &mockSegments{dirs: map[string]bool{"col_orphan": true}}
	svc := newService(&mockEngine{}, meta, seg)

	report := domain.ConsistencyReport{
		OrphanedDirectories: []string{"col_orphan"},
		OrphanedMetadata:    []string{"col_stale"},
	}
	result := svc.Repair(context.Background(), report)

	if len(result.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(result.Actions))
	}
	if result.Actions[0].Success {
		t.Error("first action should have failed on insert error")
	}
	if !result.Actions[1].Success {
		t.Error("second action should still run and succeed")
	}
	if len(result.Failed()) != 1 {
		t.Errorf("Failed() = %v", result.Failed())
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
