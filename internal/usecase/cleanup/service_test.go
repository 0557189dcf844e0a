package cleanup

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

// --- Mocks ---

type mockSegments struct {
	dirs      map[string]int64 // id -> size
	removeErr map[string]error // id -> forced failure
	removed   []string
}

func (m *mockSegments) Exists(id string) bool {
	_, ok := m.dirs[id]
	return ok
}

func (m *mockSegments) Size(id string) (int64, error) {
	return m.dirs[id], nil
}

func (m *mockSegments) Remove(id string) error {
	if err := m.removeErr[id]; err != nil {
		return err
	}
	delete(m.dirs, id)
	m.removed = append(m.removed, id)
	return nil
}

func newService(t *testing.T, seg *mockSegments) *Service {
	t.Helper()
	svc, err := New(seg, filepath.Join(t.TempDir(), "pending_cleanup.json"), 5, 50, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

// --- Tests ---

func TestEnqueueIdempotent(t *testing.T) {
	seg := &mockSegments{dirs: map[string]int64{"col_a": 42}}
	svc := newService(t, seg)

	if err := svc.Enqueue([]string{"col_a"}, "col_a", "docs"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := svc.Enqueue([]string{"col_a"}, "col_a", "docs"); err != nil {
		t.Fatalf("Enqueue() second error = %v", err)
	}

	pending, err := svc.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d entries, want 1 (no duplicates)", len(pending))
	}
	if pending[0].SizeBytes != 42 || pending[0].CollectionName != "docs" {
		t.Errorf("entry = %+v", pending[0])
	}

	if !svc.IsPending("col_a") {
		t.Error("IsPending() = false, want true")
	}
	if svc.IsPending("col_b") {
		t.Error("IsPending() unknown id = true")
	}
}

func TestRunPendingRemoves(t *testing.T) {
	seg := &mockSegments{dirs: map[string]int64{"col_a": 1}}
	svc := newService(t, seg)
	if err := svc.Enqueue([]string{"col_a"}, "col_a", "docs"); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.RunPending()
	if err != nil {
		t.Fatalf("RunPending() error = %v", err)
	}
	if summary.Cleaned != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(seg.removed) != 1 {
		t.Errorf("removed = %v", seg.removed)
	}
	if svc.IsPending("col_a") {
		t.Error("entry still pending after successful removal")
	}

	history, err := svc.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Outcome != "removed" {
		t.Errorf("history = %+v", history)
	}
}

func TestRunPendingVanished(t *testing.T) {
	seg := &mockSegments{dirs: map[string]int64{"col_a": 1}}
	svc := newService(t, seg)
	if err := svc.Enqueue([]string{"col_a"}, "col_a", "docs"); err != nil {
		t.Fatal(err)
	}

	// Directory disappears before the sweep runs.
	delete(seg.dirs, "col_a")

	summary, err := svc.RunPending()
	if err != nil {
		t.Fatal(err)
	}
	if summary.Cleaned != 1 {
		t.Errorf("summary = %+v", summary)
	}
	history, _ := svc.History()
	if len(history) != 1 || history[0].Outcome != "vanished" {
		t.Errorf("history = %+v", history)
	}
	if len(seg.removed) != 0 {
		t.Errorf("Remove called for a vanished directory: %v", seg.removed)
	}
}

func TestRunPendingIdempotentWhenEmpty(t *testing.T) {
	seg := &mockSegments{dirs: map[string]int64{"col_a": 1}}
	svc := newService(t, seg)
	if err := svc.Enqueue([]string{"col_a"}, "col_a", "docs"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunPending(); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.RunPending()
	if err != nil {
		t.Fatal(err)
	}
	if summary.Cleaned != 0 || summary.Failed != 0 || len(summary.Items) != 0 {
		t.Errorf("second sweep = %+v, want no-op", summary)
	}
}

func TestRunPendingAttemptLimit(t *testing.T) {
	seg := &mockSegments{
		dirs:      map[string]int64{"col_a": 1},
		removeErr: map[string]error{"col_a": errors.New("still locked")},
	}
	svc := newService(t, seg)
	if err := svc.Enqueue([]string{"col_a"}, "col_a", "docs"); err != nil {
		t.Fatal(err)
	}

	// Four failing sweeps keep the entry queued with a growing counter.
	for i := 0; i < 4; i++ {
		summary, err := svc.RunPending()
		if err != nil {
			t.Fatal(err)
		}
		if summary.Failed != 1 {
			t.Fatalf("sweep %d summary = %+v", i, summary)
		}
	}
	pending, _ := svc.Pending()
	if len(pending) != 1 || pending[0].Attempts != 4 {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].LastError != "still locked" {
		t.Errorf("LastError = %q", pending[0].LastError)
	}

	// Fifth failure hits the limit and moves the entry to permanent failure.
	if _, err := svc.RunPending(); err != nil {
		t.Fatal(err)
	}
	pending, _ = svc.Pending()
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want empty after attempt limit", pending)
	}
	history, _ := svc.History()
	if len(history) != 1 || history[0].Outcome != "permanent_failure" {
		t.Errorf("history = %+v", history)
	}
}

func TestRunStartupStampsAndBoundsHistory(t *testing.T) {
	seg := &mockSegments{dirs: map[string]int64{}}
	svc, err := New(seg, filepath.Join(t.TempDir(), "pending_cleanup.json"), 5, 2, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	// Three vanished entries against a history bound of two.
	for _, id := range []string{"col_a", "col_b", "col_c"} {
		seg.dirs[id] = 1
		if err := svc.Enqueue([]string{id}, id, ""); err != nil {
			t.Fatal(err)
		}
		delete(seg.dirs, id)
	}

	if _, err := svc.RunStartup(); err != nil {
		t.Fatal(err)
	}

	history, err := svc.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d entries, want bounded to 2", len(history))
	}
	if history[len(history)-1].SegmentID != "col_c" {
		t.Errorf("history keeps oldest entries, want most recent: %+v", history)
	}
}
