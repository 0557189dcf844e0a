// Package cleanup is the deferred cleanup queue for segment directories that
// resisted deletion. Entries are retried at process startup and on demand;
// after a bounded attempt count an entry moves to the permanent-failure
// record instead of being retried forever. State persists as a JSON file.
package cleanup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
)

const (
	outcomeRemoved          = "removed"
	outcomeVanished         = "vanished"
	outcomePermanentFailure = "permanent_failure"
)

// Service owns the pending-cleanup state file. Its lock is independent of the
// rename-task and transaction locks because entries arrive both from delete
// scopes and from the startup sweep.
type Service struct {
	mu          sync.Mutex
	segments    SegmentStore
	statePath   string
	maxAttempts int
	keepRecent  int
	log         *zap.Logger
}

// New creates a cleanup queue persisted at statePath.
func New(segments SegmentStore, statePath string, maxAttempts, keepRecent int, log *zap.Logger) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cleanup state dir: %w", err)
	}
	return &Service{
		segments:    segments,
		statePath:   statePath,
		maxAttempts: maxAttempts,
		keepRecent:  keepRecent,
		log:         log,
	}, nil
}

// Enqueue records segment directories for deferred deletion. Ids already in
// the queue are skipped, so repeated failed deletes never duplicate entries.
func (s *Service) Enqueue(ids []string, ownerID, ownerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}

	known := map[string]bool{}
	for _, e := range state.Pending {
		known[e.SegmentID] = true
	}

	added := 0
	for _, id := range ids {
		if known[id] {
			continue
		}
		size, _ := s.segments.Size(id)
		state.Pending = append(state.Pending, domain.PendingCleanupEntry{
			SegmentID:      id,
			CollectionID:   ownerID,
			CollectionName: ownerName,
			CreatedAt:      time.Now().UTC(),
			SizeBytes:      size,
		})
		known[id] = true
		added++
	}
	if added == 0 {
		return nil
	}
	s.log.Info("segment directories queued for deferred cleanup",
		zap.Int("added", added), zap.String("collection_id", ownerID))
	return s.save(state)
}

// IsPending reports whether a segment id is waiting for cleanup.
func (s *Service) IsPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return false
	}
	for _, e := range state.Pending {
		if e.SegmentID == id {
			return true
		}
	}
	return false
}

// Pending returns a copy of the current queue.
func (s *Service) Pending() ([]domain.PendingCleanupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PendingCleanupEntry, len(state.Pending))
	copy(out, state.Pending)
	return out, nil
}

// RunPending sweeps the queue once. Vanished directories complete
// immediately; the rest get one deletion attempt each, and entries at the
// attempt limit move to the permanent-failure record. Running the sweep twice
// with no new entries changes nothing the second time.
func (s *Service) RunPending() (domain.CleanupSummary, error) {
	return s.run(false)
}

// RunStartup is the process-boot sweep; it additionally stamps
// last_startup_cleanup.
func (s *Service) RunStartup() (domain.CleanupSummary, error) {
	return s.run(true)
}

func (s *Service) run(startup bool) (domain.CleanupSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return domain.CleanupSummary{}, err
	}

	var summary domain.CleanupSummary
	var remaining []domain.PendingCleanupEntry
	now := time.Now().UTC()

	for _, entry := range state.Pending {
		if !s.segments.Exists(entry.SegmentID) {
			state.Completed = append(state.Completed, domain.CompletedCleanupEntry{
				PendingCleanupEntry: entry,
				CompletedAt:         now,
				Outcome:             outcomeVanished,
			})
			summary.Cleaned++
			summary.Items = append(summary.Items, domain.CleanupResult{SegmentID: entry.SegmentID, Status: outcomeVanished})
			continue
		}

		removeErr := s.segments.Remove(entry.SegmentID)
		if removeErr == nil {
			state.Completed = append(state.Completed, domain.CompletedCleanupEntry{
				PendingCleanupEntry: entry,
				CompletedAt:         now,
				Outcome:             outcomeRemoved,
			})
			summary.Cleaned++
			summary.Items = append(summary.Items, domain.CleanupResult{SegmentID: entry.SegmentID, Status: outcomeRemoved})
			continue
		}
		entry.Attempts++
		entry.LastAttempt = now
		entry.LastError = removeErr.Error()

		if entry.Attempts >= s.maxAttempts {
			s.log.Warn("cleanup entry exhausted its attempts",
				zap.String("segment_id", entry.SegmentID),
				zap.Int("attempts", entry.Attempts),
				zap.String("last_error", entry.LastError))
			state.Completed = append(state.Completed, domain.CompletedCleanupEntry{
				PendingCleanupEntry: entry,
				CompletedAt:         now,
				Outcome:             outcomePermanentFailure,
			})
			summary.Failed++
			summary.Items = append(summary.Items, domain.CleanupResult{SegmentID: entry.SegmentID, Status: outcomePermanentFailure})
			continue
		}

		summary.Failed++
		summary.Items = append(summary.Items, domain.CleanupResult{SegmentID: entry.SegmentID, Status: "retry_later"})
		remaining = append(remaining, entry)
	}

	state.Pending = remaining
	if n := len(state.Completed); n > s.keepRecent {
		state.Completed = state.Completed[n-s.keepRecent:]
	}
	if startup {
		state.LastStartupCleanup = now
	}
	if err := s.save(state); err != nil {
		return summary, err
	}

	if summary.Cleaned+summary.Failed > 0 {
		s.log.Info("cleanup sweep finished",
			zap.Int("cleaned", summary.Cleaned), zap.Int("failed", summary.Failed))
	}
	return summary, nil
}

// History returns the bounded completed-cleanup log.
func (s *Service) History() ([]domain.CompletedCleanupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.CompletedCleanupEntry, len(state.Completed))
	copy(out, state.Completed)
	return out, nil
}

func (s *Service) load() (domain.CleanupState, error) {
	var state domain.CleanupState
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read cleanup state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse cleanup state: %w", err)
	}
	return state, nil
}

func (s *Service) save(state domain.CleanupState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cleanup state: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cleanup state: %w", err)
	}
	return os.Rename(tmp, s.statePath)
}
