// Package rename runs collection renames as fast-acknowledge background
// tasks. The engine has no atomic rename, so a rename is snapshot, copy into
// a fresh collection, verify, swap metadata, delete the source. Submit
// validates and returns a task id immediately; a bounded worker pool does the
// heavy work and reports progress through an injected sink.
package rename

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
	"github.com/kailas-cloud/veckeep/internal/notify"
)

// Options tunes the worker pool and retry behavior.
type Options struct {
	Workers         int           // concurrent background renames
	PruneAfter      time.Duration // delay before a terminal task leaves the active set
	CleanupRetries  int           // delete attempts for the source directory
	CleanupRetryGap time.Duration // pause between those attempts
}

// Service owns the active rename-task table.
type Service struct {
	engine   Engine
	meta     MetaStore
	segments SegmentStore
	cleanup  CleanupQueue
	sink     notify.Sink
	opts     Options
	log      *zap.Logger

	mu          sync.Mutex
	tasks       map[string]*domain.RenameTask
	activeNames map[string]string // display name -> owning task id
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
}

// New creates a rename task manager.
func New(eng Engine, meta MetaStore, segments SegmentStore, cleanup CleanupQueue, sink notify.Sink, opts Options, log *zap.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.CleanupRetries <= 0 {
		opts.CleanupRetries = 3
	}
	return &Service{
		engine:      eng,
		meta:        meta,
		segments:    segments,
		cleanup:     cleanup,
		sink:        sink,
		opts:        opts,
		log:         log,
		tasks:       map[string]*domain.RenameTask{},
		activeNames: map[string]string{},
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Submit validates a rename synchronously and schedules the work. The second
// of two submissions sharing an old or new name is rejected, never queued.
func (s *Service) Submit(ctx context.Context, oldName, newName string) domain.SubmitResult {
	if err := domain.ValidateDisplayName(oldName); err != nil {
		return reject(oldName, newName, fmt.Sprintf("invalid source name: %v", err))
	}
	if err := domain.ValidateDisplayName(newName); err != nil {
		return reject(oldName, newName, fmt.Sprintf("invalid target name: %v", err))
	}
	if oldName == newName {
		return reject(oldName, newName, "source and target name are identical")
	}

	src, err := s.meta.GetByName(ctx, oldName)
	if errors.Is(err, domain.ErrNotFound) {
		return reject(oldName, newName, fmt.Sprintf("collection %q does not exist", oldName))
	}
	if err != nil {
		return reject(oldName, newName, fmt.Sprintf("lookup %q: %v", oldName, err))
	}
	if _, err := s.meta.GetByName(ctx, newName); err == nil {
		return reject(oldName, newName, fmt.Sprintf("collection %q already exists", newName))
	} else if !errors.Is(err, domain.ErrNotFound) {
		return reject(oldName, newName, fmt.Sprintf("lookup %q: %v", newName, err))
	}

	s.mu.Lock()
	if owner, busy := s.activeNames[oldName]; busy {
		s.mu.Unlock()
		return reject(oldName, newName, fmt.Sprintf("rename already in progress for %q (task %s)", oldName, owner))
	}
	if owner, busy := s.activeNames[newName]; busy {
		s.mu.Unlock()
		return reject(oldName, newName, fmt.Sprintf("rename already in progress for %q (task %s)", newName, owner))
	}

	now := time.Now().UTC()
	task := &domain.RenameTask{
		ID:        uuid.NewString(),
		OldName:   oldName,
		NewName:   newName,
		OldID:     src.ID,
		NewID:     domain.EncodeCollectionID(newName),
		Status:    domain.TaskNormal,
		Message:   "rename scheduled",
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[task.ID] = task
	s.activeNames[oldName] = task.ID
	s.activeNames[newName] = task.ID
	s.mu.Unlock()

	s.log.Info("rename task submitted",
		zap.String("task_id", task.ID),
		zap.String("old_name", oldName),
		zap.String("new_name", newName))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			s.fail(task.ID, fmt.Errorf("acquire worker slot: %w", err))
			return
		}
		defer s.sem.Release(1)
		s.run(task.ID, src)
	}()

	return domain.SubmitResult{
		Success: true,
		Message: "rename started",
		TaskID:  task.ID,
		OldName: oldName,
		NewName: newName,
	}
}

// Status returns a snapshot of one task.
func (s *Service) Status(taskID string) (domain.RenameTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.RenameTask{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return *task, nil
}

// Tasks returns a snapshot of every task in the active set.
func (s *Service) Tasks() []domain.RenameTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RenameTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	return out
}

// RunPruner sweeps terminal tasks out of the active set once their retention
// delay expires. Blocks until ctx is cancelled.
func (s *Service) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PruneTerminal(time.Now().UTC())
		}
	}
}

// PruneTerminal drops terminal tasks whose retention delay has passed.
// Returns how many were removed.
func (s *Service) PruneTerminal(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if !task.Status.Terminal() {
			continue
		}
		if now.Sub(task.FinishedAt) < s.opts.PruneAfter {
			continue
		}
		delete(s.tasks, id)
		removed++
	}
	return removed
}

// Wait blocks until every scheduled worker has finished. Shutdown helper.
func (s *Service) Wait() { s.wg.Wait() }

// run is the background worker for one task. It owns all task mutations.
func (s *Service) run(taskID string, src domain.CollectionRecord) {
	ctx := context.Background()
	task, err := s.Status(taskID)
	if err != nil {
		return
	}
	log := s.log.With(
		zap.String("task_id", taskID),
		zap.String("old_id", task.OldID),
		zap.String("new_id", task.NewID),
	)

	s.progress(taskID, 10, "validating source collection")
	srcInfo, err := s.engine.Get(ctx, task.OldID)
	if err != nil {
		s.abort(ctx, taskID, task, src, false, fmt.Errorf("read source collection: %w", err))
		return
	}

	s.progress(taskID, 20, "creating target collection")
	if err := s.engine.Create(ctx, task.NewID, srcInfo.Dimension, srcInfo.Metadata); err != nil {
		s.abort(ctx, taskID, task, src, false, fmt.Errorf("create target collection: %w", err))
		return
	}

	s.progress(taskID, 40, "snapshotting source records")
	records, err := s.engine.FetchAll(ctx, task.OldID)
	if err != nil {
		s.abort(ctx, taskID, task, src, true, fmt.Errorf("snapshot source records: %w", err))
		return
	}

	s.progress(taskID, 60, fmt.Sprintf("copying %d record(s)", len(records)))
	if len(records) > 0 {
		if err := s.engine.PutAll(ctx, task.NewID, records); err != nil {
			s.abort(ctx, taskID, task, src, true, fmt.Errorf("copy records: %w", err))
			return
		}
	}

	s.progress(taskID, 80, "verifying copied record count")
	copied, err := s.engine.Count(ctx, task.NewID)
	if err != nil {
		s.abort(ctx, taskID, task, src, true, fmt.Errorf("count target records: %w", err))
		return
	}
	if copied != len(records) {
		s.abort(ctx, taskID, task, src, true,
			fmt.Errorf("record count mismatch: copied %d of %d", copied, len(records)))
		return
	}

	s.progress(taskID, 90, "swapping metadata and removing source")
	if err := s.swapMetadata(ctx, task, src); err != nil {
		s.abort(ctx, taskID, task, src, true, err)
		return
	}
	s.removeSource(ctx, task, log)

	s.complete(taskID)
	log.Info("rename task completed", zap.Int("records", copied))
}

// swapMetadata registers the new row, carries over key/value metadata, and
// removes the old row. On error the old row is untouched or re-inserted.
func (s *Service) swapMetadata(ctx context.Context, task domain.RenameTask, src domain.CollectionRecord) error {
	now := time.Now().UTC()
	newRec := domain.CollectionRecord{
		ID:          task.NewID,
		DisplayName: task.NewName,
		Dimension:   src.Dimension,
		Provider:    src.Provider,
		Recovered:   src.Recovered,
		CreatedAt:   src.CreatedAt,
		UpdatedAt:   now,
	}
	if err := s.meta.Insert(ctx, newRec); err != nil {
		return fmt.Errorf("register target metadata: %w", err)
	}

	// A rename must carry every key/value pair; losing them silently would
	// leave the collection renamed but stripped. Failures undo the target row
	// so the caller's abort path sees the source untouched.
	kv, err := s.meta.MetaAll(ctx, task.OldID)
	if err != nil {
		_ = s.meta.Delete(ctx, task.NewID)
		return fmt.Errorf("read source metadata entries: %w", err)
	}
	for k, v := range kv {
		if err := s.meta.SetMeta(ctx, task.NewID, k, v); err != nil {
			_ = s.meta.Delete(ctx, task.NewID)
			return fmt.Errorf("copy metadata entry %q: %w", k, err)
		}
	}

	if err := s.meta.Delete(ctx, task.OldID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		// Undo the half-swap so the source keeps its name.
		_ = s.meta.Delete(ctx, task.NewID)
		return fmt.Errorf("remove source metadata: %w", err)
	}
	return nil
}

// removeSource deletes the source collection, retrying a locked segment
// directory a few times before handing it to the deferred cleanup queue.
func (s *Service) removeSource(ctx context.Context, task domain.RenameTask, log *zap.Logger) {
	err := s.engine.Delete(ctx, task.OldID)
	if err == nil || errors.Is(err, engine.ErrCollectionNotFound) {
		return
	}
	if !errors.Is(err, engine.ErrDeleteLocked) {
		log.Warn("source delete failed", zap.Error(err))
	}

	for attempt := 0; attempt < s.opts.CleanupRetries; attempt++ {
		time.Sleep(s.opts.CleanupRetryGap)
		if !s.segments.Exists(task.OldID) {
			return
		}
		if err := s.engine.Delete(ctx, task.OldID); err == nil ||
			errors.Is(err, engine.ErrCollectionNotFound) {
			if !s.segments.Exists(task.OldID) {
				return
			}
		}
	}

	if qErr := s.cleanup.Enqueue([]string{task.OldID}, task.OldID, task.OldName); qErr != nil {
		log.Error("failed to defer source directory cleanup", zap.Error(qErr))
		return
	}
	log.Warn("source directory cleanup deferred", zap.String("segment_id", task.OldID))
}

// abort tears down a half-created destination and marks the task error.
// The source is never deleted before the swap, so it stays intact.
func (s *Service) abort(ctx context.Context, taskID string, task domain.RenameTask, src domain.CollectionRecord, destCreated bool, cause error) {
	if destCreated {
		if err := s.engine.Delete(ctx, task.NewID); err != nil &&
			!errors.Is(err, engine.ErrCollectionNotFound) {
			s.log.Warn("failed to remove half-created target",
				zap.String("task_id", taskID), zap.Error(err))
		}
		_ = s.meta.Delete(ctx, task.NewID)
	}

	// The source row may have been removed by a failed swap; put it back.
	if _, err := s.meta.Get(ctx, task.OldID); errors.Is(err, domain.ErrNotFound) {
		src.UpdatedAt = time.Now().UTC()
		if err := s.meta.Insert(ctx, src); err != nil {
			s.log.Error("failed to restore source metadata row",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	s.fail(taskID, cause)
}

func (s *Service) fail(taskID string, cause error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = domain.TaskError
	task.Error = cause.Error()
	task.Message = "rename failed"
	task.UpdatedAt = now
	task.FinishedAt = now
	delete(s.activeNames, task.OldName)
	delete(s.activeNames, task.NewName)
	ev := notify.Event{TaskID: taskID, Percent: task.Progress, Message: task.Message, Error: task.Error, EmittedAt: now}
	s.mu.Unlock()

	s.log.Error("rename task failed", zap.String("task_id", taskID), zap.Error(cause))
	s.sink.Notify(context.Background(), ev)
}

func (s *Service) complete(taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = domain.TaskCompleted
	task.Progress = 100
	task.Message = "rename completed"
	task.UpdatedAt = now
	task.FinishedAt = now
	delete(s.activeNames, task.OldName)
	delete(s.activeNames, task.NewName)
	ev := notify.Event{TaskID: taskID, Percent: 100, Message: task.Message, EmittedAt: now}
	s.mu.Unlock()

	s.sink.Notify(context.Background(), ev)
}

// progress moves a task forward; the percentage never decreases. The first
// milestone takes the task from its scheduled state into renaming.
func (s *Service) progress(taskID string, percent int, message string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || percent < task.Progress {
		s.mu.Unlock()
		return
	}
	if task.Status == domain.TaskNormal {
		task.Status = domain.TaskRenaming
	}
	task.Progress = percent
	task.Message = message
	task.UpdatedAt = time.Now().UTC()
	ev := notify.Event{TaskID: taskID, Percent: percent, Message: message, EmittedAt: task.UpdatedAt}
	s.mu.Unlock()

	s.sink.Notify(context.Background(), ev)
}

func reject(oldName, newName, msg string) domain.SubmitResult {
	return domain.SubmitResult{Message: msg, OldName: oldName, NewName: newName}
}
