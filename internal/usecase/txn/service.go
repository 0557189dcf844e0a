// Package txn wraps destructive operations in a checkpoint/rollback scope:
// full backup before the mutation, an audit log entry per status transition,
// post-mutation consistency verification with one repair round, and wholesale
// restore from the checkpoint backup when anything fails.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// Body is the caller-provided mutation executed inside the scope.
type Body func(ctx context.Context) error

// Service is the checkpoint/transaction manager. A single mutex serializes
// every transactional mutation; reads stay lock-free.
type Service struct {
	mu        sync.Mutex
	validator Validator
	backups   Backups
	meta      MetaStore
	engine    Engine
	cleanup   CleanupQueue
	oplog     *OpLog
	log       *zap.Logger
}

// New creates a transaction manager.
func New(validator Validator, backups Backups, meta MetaStore, eng Engine, cleanup CleanupQueue, oplog *OpLog, log *zap.Logger) *Service {
	return &Service{
		validator: validator,
		backups:   backups,
		meta:      meta,
		engine:    eng,
		cleanup:   cleanup,
		oplog:     oplog,
		log:       log,
	}
}

// Transact runs body inside a checkpointed scope. On exit, the target id is
// either fully present in all three stores or fully absent from all of them;
// a failed body or a post-check that repair cannot fix triggers restore from
// the pre-operation backup.
func (s *Service) Transact(ctx context.Context, opType domain.OpType, targetID string, body Body) domain.OperationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	opID := uuid.NewString()
	log := s.log.With(
		zap.String("operation_id", opID),
		zap.String("operation_type", string(opType)),
		zap.String("target_id", targetID),
	)

	cp, err := s.createCheckpoint(ctx, opType, targetID)
	if err != nil {
		log.Error("checkpoint creation failed", zap.Error(err))
		return domain.OperationResult{
			OperationID: opID,
			Message:     fmt.Sprintf("checkpoint creation failed: %v", err),
		}
	}

	started := time.Now().UTC()
	entry := domain.OperationLogEntry{
		OperationID:  opID,
		OpType:       opType,
		TargetID:     targetID,
		Status:       domain.OpStarted,
		StartedAt:    started,
		CheckpointID: cp.ID,
	}
	if err := s.oplog.Append(entry); err != nil {
		// The checkpoint backup is unused; drop it.
		_ = s.backups.Delete(cp.BackupID)
		log.Error("operation log append failed", zap.Error(err))
		return domain.OperationResult{
			OperationID: opID,
			Message:     fmt.Sprintf("operation log unavailable: %v", err),
		}
	}
	log.Info("transaction started", zap.String("checkpoint_id", cp.ID))

	if err := body(ctx); err != nil {
		return s.rollback(ctx, entry, cp, log, fmt.Sprintf("operation failed: %v", err))
	}

	verified, detail := s.verify(ctx)
	if !verified {
		return s.rollback(ctx, entry, cp, log, "post-operation state inconsistent: "+detail)
	}

	entry.Status = domain.OpCompleted
	entry.FinishedAt = time.Now().UTC()
	if err := s.oplog.Append(entry); err != nil {
		log.Warn("failed to log completion", zap.Error(err))
	}
	if err := s.backups.Delete(cp.BackupID); err != nil {
		log.Warn("failed to discard checkpoint backup", zap.Error(err))
	}
	log.Info("transaction completed")
	return domain.OperationResult{
		Success:             true,
		Message:             "operation completed",
		OperationID:         opID,
		ConsistencyVerified: true,
	}
}

// DeleteCollection removes a collection from all three stores inside a
// transaction. A segment directory the engine cannot release is handed to the
// deferred cleanup queue instead of failing the delete.
func (s *Service) DeleteCollection(ctx context.Context, id string) domain.OperationResult {
	return s.Transact(ctx, domain.OpDelete, id, func(ctx context.Context) error {
		rec, err := s.meta.Get(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("load collection %s: %w", id, err)
		}

		if err := s.engine.Delete(ctx, id); err != nil {
			switch {
			case errors.Is(err, engine.ErrDeleteLocked):
				if qerr := s.cleanup.Enqueue([]string{id}, id, rec.DisplayName); qerr != nil {
					return fmt.Errorf("defer locked directory cleanup: %w", qerr)
				}
				s.log.Warn("segment directory locked, cleanup deferred", zap.String("collection_id", id))
			case errors.Is(err, engine.ErrCollectionNotFound):
				// Already gone from the engine; keep going so the metadata
				// row is still removed.
			default:
				return fmt.Errorf("engine delete %s: %w", id, err)
			}
		}

		if err := s.meta.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("delete metadata row %s: %w", id, err)
		}
		return nil
	})
}

// OperationLog exposes the audit trail for the admin surface.
func (s *Service) OperationLog() ([]domain.OperationLogEntry, error) {
	return s.oplog.ReadAll()
}

func (s *Service) createCheckpoint(ctx context.Context, opType domain.OpType, targetID string) (domain.Checkpoint, error) {
	rec, err := s.backups.CreateFull()
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint backup: %w", err)
	}
	preState, err := s.meta.IDs(ctx)
	if err != nil {
		_ = s.backups.Delete(rec.ID)
		return domain.Checkpoint{}, fmt.Errorf("capture pre-state: %w", err)
	}
	return domain.Checkpoint{
		ID:        "cp_" + uuid.NewString()[:8],
		OpType:    opType,
		TargetID:  targetID,
		CreatedAt: time.Now().UTC(),
		BackupID:  rec.ID,
		PreState:  preState,
	}, nil
}

// verify runs the post-operation consistency check, with one repair round on
// drift. Directories already parked in the cleanup queue are expected
// leftovers, not drift.
func (s *Service) verify(ctx context.Context) (bool, string) {
	report := s.filterPending(s.validator.ValidateFull(ctx))
	if report.Status == domain.StatusConsistent {
		return true, ""
	}
	if report.Status == domain.StatusError {
		return false, fmt.Sprintf("validation error: %v", report.Issues)
	}

	repair := s.validator.Repair(ctx, report)
	s.log.Info("post-operation repair attempted", zap.String("summary", repair.Summary))

	report = s.filterPending(s.validator.ValidateFull(ctx))
	if report.Status == domain.StatusConsistent {
		return true, ""
	}
	return false, fmt.Sprintf("still inconsistent after repair: %v", report.Issues)
}

func (s *Service) filterPending(report domain.ConsistencyReport) domain.ConsistencyReport {
	if len(report.OrphanedDirectories) == 0 {
		return report
	}
	var kept []string
	for _, id := range report.OrphanedDirectories {
		if !s.cleanup.IsPending(id) {
			kept = append(kept, id)
		}
	}
	report.OrphanedDirectories = kept
	if report.Status == domain.StatusInconsistent &&
		len(report.OrphanedDirectories) == 0 &&
		len(report.OrphanedMetadata) == 0 &&
		len(report.MissingFromMetadata) == 0 &&
		len(report.MissingFromFilesystem) == 0 {
		report.Status = domain.StatusConsistent
		report.Issues = nil
	}
	return report
}

func (s *Service) rollback(ctx context.Context, entry domain.OperationLogEntry, cp domain.Checkpoint, log *zap.Logger, reason string) domain.OperationResult {
	log.Error("transaction failed, rolling back",
		zap.String("reason", reason), zap.String("backup_id", cp.BackupID))

	entry.FinishedAt = time.Now().UTC()
	entry.Detail = reason
	entry.Status = domain.OpFailed
	if err := s.oplog.Append(entry); err != nil {
		log.Error("failed to log failure", zap.Error(err))
	}

	if err := s.backups.Restore(cp.BackupID); err != nil {
		return s.rollbackFailed(entry, log, fmt.Sprintf("%s; rollback failed: %v", reason, err))
	}

	// The restore rewrote the engine registry, the segment directories and
	// the metadata database behind the live store handles; both stores must
	// re-read their state before the restored files count for anything.
	if err := s.engine.Reload(ctx); err != nil {
		return s.rollbackFailed(entry, log, fmt.Sprintf("%s; engine reload after restore failed: %v", reason, err))
	}
	if err := s.meta.Reload(); err != nil {
		return s.rollbackFailed(entry, log, fmt.Sprintf("%s; metadata reload after restore failed: %v", reason, err))
	}

	report := s.filterPending(s.validator.ValidateFull(ctx))
	if report.Status != domain.StatusConsistent {
		return s.rollbackFailed(entry, log, fmt.Sprintf("%s; restored state inconsistent: %v", reason, report.Issues))
	}

	entry.Status = domain.OpRolledBack
	if err := s.oplog.Append(entry); err != nil {
		log.Error("failed to log rollback", zap.Error(err))
	}
	log.Info("rollback completed and verified")
	return domain.OperationResult{
		OperationID:         entry.OperationID,
		Message:             reason + "; rolled back to pre-operation state",
		RollbackPerformed:   true,
		ConsistencyVerified: true,
	}
}

func (s *Service) rollbackFailed(entry domain.OperationLogEntry, log *zap.Logger, msg string) domain.OperationResult {
	entry.Status = domain.OpRollbackFailed
	entry.Detail = msg
	if err := s.oplog.Append(entry); err != nil {
		log.Error("failed to log rollback failure", zap.Error(err))
	}
	log.Error("rollback failed, manual intervention required", zap.String("detail", msg))
	return domain.OperationResult{
		OperationID: entry.OperationID,
		Message:     fmt.Sprintf("%s: %s", msg, domain.ErrRollbackFailed),
	}
}
