// Package consistency detects drift between the engine registry, the
// metadata table, and the filesystem segment directories, and repairs what it
// can. It is read-only except for Repair, and never decides to roll anything
// back; that is the transaction manager's job.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/engine"
)

// NameFunc synthesizes a display name for a recovered orphan directory.
type NameFunc func(id string) string

// DefaultRecoveredName derives a placeholder from the id's hash prefix.
func DefaultRecoveredName(id string) string {
	h := strings.TrimPrefix(id, "col_")
	if len(h) > 8 {
		h = h[:8]
	}
	return "recovered_" + h
}

// Service is the consistency validator and auto-repair engine.
type Service struct {
	engine        Engine
	meta          MetaStore
	segments      SegmentStore
	quarantineDir string
	defaultDim    int
	recoveredName NameFunc
	log           *zap.Logger
}

// New creates a consistency service. nameFn may be nil to use the default
// placeholder policy for recovered directories.
func New(eng Engine, meta MetaStore, segments SegmentStore, quarantineDir string, defaultDim int, nameFn NameFunc, log *zap.Logger) *Service {
	if nameFn == nil {
		nameFn = DefaultRecoveredName
	}
	return &Service{
		engine:        eng,
		meta:          meta,
		segments:      segments,
		quarantineDir: quarantineDir,
		defaultDim:    defaultDim,
		recoveredName: nameFn,
		log:           log,
	}
}

// ValidateFull reads all three store views and computes the drift sets.
// Status is error when any store is unreadable, inconsistent when any derived
// set is non-empty. No side effects.
func (s *Service) ValidateFull(ctx context.Context) domain.ConsistencyReport {
	report := domain.ConsistencyReport{Status: domain.StatusConsistent}

	infos, err := s.engine.List(ctx)
	if err != nil {
		report.Status = domain.StatusError
		report.Issues = append(report.Issues, fmt.Sprintf("engine registry unreadable: %v", err))
		return report
	}
	engineIDs := make([]string, 0, len(infos))
	for _, info := range infos {
		engineIDs = append(engineIDs, info.ID)
	}
	report.EngineIDs = domain.NewStoreView(engineIDs)

	metaIDs, err := s.meta.IDs(ctx)
	if err != nil {
		report.Status = domain.StatusError
		report.Issues = append(report.Issues, fmt.Sprintf("metadata table unreadable: %v", err))
		return report
	}
	report.MetadataIDs = domain.NewStoreView(metaIDs)

	fsIDs, err := s.segments.IDs()
	if err != nil {
		report.Status = domain.StatusError
		report.Issues = append(report.Issues, fmt.Sprintf("segment root unreadable: %v", err))
		return report
	}
	report.FilesystemIDs = domain.NewStoreView(fsIDs)

	report.MissingFromMetadata = sorted(report.EngineIDs.Diff(report.MetadataIDs))
	report.MissingFromFilesystem = sorted(report.MetadataIDs.Diff(report.FilesystemIDs))

	// Orphaned directory: on disk, known to neither metadata nor engine.
	for _, id := range report.FilesystemIDs.Diff(report.MetadataIDs) {
		if !report.EngineIDs.Contains(id) {
			report.OrphanedDirectories = append(report.OrphanedDirectories, id)
		}
	}
	sort.Strings(report.OrphanedDirectories)

	// Orphaned metadata: a row with no directory and no engine entry.
	for _, id := range report.MetadataIDs.Diff(report.FilesystemIDs) {
		if !report.EngineIDs.Contains(id) {
			report.OrphanedMetadata = append(report.OrphanedMetadata, id)
		}
	}
	sort.Strings(report.OrphanedMetadata)

	if len(report.MissingFromMetadata) > 0 {
		report.Status = domain.StatusInconsistent
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d collection(s) in engine but not in metadata", len(report.MissingFromMetadata)))
	}
	if len(report.MissingFromFilesystem) > 0 {
		report.Status = domain.StatusInconsistent
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d collection(s) in metadata but missing on disk", len(report.MissingFromFilesystem)))
	}
	if len(report.OrphanedDirectories) > 0 {
		report.Status = domain.StatusInconsistent
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d orphaned segment directory(ies)", len(report.OrphanedDirectories)))
	}
	if len(report.OrphanedMetadata) > 0 {
		report.Status = domain.StatusInconsistent
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d orphaned metadata row(s)", len(report.OrphanedMetadata)))
	}
	return report
}

// ValidateOne checks one collection across all three stores. Each sub-check
// is reported independently so a caller can pinpoint the broken store.
func (s *Service) ValidateOne(ctx context.Context, id string) domain.IntegrityResult {
	result := domain.IntegrityResult{CollectionID: id}

	rec, err := s.meta.Get(ctx, id)
	switch {
	case err == nil:
		result.DisplayName = rec.DisplayName
		result.MetadataRow = domain.Check{State: domain.CheckOK, Message: "metadata row present"}
	case isNotFound(err):
		result.MetadataRow = domain.Check{State: domain.CheckMissing, Message: "no metadata row"}
	default:
		result.MetadataRow = domain.Check{State: domain.CheckError, Message: err.Error()}
	}

	switch {
	case !s.segments.Exists(id):
		result.SegmentFiles = domain.Check{State: domain.CheckMissing, Message: "segment directory missing"}
	case !s.segments.Populated(id):
		result.SegmentFiles = domain.Check{State: domain.CheckError, Message: "segment directory empty"}
	default:
		result.SegmentFiles = domain.Check{State: domain.CheckOK, Message: "segment files present"}
	}

	count, err := s.engine.Count(ctx, id)
	switch {
	case err == nil:
		result.EngineRead = domain.Check{State: domain.CheckOK, Message: fmt.Sprintf("engine read ok, %d record(s)", count)}
	case isNotFound(err):
		result.EngineRead = domain.Check{State: domain.CheckMissing, Message: "not in engine registry"}
	default:
		result.EngineRead = domain.Check{State: domain.CheckError, Message: err.Error()}
	}
	return result
}

// Repair consumes a report and fixes what it can. Orphaned directories with
// index files are re-registered as recovered metadata rows; empty ones are
// quarantined. Orphaned metadata rows are deleted. Each action is independent
// and one failure does not abort the rest.
func (s *Service) Repair(ctx context.Context, report domain.ConsistencyReport) domain.RepairResult {
	var result domain.RepairResult

	for _, id := range report.OrphanedDirectories {
		result.Actions = append(result.Actions, s.repairOrphanedDir(ctx, id))
	}
	for _, id := range report.OrphanedMetadata {
		result.Actions = append(result.Actions, s.repairOrphanedMeta(ctx, id))
	}

	succeeded := 0
	for _, a := range result.Actions {
		if a.Success {
			succeeded++
		}
	}
	result.Summary = fmt.Sprintf("%d repair action(s), %d succeeded, %d failed",
		len(result.Actions), succeeded, len(result.Actions)-succeeded)
	s.log.Info("auto-repair pass finished", zap.String("summary", result.Summary))
	return result
}

func (s *Service) repairOrphanedDir(ctx context.Context, id string) domain.RepairAction {
	if !s.segments.Populated(id) {
		dst, err := s.segments.Quarantine(id, s.quarantineDir)
		if err != nil {
			return domain.RepairAction{CollectionID: id, Action: "quarantined", Success: false,
				Message: fmt.Sprintf("quarantine failed: %v", err)}
		}
		s.log.Warn("quarantined empty orphan directory", zap.String("collection_id", id), zap.String("moved_to", dst))
		return domain.RepairAction{CollectionID: id, Action: "quarantined", Success: true,
			Message: "empty orphan directory moved to " + dst}
	}

	now := time.Now().UTC()
	rec := domain.CollectionRecord{
		ID:          id,
		DisplayName: s.recoveredName(id),
		Dimension:   s.defaultDim,
		Recovered:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.meta.Insert(ctx, rec); err != nil {
		return domain.RepairAction{CollectionID: id, Action: "recovered", Success: false,
			Message: fmt.Sprintf("re-register metadata failed: %v", err)}
	}
	s.log.Info("recovered orphan directory",
		zap.String("collection_id", id), zap.String("display_name", rec.DisplayName))
	return domain.RepairAction{CollectionID: id, Action: "recovered", Success: true,
		Message: "re-registered as " + rec.DisplayName}
}

func (s *Service) repairOrphanedMeta(ctx context.Context, id string) domain.RepairAction {
	if err := s.meta.Delete(ctx, id); err != nil && !isNotFound(err) {
		return domain.RepairAction{CollectionID: id, Action: "metadata_removed", Success: false,
			Message: fmt.Sprintf("delete metadata row failed: %v", err)}
	}
	s.log.Info("removed orphaned metadata row", zap.String("collection_id", id))
	return domain.RepairAction{CollectionID: id, Action: "metadata_removed", Success: true,
		Message: "orphaned metadata row deleted"}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, engine.ErrCollectionNotFound)
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}
