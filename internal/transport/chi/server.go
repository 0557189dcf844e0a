package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/veckeep/internal/domain"
	"github.com/kailas-cloud/veckeep/internal/metrics"
	backupuc "github.com/kailas-cloud/veckeep/internal/usecase/backup"
	cleanupuc "github.com/kailas-cloud/veckeep/internal/usecase/cleanup"
	consistencyuc "github.com/kailas-cloud/veckeep/internal/usecase/consistency"
	healthuc "github.com/kailas-cloud/veckeep/internal/usecase/health"
	migrateuc "github.com/kailas-cloud/veckeep/internal/usecase/migrate"
	renameuc "github.com/kailas-cloud/veckeep/internal/usecase/rename"
	txnuc "github.com/kailas-cloud/veckeep/internal/usecase/txn"
)

// ErrorCode classifies an error response body.
type ErrorCode string

const (
	codeBadRequest            ErrorCode = "bad_request"
	codeValidationFailed      ErrorCode = "validation_failed"
	codeCollectionNotFound    ErrorCode = "collection_not_found"
	codeCollectionExists      ErrorCode = "collection_already_exists"
	codeTaskNotFound          ErrorCode = "task_not_found"
	codeBackupNotFound        ErrorCode = "backup_not_found"
	codeRenameInProgress      ErrorCode = "rename_in_progress"
	codeDirectoryLocked       ErrorCode = "directory_locked"
	codeMigrationNotSupported ErrorCode = "migration_not_supported"
	codeRollbackFailed        ErrorCode = "rollback_failed"
	codeInternalError         ErrorCode = "internal_error"
)

// ErrorResponse is the JSON body for failed requests.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server exposes the maintenance operations over JSON. Operation outcomes
// travel in the payload (Success/Message); HTTP errors are reserved for
// malformed input and missing resources.
type Server struct {
	consistency *consistencyuc.Service
	txn         *txnuc.Service
	backups     *backupuc.Service
	renames     *renameuc.Service
	cleanup     *cleanupuc.Service
	migrations  *migrateuc.Service
	health      *healthuc.Service
	retention   domain.RetentionPolicy
	logger      *zap.Logger

	errorHandlers []errorHandler
}

// NewServer creates the admin HTTP server.
func NewServer(
	consistency *consistencyuc.Service,
	txn *txnuc.Service,
	backups *backupuc.Service,
	renames *renameuc.Service,
	cleanup *cleanupuc.Service,
	migrations *migrateuc.Service,
	health *healthuc.Service,
	retention domain.RetentionPolicy,
	logger *zap.Logger,
) *Server {
	s := &Server{
		consistency: consistency,
		txn:         txn,
		backups:     backups,
		renames:     renames,
		cleanup:     cleanup,
		migrations:  migrations,
		health:      health,
		retention:   retention,
		logger:      logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, codeCollectionNotFound),
		sentinelHandler(domain.ErrBackupNotFound, http.StatusNotFound, codeBackupNotFound),
		sentinelHandler(domain.ErrAlreadyExists, http.StatusConflict, codeCollectionExists),
		sentinelHandler(domain.ErrRenameInProgress, http.StatusConflict, codeRenameInProgress),
		sentinelHandler(domain.ErrInvalidName, http.StatusBadRequest, codeValidationFailed),
		sentinelHandler(domain.ErrDirectoryLocked, http.StatusConflict, codeDirectoryLocked),
		sentinelHandler(domain.ErrMigrationNotSupported, http.StatusBadRequest, codeMigrationNotSupported),
		sentinelHandler(domain.ErrRollbackFailed, http.StatusInternalServerError, codeRollbackFailed),
	}
	return s
}

// Routes registers every admin endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Get("/consistency", s.ValidateFull)
	r.Post("/consistency/repair", s.Repair)
	r.Get("/collections/{collectionID}/integrity", s.ValidateOne)
	r.Delete("/collections/{collectionID}", s.DeleteCollection)
	r.Get("/operations", s.OperationLog)

	r.Post("/renames", s.SubmitRename)
	r.Get("/renames", s.ListRenames)
	r.Get("/renames/{taskID}", s.RenameStatus)

	r.Post("/backups", s.CreateBackup)
	r.Get("/backups", s.ListBackups)
	r.Post("/backups/cleanup", s.CleanupBackups)
	r.Post("/backups/{backupID}/restore", s.RestoreBackup)
	r.Delete("/backups/{backupID}", s.DeleteBackup)

	r.Get("/cleanup", s.PendingCleanup)
	r.Post("/cleanup/run", s.RunCleanup)
	r.Get("/cleanup/history", s.CleanupHistory)

	r.Get("/version", s.Version)
	r.Get("/version/compatibility", s.Compatibility)
	r.Post("/migrations/plan", s.PlanMigration)
	r.Post("/migrations", s.ExecuteMigration)
	r.Post("/migrations/rollback", s.RollbackMigration)
	r.Get("/migrations/history", s.MigrationHistory)
}

// ValidateFull handles GET /consistency.
func (s *Server) ValidateFull(w http.ResponseWriter, r *http.Request) {
	report := s.consistency.ValidateFull(r.Context())
	metrics.ConsistencyChecksTotal.WithLabelValues(string(report.Status)).Inc()
	writeJSON(w, http.StatusOK, report)
}

// ValidateOne handles GET /collections/{collectionID}/integrity.
func (s *Server) ValidateOne(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "collectionID")
	if id == "" {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "collection id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.consistency.ValidateOne(r.Context(), id))
}

// Repair handles POST /consistency/repair. Runs a full check and repairs
// whatever drift it finds.
func (s *Server) Repair(w http.ResponseWriter, r *http.Request) {
	report := s.consistency.ValidateFull(r.Context())
	metrics.ConsistencyChecksTotal.WithLabelValues(string(report.Status)).Inc()
	if report.Status == domain.StatusError {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "consistency check failed, nothing repaired",
			"report":  report,
		})
		return
	}

	result := s.consistency.Repair(r.Context(), report)
	for _, a := range result.Actions {
		outcome := "failed"
		if a.Success {
			outcome = "ok"
		}
		metrics.RepairActionsTotal.WithLabelValues(a.Action, outcome).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": len(result.Failed()) == 0,
		"message": result.Summary,
		"actions": result.Actions,
	})
}

// DeleteCollection handles DELETE /collections/{collectionID}.
func (s *Server) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "collectionID")
	if id == "" {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "collection id is required")
		return
	}

	result := s.txn.DeleteCollection(r.Context(), id)
	outcome := "completed"
	if !result.Success {
		outcome = "failed"
		if result.RollbackPerformed {
			outcome = "rolled_back"
		}
	}
	metrics.TransactionsTotal.WithLabelValues("delete", outcome).Inc()

	writeJSON(w, http.StatusOK, result)
}

// OperationLog handles GET /operations.
func (s *Server) OperationLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.txn.OperationLog()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": entries})
}

// SubmitRenameRequest is the body for POST /renames.
type SubmitRenameRequest struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// SubmitRename handles POST /renames.
func (s *Server) SubmitRename(w http.ResponseWriter, r *http.Request) {
	var req SubmitRenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result := s.renames.Submit(r.Context(), req.OldName, req.NewName)
	status := http.StatusAccepted
	if !result.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

// RenameStatus handles GET /renames/{taskID}.
func (s *Server) RenameStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.renames.Status(chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeTaskNotFound, "task not found")
			return
		}
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListRenames handles GET /renames.
func (s *Server) ListRenames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.renames.Tasks()})
}

// CreateBackupRequest is the body for POST /backups.
type CreateBackupRequest struct {
	Type         domain.BackupType `json:"backup_type"`
	CollectionID string            `json:"collection_id,omitempty"`
}

// CreateBackup handles POST /backups.
func (s *Server) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req CreateBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		req.Type = domain.BackupFull
	}

	start := time.Now()
	var (
		rec domain.BackupRecord
		err error
	)
	switch req.Type {
	case domain.BackupFull:
		rec, err = s.backups.CreateFull()
	case domain.BackupCollection:
		if req.CollectionID == "" {
			writeError(w, http.StatusBadRequest, codeValidationFailed,
				"collection_id is required for single-collection backups")
			return
		}
		rec, err = s.backups.CreateCollection(req.CollectionID)
	default:
		writeError(w, http.StatusBadRequest, codeValidationFailed, "unknown backup_type")
		return
	}
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	metrics.BackupDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusCreated, rec)
}

// ListBackups handles GET /backups.
func (s *Server) ListBackups(w http.ResponseWriter, r *http.Request) {
	records, err := s.backups.List()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": records})
}

// RestoreBackup handles POST /backups/{backupID}/restore.
func (s *Server) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "backupID")
	if err := s.backups.Restore(id); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "backup restored",
		"backup_id": id,
	})
}

// DeleteBackup handles DELETE /backups/{backupID}.
func (s *Server) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.backups.Delete(chi.URLParam(r, "backupID")); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CleanupBackups handles POST /backups/cleanup. Applies the configured
// retention policy.
func (s *Server) CleanupBackups(w http.ResponseWriter, r *http.Request) {
	removed, err := s.backups.CleanupOld(s.retention)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": removed,
	})
}

// PendingCleanup handles GET /cleanup.
func (s *Server) PendingCleanup(w http.ResponseWriter, r *http.Request) {
	pending, err := s.cleanup.Pending()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	metrics.PendingCleanupEntries.Set(float64(len(pending)))
	writeJSON(w, http.StatusOK, map[string]any{"pending_cleanup": pending})
}

// RunCleanup handles POST /cleanup/run.
func (s *Server) RunCleanup(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cleanup.RunPending()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if pending, perr := s.cleanup.Pending(); perr == nil {
		metrics.PendingCleanupEntries.Set(float64(len(pending)))
	}
	writeJSON(w, http.StatusOK, summary)
}

// CleanupHistory handles GET /cleanup/history.
func (s *Server) CleanupHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.cleanup.History()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed_cleanup": history})
}

// Version handles GET /version.
func (s *Server) Version(w http.ResponseWriter, r *http.Request) {
	info, err := s.migrations.DetectVersion(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Compatibility handles GET /version/compatibility.
func (s *Server) Compatibility(w http.ResponseWriter, r *http.Request) {
	result, err := s.migrations.CheckCompatibility(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MigrationRequest is the body for migration plan and execute calls.
type MigrationRequest struct {
	TargetVersion string `json:"target_version"`
}

// PlanMigration handles POST /migrations/plan.
func (s *Server) PlanMigration(w http.ResponseWriter, r *http.Request) {
	var req MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TargetVersion == "" {
		req.TargetVersion = migrateuc.CurrentSchemaVersion
	}

	plan, err := s.migrations.CreatePlan(r.Context(), req.TargetVersion)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ExecuteMigration handles POST /migrations. Plans and runs the migration to
// the requested version in one call.
func (s *Server) ExecuteMigration(w http.ResponseWriter, r *http.Request) {
	var req MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TargetVersion == "" {
		req.TargetVersion = migrateuc.CurrentSchemaVersion
	}

	plan, err := s.migrations.CreatePlan(r.Context(), req.TargetVersion)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	result, err := s.migrations.Execute(r.Context(), plan)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RollbackRequest is the body for POST /migrations/rollback.
type RollbackRequest struct {
	BackupID string `json:"backup_id"`
}

// RollbackMigration handles POST /migrations/rollback.
func (s *Server) RollbackMigration(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.BackupID == "" {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "backup_id is required")
		return
	}

	if err := s.migrations.Rollback(req.BackupID); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "rolled back to backup",
		"backup_id": req.BackupID,
	})
}

// MigrationHistory handles GET /migrations/history.
func (s *Server) MigrationHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.migrations.History()
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": entries})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, report)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrAlreadyExists,
		domain.ErrInvalidName,
		domain.ErrRenameInProgress,
		domain.ErrInconsistent,
		domain.ErrRollbackFailed,
		domain.ErrBackupNotFound,
		domain.ErrDirectoryLocked,
		domain.ErrMigrationNotSupported,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
