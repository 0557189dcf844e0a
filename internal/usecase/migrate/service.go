// Package migrate tracks engine and schema versions, infers a schema version
// from the table shape on first run, and executes known migration steps with
// a mandatory pre-migration backup. VersionInfo is only updated after every
// step of a migration succeeds.
package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/kailas-cloud/veckeep/internal/domain"
)

// CurrentSchemaVersion is the schema this build creates and expects.
const CurrentSchemaVersion = "1.2.0"

// step is one entry of the fixed migration table.
type step struct {
	id   string
	from string
	to   string
	stmt string
	risk string
}

// steps is the fixed, ordered table of known schema migrations.
var steps = []step{
	{
		id:   "1.0.0_to_1.1.0_add_collection_meta",
		from: "1.0.0",
		to:   "1.1.0",
		stmt: `CREATE TABLE IF NOT EXISTS collection_meta (
	collection_id TEXT NOT NULL,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL,
	PRIMARY KEY (collection_id, key)
)`,
		risk: "adds a table; no existing data touched",
	},
	{
		id:   "1.1.0_to_1.2.0_add_provider_column",
		from: "1.1.0",
		to:   "1.2.0",
		stmt: `ALTER TABLE collections ADD COLUMN provider TEXT NOT NULL DEFAULT ''`,
		risk: "rewrites the collections table on some SQLite versions",
	},
}

// Service is the version/migration manager.
type Service struct {
	mu            sync.Mutex
	meta          MetaStore
	backups       Backups
	engineVersion string
	versionFile   string
	logFile       string
	log           *zap.Logger
}

// New creates a migration manager. engineVersion is the running engine's
// version string.
func New(meta MetaStore, backups Backups, engineVersion, versionFile, logFile string, log *zap.Logger) (*Service, error) {
	for _, p := range []string{versionFile, logFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create version state dir: %w", err)
		}
	}
	return &Service{
		meta:          meta,
		backups:       backups,
		engineVersion: engineVersion,
		versionFile:   versionFile,
		logFile:       logFile,
		log:           log,
	}, nil
}

// DetectVersion returns the recorded version info, inferring the schema
// version from the table shape when no version file exists yet.
func (s *Service) DetectVersion(ctx context.Context) (domain.VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectLocked(ctx)
}

func (s *Service) detectLocked(ctx context.Context) (domain.VersionInfo, error) {
	info, err := s.loadVersionFile()
	if err == nil {
		return info, nil
	}
	if !os.IsNotExist(err) {
		return domain.VersionInfo{}, err
	}

	schema, err := s.inferSchemaVersion(ctx)
	if err != nil {
		return domain.VersionInfo{}, err
	}
	info = domain.VersionInfo{
		EngineVersion:      s.engineVersion,
		SchemaVersion:      schema,
		MigrationHistory:   []string{},
		CompatibilityCheck: schema == CurrentSchemaVersion,
	}
	if err := s.saveVersionFile(info); err != nil {
		return domain.VersionInfo{}, err
	}
	s.log.Info("schema version inferred from table shape", zap.String("schema_version", schema))
	return info, nil
}

// inferSchemaVersion maps the observed table shape to a version: no KV table
// means 1.0.0, a collections table without the provider column means 1.1.0.
func (s *Service) inferSchemaVersion(ctx context.Context) (string, error) {
	tables, err := s.meta.TableNames(ctx)
	if err != nil {
		return "", fmt.Errorf("inspect tables: %w", err)
	}
	have := map[string]bool{}
	for _, t := range tables {
		have[t] = true
	}
	if !have["collection_meta"] {
		return "1.0.0", nil
	}

	cols, err := s.meta.ColumnNames(ctx, "collections")
	if err != nil {
		return "", fmt.Errorf("inspect collections columns: %w", err)
	}
	for _, c := range cols {
		if c == "provider" {
			return CurrentSchemaVersion, nil
		}
	}
	return "1.1.0", nil
}

// CheckCompatibility compares the recorded versions against the running
// engine and schema. A major-version jump on either axis is incompatible;
// any mismatch flags a migration.
func (s *Service) CheckCompatibility(ctx context.Context) (domain.CompatibilityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.detectLocked(ctx)
	if err != nil {
		return domain.CompatibilityResult{}, err
	}

	result := domain.CompatibilityResult{
		Compatible:     true,
		CurrentEngine:  s.engineVersion,
		RecordedEngine: info.EngineVersion,
		SchemaVersion:  info.SchemaVersion,
	}

	if info.EngineVersion != s.engineVersion {
		result.MigrationNeeded = true
		result.Issues = append(result.Issues,
			fmt.Sprintf("engine version changed: recorded %s, running %s", info.EngineVersion, s.engineVersion))
		if semver.Major("v"+info.EngineVersion) != semver.Major("v"+s.engineVersion) {
			result.Compatible = false
			result.Issues = append(result.Issues, "engine major version jump")
		}
	}
	if info.SchemaVersion != CurrentSchemaVersion {
		result.MigrationNeeded = true
		result.Issues = append(result.Issues,
			fmt.Sprintf("schema version behind: recorded %s, current %s", info.SchemaVersion, CurrentSchemaVersion))
		if semver.Major("v"+info.SchemaVersion) != semver.Major("v"+CurrentSchemaVersion) {
			result.Compatible = false
			result.Issues = append(result.Issues, "schema major version jump")
		}
	}

	info.CompatibilityCheck = result.Compatible
	if err := s.saveVersionFile(info); err != nil {
		return result, err
	}
	return result, nil
}

// CreatePlan walks the fixed step table from the recorded schema version to
// targetVersion. ErrMigrationNotSupported when no path exists.
func (s *Service) CreatePlan(ctx context.Context, targetVersion string) (domain.MigrationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.detectLocked(ctx)
	if err != nil {
		return domain.MigrationPlan{}, err
	}
	return buildPlan(info.SchemaVersion, targetVersion)
}

func buildPlan(from, to string) (domain.MigrationPlan, error) {
	plan := domain.MigrationPlan{
		FromVersion:    from,
		ToVersion:      to,
		BackupRequired: true,
		EstimatedTime:  "under a minute",
	}
	if from == to {
		plan.BackupRequired = false
		return plan, nil
	}
	if semver.Compare("v"+from, "v"+to) > 0 {
		return plan, fmt.Errorf("downgrade %s -> %s: %w", from, to, domain.ErrMigrationNotSupported)
	}

	cursor := from
	for cursor != to {
		found := false
		for _, st := range steps {
			if st.from == cursor {
				plan.Steps = append(plan.Steps, st.id)
				plan.Risks = append(plan.Risks, st.risk)
				cursor = st.to
				found = true
				break
			}
		}
		if !found {
			return plan, fmt.Errorf("no migration path from %s to %s: %w", cursor, to, domain.ErrMigrationNotSupported)
		}
	}
	return plan, nil
}

// Execute runs a plan: full backup first when required, then every step in
// order. The first failing step aborts the rest, and VersionInfo is updated
// only when all steps succeeded.
func (s *Service) Execute(ctx context.Context, plan domain.MigrationPlan) (domain.MigrationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result domain.MigrationResult
	if len(plan.Steps) == 0 {
		result.Success = true
		return result, nil
	}

	if plan.BackupRequired {
		rec, err := s.backups.CreateFull()
		if err != nil {
			result.Error = fmt.Sprintf("pre-migration backup failed: %v", err)
			return result, nil
		}
		result.BackupID = rec.ID
	}

	for _, stepID := range plan.Steps {
		st, ok := findStep(stepID)
		if !ok {
			result.FailedStep = stepID
			result.Error = "unknown migration step"
			s.appendLog(domain.MigrationLogEntry{Step: stepID, FinishedAt: time.Now().UTC(), Status: "failed", Detail: result.Error})
			return result, nil
		}
		if err := s.meta.Exec(ctx, st.stmt); err != nil {
			result.FailedStep = stepID
			result.Error = err.Error()
			s.appendLog(domain.MigrationLogEntry{Step: stepID, FinishedAt: time.Now().UTC(), Status: "failed", Detail: err.Error()})
			s.log.Error("migration step failed, aborting",
				zap.String("step", stepID), zap.Error(err))
			return result, nil
		}
		result.CompletedSteps = append(result.CompletedSteps, stepID)
		s.appendLog(domain.MigrationLogEntry{Step: stepID, FinishedAt: time.Now().UTC(), Status: "completed"})
	}

	info, err := s.detectLocked(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("reload version info: %v", err)
		return result, nil
	}
	info.EngineVersion = s.engineVersion
	info.SchemaVersion = plan.ToVersion
	info.LastMigration = plan.Steps[len(plan.Steps)-1]
	info.MigrationHistory = append(info.MigrationHistory, plan.Steps...)
	info.CompatibilityCheck = plan.ToVersion == CurrentSchemaVersion
	if err := s.saveVersionFile(info); err != nil {
		result.Error = fmt.Sprintf("persist version info: %v", err)
		return result, nil
	}

	result.Success = true
	s.log.Info("migration completed",
		zap.String("from", plan.FromVersion), zap.String("to", plan.ToVersion),
		zap.Int("steps", len(result.CompletedSteps)))
	return result, nil
}

// Rollback restores the pre-migration backup wholesale.
func (s *Service) Rollback(backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backups.Restore(backupID); err != nil {
		return fmt.Errorf("restore pre-migration backup: %w", err)
	}
	// The restore replaced the database file behind the open connection;
	// reopen it so schema detection sees the restored shape.
	if err := s.meta.Reload(); err != nil {
		return fmt.Errorf("reload metadata store after restore: %w", err)
	}
	// The restored metadata shape dictates the version; drop the stale record
	// so the next detection re-infers it.
	if err := os.Remove(s.versionFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset version file: %w", err)
	}
	s.log.Info("migration rolled back", zap.String("backup_id", backupID))
	return nil
}

// History reads the append-only migration log.
func (s *Service) History() ([]domain.MigrationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.logFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration log: %w", err)
	}

	var entries []domain.MigrationLogEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e domain.MigrationLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Service) appendLog(entry domain.MigrationLogEntry) {
	f, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("failed to open migration log", zap.Error(err))
		return
	}
	defer f.Close()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.log.Warn("failed to append migration log", zap.Error(err))
	}
}

func (s *Service) loadVersionFile() (domain.VersionInfo, error) {
	var info domain.VersionInfo
	data, err := os.ReadFile(s.versionFile)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse version file: %w", err)
	}
	return info, nil
}

func (s *Service) saveVersionFile(info domain.VersionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode version info: %w", err)
	}
	tmp := s.versionFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	return os.Rename(tmp, s.versionFile)
}

func findStep(id string) (step, bool) {
	for _, st := range steps {
		if st.id == id {
			return st, true
		}
	}
	return step{}, false
}
