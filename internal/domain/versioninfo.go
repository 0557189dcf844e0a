package domain

import "time"

// VersionInfo is the persisted version record, mutated only by the migration
// manager and only after a fully successful migration.
type VersionInfo struct {
	EngineVersion      string   `json:"engine_version"`
	SchemaVersion      string   `json:"schema_version"`
	LastMigration      string   `json:"last_migration,omitempty"`
	MigrationHistory   []string `json:"migration_history"`
	CompatibilityCheck bool     `json:"compatibility_check"`
}

// CompatibilityResult is the outcome of comparing the recorded versions
// against the running engine.
type CompatibilityResult struct {
	Compatible      bool     `json:"compatible"`
	CurrentEngine   string   `json:"current_engine"`
	RecordedEngine  string   `json:"recorded_engine"`
	SchemaVersion   string   `json:"schema_version"`
	MigrationNeeded bool     `json:"migration_needed"`
	Issues          []string `json:"issues"`
}

// MigrationPlan is an ordered list of known migration steps plus a risk
// summary, produced before any mutation happens.
type MigrationPlan struct {
	FromVersion    string   `json:"from_version"`
	ToVersion      string   `json:"to_version"`
	Steps          []string `json:"steps"`
	BackupRequired bool     `json:"backup_required"`
	EstimatedTime  string   `json:"estimated_time"`
	Risks          []string `json:"risks"`
}

// MigrationResult reports which steps ran and where execution stopped.
type MigrationResult struct {
	Success        bool     `json:"success"`
	CompletedSteps []string `json:"completed_steps"`
	FailedStep     string   `json:"failed_step,omitempty"`
	BackupID       string   `json:"backup_id,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// MigrationLogEntry is one line of the append-only migration log.
type MigrationLogEntry struct {
	Step       string    `json:"step"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}
