package domain

import "time"

// BackupType distinguishes whole-store snapshots from per-collection archives.
type BackupType string

const (
	BackupFull       BackupType = "full"
	BackupCollection BackupType = "single-collection"
)

// BackupRecord describes one backup in the append-only backup index.
type BackupRecord struct {
	ID           string     `json:"backup_id"`
	Type         BackupType `json:"backup_type"`
	CollectionID string     `json:"collection_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Path         string     `json:"path"`
	SizeBytes    int64      `json:"size_bytes"`
}

// BackupIndex is the JSON file persisted at the backup root.
type BackupIndex struct {
	Backups        []BackupRecord `json:"backups"`
	LastFullBackup string         `json:"last_full_backup,omitempty"`
}

// RetentionPolicy prunes old backups while always preserving the most recent
// full backup regardless of age.
type RetentionPolicy struct {
	KeepDays  int
	KeepCount int
}
