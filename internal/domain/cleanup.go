package domain

import "time"

// PendingCleanupEntry records a segment directory that resisted deletion, to
// be retried at process startup or on demand.
type PendingCleanupEntry struct {
	SegmentID      string    `json:"segment_id"`
	CollectionID   string    `json:"collection_id"`
	CollectionName string    `json:"collection_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SizeBytes      int64     `json:"size_bytes"`
	Attempts       int       `json:"attempts"`
	LastAttempt    time.Time `json:"last_attempt,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// CompletedCleanupEntry is a pending entry after it left the queue, either
// successfully removed or moved to the permanent-failure record.
type CompletedCleanupEntry struct {
	PendingCleanupEntry
	CompletedAt time.Time `json:"completed_at"`
	Outcome     string    `json:"outcome"` // removed, vanished, permanent_failure
}

// CleanupState is the JSON file persisted next to the engine data.
type CleanupState struct {
	Pending            []PendingCleanupEntry   `json:"pending_cleanup"`
	Completed          []CompletedCleanupEntry `json:"completed_cleanup"`
	LastStartupCleanup time.Time               `json:"last_startup_cleanup,omitzero"`
}

// CleanupSummary is the structured result of one cleanup sweep.
type CleanupSummary struct {
	Cleaned int             `json:"cleaned"`
	Failed  int             `json:"failed"`
	Items   []CleanupResult `json:"items"`
}

// CleanupResult is the per-entry outcome of one sweep.
type CleanupResult struct {
	SegmentID string `json:"segment_id"`
	Status    string `json:"status"`
}
