package domain

import "time"

// OpType classifies a destructive operation.
type OpType string

const (
	OpDelete OpType = "delete"
	OpRename OpType = "rename"
)

// OpStatus is the lifecycle state of a logged operation.
type OpStatus string

const (
	OpStarted        OpStatus = "started"
	OpCompleted      OpStatus = "completed"
	OpFailed         OpStatus = "failed"
	OpRolledBack     OpStatus = "rolled_back"
	OpRollbackFailed OpStatus = "rollback_failed"
)

// Checkpoint captures the pre-operation state of a destructive operation:
// a full backup plus the set of collection ids at checkpoint time. Created at
// operation start, deleted on success, retained on failure for rollback.
type Checkpoint struct {
	ID        string    `json:"checkpoint_id"`
	OpType    OpType    `json:"operation_type"`
	TargetID  string    `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
	BackupID  string    `json:"backup_id"`
	PreState  []string  `json:"pre_state"` // collection ids at checkpoint time
}

// OperationLogEntry is one line of the append-only operation audit trail.
type OperationLogEntry struct {
	OperationID  string    `json:"operation_id"`
	OpType       OpType    `json:"operation_type"`
	TargetID     string    `json:"target_id"`
	Status       OpStatus  `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// OperationResult is the structured outcome returned to the boundary layer
// for every transactional operation.
type OperationResult struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	OperationID         string `json:"operation_id"`
	ConsistencyVerified bool   `json:"consistency_verified"`
	RollbackPerformed   bool   `json:"rollback_performed"`
}
