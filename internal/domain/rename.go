package domain

import "time"

// TaskStatus is the rename task state machine:
// normal -> renaming -> {completed, error}.
type TaskStatus string

const (
	TaskNormal    TaskStatus = "normal"
	TaskRenaming  TaskStatus = "renaming"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError
}

// RenameTask tracks one fast-acknowledge/background-complete rename. Mutated
// only by the owning background worker; pruned from the active set a fixed
// delay after reaching a terminal state.
type RenameTask struct {
	ID         string     `json:"task_id"`
	OldName    string     `json:"old_name"`
	NewName    string     `json:"new_name"`
	OldID      string     `json:"old_collection_id"`
	NewID      string     `json:"new_collection_id"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"` // 0-100
	Message    string     `json:"message"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

// SubmitResult is the immediate response to a rename request.
type SubmitResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	OldName string `json:"old_name,omitempty"`
	NewName string `json:"new_name,omitempty"`
}
