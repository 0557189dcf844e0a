package domain

import "errors"

var (
	// ErrNotFound signals a missing collection.
	ErrNotFound = errors.New("collection not found")
	// ErrAlreadyExists signals a duplicate display name.
	ErrAlreadyExists = errors.New("collection already exists")
	// ErrInvalidName signals an empty or malformed display name.
	ErrInvalidName = errors.New("invalid collection name")
	// ErrRenameInProgress signals an active rename task touching the same name.
	ErrRenameInProgress = errors.New("rename already in progress")
	// ErrInconsistent signals that the three stores disagree about a collection.
	ErrInconsistent = errors.New("stores are inconsistent")
	// ErrRollbackFailed signals that restoring a checkpoint failed; the only
	// condition requiring operator attention.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrBackupNotFound signals a missing backup id or backup directory.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrDirectoryLocked signals a segment directory that resisted deletion.
	ErrDirectoryLocked = errors.New("segment directory locked")
	// ErrMigrationNotSupported signals an unknown migration step.
	ErrMigrationNotSupported = errors.New("migration not supported")
)
