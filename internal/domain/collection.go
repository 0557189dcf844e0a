package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CollectionRecord is the unit being managed: one named collection as recorded
// in the metadata store. The internal ID is stable and immutable; the display
// name is user-facing and unique among non-quarantined records.
type CollectionRecord struct {
	ID          string
	DisplayName string
	Dimension   int
	Provider    string
	Recovered   bool
	Quarantined bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidateDisplayName checks a user-facing collection name. Display names may
// contain any printable characters including CJK; only emptiness and length
// are enforced here, uniqueness is the metadata store's concern.
func ValidateDisplayName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(trimmed) > 256 {
		return fmt.Errorf("%w: name too long (max 256 bytes)", ErrInvalidName)
	}
	return nil
}

// EncodeCollectionID derives the engine-compatible internal id for a display
// name. Display names may be arbitrary UTF-8, so the id is a hash prefix that
// is stable across processes.
func EncodeCollectionID(displayName string) string {
	sum := md5.Sum([]byte(displayName))
	return "col_" + hex.EncodeToString(sum[:])
}
