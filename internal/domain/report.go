package domain

// ReportStatus is the overall outcome of a full consistency check.
type ReportStatus string

const (
	StatusConsistent   ReportStatus = "consistent"
	StatusInconsistent ReportStatus = "inconsistent"
	StatusError        ReportStatus = "error"
)

// StoreView is the set of internal ids as observed from one store.
// Recomputed on demand, never persisted.
type StoreView map[string]struct{}

// NewStoreView builds a view from a list of ids.
func NewStoreView(ids []string) StoreView {
	v := make(StoreView, len(ids))
	for _, id := range ids {
		v[id] = struct{}{}
	}
	return v
}

// Contains reports whether the view holds id.
func (v StoreView) Contains(id string) bool {
	_, ok := v[id]
	return ok
}

// Diff returns the ids present in v but absent from other, sorted order is
// not guaranteed.
func (v StoreView) Diff(other StoreView) []string {
	var out []string
	for id := range v {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// IDs returns the view's members as a slice.
func (v StoreView) IDs() []string {
	out := make([]string, 0, len(v))
	for id := range v {
		out = append(out, id)
	}
	return out
}

// ConsistencyReport is the derived result of comparing the engine registry,
// the metadata table, and the filesystem segment directories.
type ConsistencyReport struct {
	Status ReportStatus `json:"status"`
	Issues []string     `json:"issues"`

	EngineIDs     StoreView `json:"-"`
	MetadataIDs   StoreView `json:"-"`
	FilesystemIDs StoreView `json:"-"`

	// Derived sets.
	MissingFromMetadata   []string `json:"missing_from_metadata"`
	MissingFromFilesystem []string `json:"missing_from_filesystem"`
	OrphanedDirectories   []string `json:"orphaned_directories"`
	OrphanedMetadata      []string `json:"orphaned_metadata"`
}

// Consistent reports whether no drift was detected.
func (r ConsistencyReport) Consistent() bool {
	return r.Status == StatusConsistent
}

// CheckState is the outcome of one independent integrity sub-check.
type CheckState string

const (
	CheckOK      CheckState = "ok"
	CheckMissing CheckState = "missing"
	CheckError   CheckState = "error"
)

// Check is one sub-check result with a human-readable detail.
type Check struct {
	State   CheckState `json:"state"`
	Message string     `json:"message"`
}

// IntegrityResult reports the per-store health of a single collection, each
// sub-check independent so a caller can pinpoint the failure.
type IntegrityResult struct {
	CollectionID string `json:"collection_id"`
	DisplayName  string `json:"display_name"`
	MetadataRow  Check  `json:"metadata_row"`
	SegmentFiles Check  `json:"segment_files"`
	EngineRead   Check  `json:"engine_read"`
}

// OK reports whether every sub-check passed.
func (r IntegrityResult) OK() bool {
	return r.MetadataRow.State == CheckOK &&
		r.SegmentFiles.State == CheckOK &&
		r.EngineRead.State == CheckOK
}

// RepairAction records one attempted repair.
type RepairAction struct {
	CollectionID string `json:"collection_id"`
	Action       string `json:"action"` // recovered, quarantined, metadata_removed
	Success      bool   `json:"success"`
	Message      string `json:"message"`
}

// RepairResult aggregates the outcome of an auto-repair pass.
type RepairResult struct {
	Actions []RepairAction `json:"actions"`
	Summary string         `json:"summary"`
}

// Failed returns the actions that did not succeed.
func (r RepairResult) Failed() []RepairAction {
	var out []RepairAction
	for _, a := range r.Actions {
		if !a.Success {
			out = append(out, a)
		}
	}
	return out
}
