package cleanup

// SegmentStore is the filesystem surface the queue retries against.
type SegmentStore interface {
	Exists(id string) bool
	Size(id string) (int64, error)
	Remove(id string) error
}
