package state

// BatchStatus represents the aggregate state of a discovery batch.
type BatchStatus string

const (
	// Scanning: batch opened, targets are still being resolved and
	// turned into jobs.
	Scanning BatchStatus = "scanning"

	// BatchDownloading: intake finished, owned jobs are in flight.
	BatchDownloading BatchStatus = "downloading"

	// BatchCompleted: every owned job reached a terminal status and the
	// batch was not cancelled. Failures count as accounted-for here,
	// not as blocking.
	BatchCompleted BatchStatus = "completed"

	// BatchCancelled: terminal override set by an explicit cancel.
	// In-flight jobs finish for audit but no longer move the batch.
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal returns true if the batch status accepts no further changes.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCancelled
}

// Valid returns true if the status is a recognized batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case Scanning, BatchDownloading, BatchCompleted, BatchCancelled:
		return true
	default:
		return false
	}
}

// rank orders batch statuses along their forward-only progression.
// Status may only ever move to a strictly higher rank, which is what
// keeps concurrent outcome recording monotonic.
func (s BatchStatus) rank() int {
	switch s {
	case Scanning:
		return 0
	case BatchDownloading:
		return 1
	case BatchCompleted, BatchCancelled:
		return 2
	default:
		return -1
	}
}

// CanAdvance reports whether a batch may move from one status to another.
// Movement is strictly forward; terminal statuses never change.
func (s BatchStatus) CanAdvance(to BatchStatus) bool {
	if !s.Valid() || !to.Valid() || s.Terminal() {
		return false
	}
	return to.rank() > s.rank()
}
