package progress

import "time"

// Kind discriminates push event payloads.
type Kind string

const (
	KindQueued      Kind = "queued"
	KindProgress    Kind = "progress"
	KindCompleted   Kind = "completed"
	KindFailed      Kind = "failed"
	KindBatchStatus Kind = "batchStatus"
)

// Event is one push update delivered to a user's subscribed clients.
// Seq is monotonic per job (and per batch for batchStatus events), so a
// client that reconnects and re-pulls current state can discard any
// pushed event whose Seq is not strictly newer than what it already
// applied. The push channel is a freshness optimization; the store
// remains the source of truth.
type Event struct {
	Kind Kind   `json:"kind"`
	Seq  uint64 `json:"seq"`

	JobID   string `json:"jobId,omitempty"`
	BatchID string `json:"batchId,omitempty"`

	// Queue position at enqueue time, for queued events.
	Position int `json:"position,omitempty"`

	// Transfer progress, for progress events. TotalBytes may be zero
	// when the source does not report a size.
	BytesReceived int64 `json:"bytesReceived,omitempty"`
	TotalBytes    int64 `json:"totalBytes,omitempty"`

	// Failure reason, for failed events.
	Reason string `json:"reason,omitempty"`

	// Batch aggregate, for batchStatus events.
	Status    string `json:"status,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Total     int    `json:"total,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// userID routes the event inside the hub; it is not part of the
	// wire payload since each stream already belongs to one user.
	userID string
}

// Publisher is the push side of the progress channel. Implementations
// deliver best-effort: a disconnected or slow subscriber misses events
// and reconciles by pulling current state on reconnect.
type Publisher interface {
	JobQueued(userID, jobID string, position int)
	JobProgress(userID, jobID string, received, total int64)
	JobCompleted(userID, jobID string)
	JobFailed(userID, jobID, reason string)
	BatchStatus(userID, batchID, status string, completed, failed, total int)
}
