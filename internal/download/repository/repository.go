package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/download/state"
)

// Repository-level sentinel errors.
var (
	// ErrIllegalTransition indicates the job was not in a status that
	// permits the requested transition, either because the path is
	// illegal or because another writer got there first.
	ErrIllegalTransition = errors.New("illegal job status transition")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Mutation carries the fields a status transition may set alongside the
// status itself.
type Mutation struct {
	SourceUsed string
	LastError  *string
}

// JobStore is the contract for download job persistence. The store owns
// the one-active-job-per-scope invariant: implementations must enforce
// it with their own uniqueness mechanism so that concurrent creators
// racing on the same scope all converge on a single winning row, even
// across process instances.
type JobStore interface {
	// Create inserts the job unless an active job already holds its
	// scope. On a scope conflict it returns the existing active row
	// with created=false instead of an error: losing the insert race
	// is an expected dedup hit, not a failure.
	Create(ctx context.Context, job *model.DownloadJob) (winner *model.DownloadJob, created bool, err error)

	// Transition moves the job from one status to another, applying
	// the mutation. The guard is atomic: if the job is not currently
	// in the expected status, nothing changes and ErrIllegalTransition
	// is returned.
	Transition(ctx context.Context, id string, from, to state.Status, mut Mutation) (*model.DownloadJob, error)

	// GetByID retrieves a job. Returns nil without error when the job
	// doesn't exist.
	GetByID(ctx context.Context, id string) (*model.DownloadJob, error)

	// FindActive returns the active job holding a scope, or nil.
	FindActive(ctx context.Context, scope model.Scope) (*model.DownloadJob, error)

	// ListByBatch returns every job owned by a batch, ordered by
	// creation time.
	ListByBatch(ctx context.Context, batchID string) ([]*model.DownloadJob, error)

	// ListActiveByUser returns a user's pending and downloading jobs
	// across all batches, ordered by creation time.
	ListActiveByUser(ctx context.Context, userID string) ([]*model.DownloadJob, error)

	// ListStalePending returns pending jobs that have not been touched
	// within the staleness window, ordered by creation time. Used for
	// reclaiming work after a process restart.
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*model.DownloadJob, error)

	// ListStaleDownloading returns downloading jobs that have not been
	// touched within the staleness window, ordered by creation time.
	// These were abandoned by a worker that shut down or died mid
	// acquisition.
	ListStaleDownloading(ctx context.Context, olderThan time.Duration, limit int) ([]*model.DownloadJob, error)

	// Unavailable derives the batch's unavailable-album view: the
	// latest failed attempt of every target lineage that has no
	// active or completed job left.
	Unavailable(ctx context.Context, batchID string) ([]model.UnavailableAlbum, error)
}

// BatchStore is the contract for discovery batch persistence. It is the
// sole writer of batch rows; workers only request outcome recording
// through it.
type BatchStore interface {
	// Open inserts a new batch in scanning status.
	Open(ctx context.Context, batch *model.DiscoveryBatch) error

	// GetByID retrieves a batch. Returns nil without error when the
	// batch doesn't exist.
	GetByID(ctx context.Context, id string) (*model.DiscoveryBatch, error)

	// MarkDownloading advances a scanning batch to downloading once
	// intake finishes. Advancing an already-advanced batch is a no-op.
	MarkDownloading(ctx context.Context, id string) error

	// RecordOutcome atomically increments the matching counter and
	// recomputes status. Counters always move; status only ever moves
	// forward, so a cancelled or completed batch keeps its status no
	// matter how late an outcome arrives. Returns the updated batch.
	RecordOutcome(ctx context.Context, id string, outcome model.Outcome) (*model.DiscoveryBatch, error)

	// Cancel sets the cancelled terminal override unless the batch
	// already completed. Returns the updated batch.
	Cancel(ctx context.Context, id string) (*model.DiscoveryBatch, error)
}
