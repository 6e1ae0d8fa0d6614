package model

import (
	"fmt"
	"time"

	"github.com/cachamber/harmonia/internal/download/state"
)

// DiscoveryBatch tracks one generation run (a weekly discovery playlist
// or any grouped set of targets) as a unit. Counters are derived from
// recorded job outcomes; the batch is never mutated by workers directly.
type DiscoveryBatch struct {
	ID     string
	UserID string

	// WeekStart is the creation timestamp of the run the batch belongs to.
	WeekStart time.Time

	// TargetCount is the number of targets the batch was opened with.
	// Replacement jobs do not grow it: each target lineage resolves to
	// exactly one recorded outcome.
	TargetCount int

	Status state.BatchStatus

	// Completed and Failed count terminally resolved target lineages.
	Completed int
	Failed    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resolved returns how many target lineages have reached an outcome.
func (b *DiscoveryBatch) Resolved() int {
	return b.Completed + b.Failed
}

// Done reports whether every owned target lineage is accounted for.
func (b *DiscoveryBatch) Done() bool {
	return b.Resolved() >= b.TargetCount
}

// Validate checks the batch's structural rules.
func (b *DiscoveryBatch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("batch ID is required")
	}
	if b.UserID == "" {
		return fmt.Errorf("batch user ID is required")
	}
	if b.TargetCount < 0 {
		return fmt.Errorf("target count must be non-negative, got %d", b.TargetCount)
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid batch status: %s", b.Status)
	}
	return nil
}

// Outcome is the terminal resolution of one target lineage, recorded
// against the owning batch.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// UnavailableAlbum is a derived view of a target that exhausted every
// replacement attempt without a successful fetch. It is not a separate
// store: the job store filters terminal failed lineages to produce it.
type UnavailableAlbum struct {
	TargetKey  string
	Album      string
	Artist     string
	Attempt    int
	PreviewRef string
	FailedAt   time.Time
}
