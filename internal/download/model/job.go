package model

import (
	"fmt"
	"time"

	"github.com/cachamber/harmonia/internal/download/state"
)

// Scope identifies one logical acquisition slot. At most one active job
// may exist per scope at any time; that rule is enforced by the job
// store, not here.
type Scope struct {
	// UserID is the owner of the acquisition.
	UserID string

	// TargetKey is the stable external identifier of the desired
	// release (a metadata-registry id). Replacement jobs keep the
	// original target's key so the whole lineage shares one scope.
	TargetKey string

	// BatchID groups jobs created by one discovery run.
	// Empty for ad-hoc single downloads. Jobs for the same target
	// under different batch ids are independent scopes.
	BatchID string
}

func (s Scope) String() string {
	if s.BatchID == "" {
		return fmt.Sprintf("%s/%s", s.UserID, s.TargetKey)
	}
	return fmt.Sprintf("%s/%s@%s", s.UserID, s.TargetKey, s.BatchID)
}

// DownloadJob is one acquisition attempt for a target.
// A job is never resurrected: a retry after terminal failure is a new
// row with the attempt counter incremented, preserving history.
type DownloadJob struct {
	// ID uniquely identifies this job. ULIDs keep ids time-sortable.
	ID string

	UserID    string
	TargetKey string
	BatchID   string

	// Album and Artist are denormalized for observability only.
	// They are not identity-bearing; a replacement may carry the
	// title of an alternative release under the same TargetKey.
	Album  string
	Artist string

	// PreviewRef optionally points at a short preview of the release,
	// surfaced when the target ends up unavailable.
	PreviewRef string

	Status state.Status

	// Attempt is the replacement generation: 0 is the original
	// recommendation, N is the Nth replacement after an unavailable
	// original.
	Attempt int

	// SourceUsed names the acquisition source that completed the job.
	// Empty until the job completes.
	SourceUsed string

	// LastError stores the reason for the most recent failure.
	LastError *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Scope returns the job's acquisition slot identity.
func (j *DownloadJob) Scope() Scope {
	return Scope{UserID: j.UserID, TargetKey: j.TargetKey, BatchID: j.BatchID}
}

// Terminal returns true if the job reached a terminal status.
func (j *DownloadJob) Terminal() bool {
	return j.Status.Terminal()
}

// Active returns true while the job counts against scope uniqueness.
func (j *DownloadJob) Active() bool {
	return j.Status.Active()
}

// Batched returns true if the job belongs to a discovery batch.
func (j *DownloadJob) Batched() bool {
	return j.BatchID != ""
}

// CanReplace reports whether a replacement job may follow this one,
// given the configured maximum number of replacement attempts.
func (j *DownloadJob) CanReplace(maxReplacements int) bool {
	return j.Status == state.Failed && j.Attempt < maxReplacements
}

// RecordError stores the failure reason.
func (j *DownloadJob) RecordError(err error) {
	if err != nil {
		msg := err.Error()
		j.LastError = &msg
	}
}

// Validate checks the job's structural rules.
func (j *DownloadJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.UserID == "" {
		return fmt.Errorf("job user ID is required")
	}
	if j.TargetKey == "" {
		return fmt.Errorf("job target key is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status: %s", j.Status)
	}
	if j.Attempt < 0 {
		return fmt.Errorf("attempt must be non-negative, got %d", j.Attempt)
	}
	return nil
}
