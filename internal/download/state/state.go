package state

import "fmt"

// Status represents the lifecycle state of a download job.
// Statuses form a directed graph with explicit transition rules.
type Status string

// Download job lifecycle statuses
const (
	// Pending: job created and queued, no worker has picked it up yet.
	// This is the initial status when a job is first created.
	Pending Status = "pending"

	// Downloading: a worker owns the job and is driving it through the
	// configured acquisition sources.
	Downloading Status = "downloading"

	// Completed: the job fetched its target successfully.
	// Terminal, no further transitions allowed.
	Completed Status = "completed"

	// Failed: every source and candidate was exhausted.
	// Terminal. A retry for the same target is a new job, never a
	// resurrection of this one.
	Failed Status = "failed"
)

// Active returns true for statuses that count against the one-active-job
// uniqueness rule. A new job for the same scope may only be created once
// no active job exists for it.
func (s Status) Active() bool {
	return s == Pending || s == Downloading
}

// Terminal returns true if the status is terminal (no transitions out).
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Valid returns true if the status is a recognized job status.
func (s Status) Valid() bool {
	switch s {
	case Pending, Downloading, Completed, Failed:
		return true
	default:
		return false
	}
}

// Machine enforces status transition rules for download jobs.
// The only legal path is pending -> downloading -> {completed, failed}.
type Machine struct{}

// NewMachine creates a new job status machine.
func NewMachine() *Machine {
	return &Machine{}
}

// CanTransition checks if a status transition is allowed.
func (m *Machine) CanTransition(from, to Status) bool {
	if from == to || from.Terminal() {
		return false
	}

	switch from {
	case Pending:
		return to == Downloading
	case Downloading:
		return to == Completed || to == Failed
	default:
		return false
	}
}

// ValidateTransition checks if a status transition is allowed.
// Returns nil if valid, or a descriptive error if invalid.
func (m *Machine) ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("invalid source status: %s", from)
	}
	if !to.Valid() {
		return fmt.Errorf("invalid target status: %s", to)
	}
	if from == to {
		return fmt.Errorf("self-transition not allowed: %s -> %s", from, to)
	}
	if from.Terminal() {
		return fmt.Errorf("cannot transition from terminal status %s to %s", from, to)
	}
	if !m.CanTransition(from, to) {
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	}
	return nil
}
