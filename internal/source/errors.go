package source

import (
	"errors"
	"fmt"
)

// Sentinel errors for the acquisition taxonomy.
var (
	// ErrNoSourceAvailable indicates every acquisition source is
	// disabled, so the job cannot even start searching.
	ErrNoSourceAvailable = errors.New("no acquisition source available")

	// ErrCandidateExhausted indicates no working candidate remained
	// across every enabled source. The job moves to replacement logic
	// or terminal failure.
	ErrCandidateExhausted = errors.New("all candidates exhausted")

	// ErrReplacementLimit indicates the target burned through the
	// configured maximum of replacement attempts and is now
	// permanently unavailable.
	ErrReplacementLimit = errors.New("replacement attempt limit reached")

	// ErrBatchCancelled indicates the owning batch was cancelled and
	// accepts no new jobs.
	ErrBatchCancelled = errors.New("batch is cancelled")
)

// TransientError wraps a failure that is worth retrying against the
// same candidate: timeouts, connection resets, upstream 5xx. Anything
// not wrapped as transient terminates the candidate.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is eligible for same-candidate retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
