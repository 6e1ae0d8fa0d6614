package service

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator generates unique job IDs.
// Interface allows predictable IDs in tests.
type IDGenerator interface {
	Generate() string
}

// ULIDGenerator generates ULIDs. Time-ordered ids keep job listings in
// creation order without an extra sort key.
type ULIDGenerator struct {
	entropy *ulid.LockedMonotonicReader
}

// NewULIDGenerator creates a ULID generator with monotonic entropy, so
// ids generated within the same millisecond still sort correctly. The
// entropy source is locked: batch intake and replacement creation call
// Generate from multiple goroutines.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: &ulid.LockedMonotonicReader{
			MonotonicReader: ulid.Monotonic(rand.Reader, 0),
		},
	}
}

// Generate creates a new ULID string.
func (g *ULIDGenerator) Generate() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
