package source

import (
	"context"
	"sort"
	"strings"
)

// Target is a desired album/release awaiting acquisition, produced by
// the surrounding application's recommendation collaborator. Key is the
// scope identity; the descriptive fields may name an alternative
// release when the target is a replacement.
type Target struct {
	Key        string
	Album      string
	Artist     string
	PreviewRef string
}

// Candidate is one concrete offer for a target found on a source,
// carrying the quality signals used for ranking.
type Candidate struct {
	// SourceName identifies the adapter that produced the candidate.
	SourceName string

	// ID is the adapter-specific handle needed to fetch the candidate
	// (a peer file listing, a release grab id).
	ID string

	// Peer is the remote party offering the files, where the source
	// has that notion.
	Peer string

	Format      string
	BitrateKbps int
	SizeBytes   int64

	// Availability is the source's liveness signal: free upload slots
	// on a peer, indexer seeders, and the like. Higher is better.
	Availability int
}

// formatRank orders formats by preference. Lossless beats lossy,
// higher-bitrate lossy beats lower.
func formatRank(format string) int {
	switch strings.ToLower(format) {
	case "flac":
		return 3
	case "alac", "wav":
		return 2
	case "mp3", "m4a", "aac", "ogg":
		return 1
	default:
		return 0
	}
}

// Score folds the candidate's quality signals into a single comparable
// number. Format dominates, then bitrate, then availability.
func (c Candidate) Score() int {
	return formatRank(c.Format)*1_000_000 + c.BitrateKbps*100 + c.Availability
}

// Rank sorts candidates best-first. Stable so equally scored candidates
// keep the order the source returned them in.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score() > candidates[j].Score()
	})
}

// ProgressFunc receives byte-level transfer progress during a fetch.
// Total may be zero when the source does not report a size up front.
type ProgressFunc func(received, total int64)

// Source is one pluggable acquisition channel. Search locates ranked
// candidates for a target; Fetch drives one candidate to a completed
// transfer. Fetch failures wrapped as TransientError are eligible for
// same-candidate retry; anything else exhausts the candidate.
type Source interface {
	Name() string
	Enabled() bool
	Search(ctx context.Context, target Target) ([]Candidate, error)
	Fetch(ctx context.Context, candidate Candidate, progress ProgressFunc) error
}
