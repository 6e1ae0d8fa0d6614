package state

import (
	"testing"
)

// TestBatchStatusTerminal verifies terminal batch status detection
func TestBatchStatusTerminal(t *testing.T) {
	tests := []struct {
		status   BatchStatus
		terminal bool
	}{
		{Scanning, false},
		{BatchDownloading, false},
		{BatchCompleted, true},
		{BatchCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("BatchStatus(%s).Terminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

// TestBatchStatusCanAdvance verifies the forward-only progression rule
func TestBatchStatusCanAdvance(t *testing.T) {
	tests := []struct {
		name string
		from BatchStatus
		to   BatchStatus
		want bool
	}{
		{"scanning to downloading", Scanning, BatchDownloading, true},
		{"scanning to completed", Scanning, BatchCompleted, true},
		{"scanning to cancelled", Scanning, BatchCancelled, true},
		{"downloading to completed", BatchDownloading, BatchCompleted, true},
		{"downloading to cancelled", BatchDownloading, BatchCancelled, true},

		// Terminal statuses never move, not even sideways. A late
		// outcome must not flip cancelled to completed.
		{"completed to cancelled", BatchCompleted, BatchCancelled, false},
		{"cancelled to completed", BatchCancelled, BatchCompleted, false},
		{"completed to downloading", BatchCompleted, BatchDownloading, false},
		{"cancelled to scanning", BatchCancelled, Scanning, false},

		// Backwards and self moves
		{"downloading to scanning", BatchDownloading, Scanning, false},
		{"scanning to scanning", Scanning, Scanning, false},
		{"downloading to downloading", BatchDownloading, BatchDownloading, false},

		// Unknown statuses
		{"unknown from", BatchStatus("bogus"), BatchCompleted, false},
		{"unknown to", Scanning, BatchStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanAdvance(tt.to); got != tt.want {
				t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
