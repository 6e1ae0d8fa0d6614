package model

import (
	"errors"
	"testing"
	"time"

	"github.com/cachamber/harmonia/internal/download/state"
)

func validJob() *DownloadJob {
	now := time.Now()
	return &DownloadJob{
		ID:        "01JABCDEF000000000000000000",
		UserID:    "user-1",
		TargetKey: "mbid-1234",
		BatchID:   "batch-1",
		Album:     "Blue Train",
		Artist:    "John Coltrane",
		Status:    state.Pending,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*DownloadJob)
		expectError bool
	}{
		{"valid job", func(j *DownloadJob) {}, false},
		{"missing ID", func(j *DownloadJob) { j.ID = "" }, true},
		{"missing user", func(j *DownloadJob) { j.UserID = "" }, true},
		{"missing target key", func(j *DownloadJob) { j.TargetKey = "" }, true},
		{"invalid status", func(j *DownloadJob) { j.Status = "bogus" }, true},
		{"negative attempt", func(j *DownloadJob) { j.Attempt = -1 }, true},
		{"ad-hoc without batch", func(j *DownloadJob) { j.BatchID = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(job)
			err := job.Validate()
			if (err != nil) != tt.expectError {
				t.Errorf("Validate() error = %v, expectError = %v", err, tt.expectError)
			}
		})
	}
}

func TestJobScope(t *testing.T) {
	job := validJob()
	scope := job.Scope()

	if scope.UserID != job.UserID || scope.TargetKey != job.TargetKey || scope.BatchID != job.BatchID {
		t.Errorf("Scope() = %+v, does not match job identity", scope)
	}
}

func TestScopeString(t *testing.T) {
	batched := Scope{UserID: "u1", TargetKey: "t1", BatchID: "b1"}
	adhoc := Scope{UserID: "u1", TargetKey: "t1"}

	if got := batched.String(); got != "u1/t1@b1" {
		t.Errorf("batched Scope.String() = %q, want u1/t1@b1", got)
	}
	if got := adhoc.String(); got != "u1/t1" {
		t.Errorf("ad-hoc Scope.String() = %q, want u1/t1", got)
	}
}

func TestJobCanReplace(t *testing.T) {
	tests := []struct {
		name    string
		status  state.Status
		attempt int
		max     int
		want    bool
	}{
		{"failed under limit", state.Failed, 0, 3, true},
		{"failed at limit", state.Failed, 3, 3, false},
		{"failed over limit", state.Failed, 4, 3, false},
		{"completed never replaced", state.Completed, 0, 3, false},
		{"pending never replaced", state.Pending, 0, 3, false},
		{"downloading never replaced", state.Downloading, 0, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			job.Status = tt.status
			job.Attempt = tt.attempt
			if got := job.CanReplace(tt.max); got != tt.want {
				t.Errorf("CanReplace(%d) = %v, want %v", tt.max, got, tt.want)
			}
		})
	}
}

func TestJobRecordError(t *testing.T) {
	job := validJob()

	job.RecordError(nil)
	if job.LastError != nil {
		t.Error("RecordError(nil) should not set LastError")
	}

	job.RecordError(errors.New("peer unreachable"))
	if job.LastError == nil || *job.LastError != "peer unreachable" {
		t.Errorf("LastError = %v, want peer unreachable", job.LastError)
	}
}

func TestBatchResolvedAndDone(t *testing.T) {
	batch := &DiscoveryBatch{
		ID:          "batch-1",
		UserID:      "user-1",
		TargetCount: 3,
		Status:      state.BatchDownloading,
		Completed:   1,
		Failed:      1,
	}

	if got := batch.Resolved(); got != 2 {
		t.Errorf("Resolved() = %d, want 2", got)
	}
	if batch.Done() {
		t.Error("Done() = true with one lineage outstanding")
	}

	batch.Failed++
	if !batch.Done() {
		t.Error("Done() = false with every lineage resolved")
	}
}

func TestBatchValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*DiscoveryBatch)
		expectError bool
	}{
		{"valid batch", func(b *DiscoveryBatch) {}, false},
		{"missing ID", func(b *DiscoveryBatch) { b.ID = "" }, true},
		{"missing user", func(b *DiscoveryBatch) { b.UserID = "" }, true},
		{"negative target count", func(b *DiscoveryBatch) { b.TargetCount = -1 }, true},
		{"invalid status", func(b *DiscoveryBatch) { b.Status = "bogus" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := &DiscoveryBatch{
				ID:          "batch-1",
				UserID:      "user-1",
				TargetCount: 5,
				Status:      state.Scanning,
			}
			tt.mutate(batch)
			err := batch.Validate()
			if (err != nil) != tt.expectError {
				t.Errorf("Validate() error = %v, expectError = %v", err, tt.expectError)
			}
		})
	}
}
