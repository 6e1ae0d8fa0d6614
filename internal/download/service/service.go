package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/download/repository"
	"github.com/cachamber/harmonia/internal/download/state"
	"github.com/cachamber/harmonia/internal/metrics"
	"github.com/cachamber/harmonia/internal/progress"
	"github.com/cachamber/harmonia/internal/source"
)

// intakeParallelism bounds concurrent job creation during batch intake.
const intakeParallelism = 8

// AcquisitionService owns intake and the job/batch transition contracts.
// Workers never touch storage directly; every state change funnels
// through here so the uniqueness and aggregation invariants each live
// in exactly one place.
type AcquisitionService struct {
	jobs    repository.JobStore
	batches repository.BatchStore
	machine *state.Machine
	idgen   IDGenerator

	publisher progress.Publisher
	queue     chan<- *model.DownloadJob
	metrics   *metrics.Metrics

	maxReplacements int
}

// NewAcquisitionService creates the acquisition service.
func NewAcquisitionService(
	jobs repository.JobStore,
	batches repository.BatchStore,
	machine *state.Machine,
	idgen IDGenerator,
	publisher progress.Publisher,
	queue chan<- *model.DownloadJob,
	m *metrics.Metrics,
	maxReplacements int,
) *AcquisitionService {
	return &AcquisitionService{
		jobs:            jobs,
		batches:         batches,
		machine:         machine,
		idgen:           idgen,
		publisher:       publisher,
		queue:           queue,
		metrics:         m,
		maxReplacements: maxReplacements,
	}
}

// MaxReplacements returns the configured replacement attempt bound.
func (s *AcquisitionService) MaxReplacements() int {
	return s.maxReplacements
}

func (s *AcquisitionService) newJob(userID, batchID string, target source.Target, attempt int) *model.DownloadJob {
	now := time.Now()
	return &model.DownloadJob{
		ID:         s.idgen.Generate(),
		UserID:     userID,
		TargetKey:  target.Key,
		BatchID:    batchID,
		Album:      target.Album,
		Artist:     target.Artist,
		PreviewRef: target.PreviewRef,
		Status:     state.Pending,
		Attempt:    attempt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// create runs the dedup-safe insert and reports whether this caller won
// the scope. A dedup hit returns the winner's row: not an error, every
// racer observes the same job id.
func (s *AcquisitionService) create(ctx context.Context, job *model.DownloadJob) (*model.DownloadJob, bool, error) {
	if err := job.Validate(); err != nil {
		return nil, false, fmt.Errorf("job validation failed: %w", err)
	}

	winner, created, err := s.jobs.Create(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if created {
		s.metrics.JobsCreated.Inc()
	} else {
		s.metrics.DedupHits.Inc()
		log.Printf("service: dedup hit for scope %s, reusing job %s", job.Scope(), winner.ID)
	}
	return winner, created, nil
}

// Enqueue hands a pending job to the worker pool and publishes its
// queue position. A full queue is not an error: the job stays pending
// in the store and the reclaimer re-enqueues it later.
func (s *AcquisitionService) Enqueue(job *model.DownloadJob) bool {
	select {
	case s.queue <- job:
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
		s.publisher.JobQueued(job.UserID, job.ID, len(s.queue))
		return true
	default:
		log.Printf("service: worker queue full, job %s stays pending for reclaim", job.ID)
		return false
	}
}

// Request creates and enqueues an ad-hoc single download (no batch).
// Returns the winning job and whether this call created it.
func (s *AcquisitionService) Request(ctx context.Context, userID string, target source.Target) (*model.DownloadJob, bool, error) {
	job, created, err := s.create(ctx, s.newJob(userID, "", target, 0))
	if err != nil {
		return nil, false, err
	}
	if created {
		s.Enqueue(job)
	}
	return job, created, nil
}

// OpenBatch opens a discovery batch for a target set and enqueues one
// job per target. Creation fans out bounded; enqueueing happens in
// target order afterwards so dispatch stays FIFO within the batch.
func (s *AcquisitionService) OpenBatch(ctx context.Context, userID string, weekStart time.Time, targets []source.Target) (*model.DiscoveryBatch, []*model.DownloadJob, error) {
	if len(targets) == 0 {
		return nil, nil, fmt.Errorf("batch needs at least one target")
	}

	// Repeated keys collapse to one lineage before the batch is sized:
	// target_count must equal the number of outcomes that can ever be
	// recorded, or the aggregate never terminates.
	seen := make(map[string]bool, len(targets))
	distinct := make([]source.Target, 0, len(targets))
	for _, target := range targets {
		if seen[target.Key] {
			log.Printf("service: dropping duplicate target %s from batch intake", target.Key)
			continue
		}
		seen[target.Key] = true
		distinct = append(distinct, target)
	}
	targets = distinct

	now := time.Now()
	batch := &model.DiscoveryBatch{
		ID:          uuid.New().String(),
		UserID:      userID,
		WeekStart:   weekStart,
		TargetCount: len(targets),
		Status:      state.Scanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := batch.Validate(); err != nil {
		return nil, nil, fmt.Errorf("batch validation failed: %w", err)
	}
	if err := s.batches.Open(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("failed to open batch: %w", err)
	}
	s.metrics.BatchesOpened.Inc()

	jobs := make([]*model.DownloadJob, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(intakeParallelism)
	for i, target := range targets {
		g.Go(func() error {
			job, _, err := s.create(gctx, s.newJob(userID, batch.ID, target, 0))
			if err != nil {
				return err
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("batch intake failed: %w", err)
	}

	for _, job := range jobs {
		if job.Status == state.Pending {
			s.Enqueue(job)
		}
	}

	if err := s.batches.MarkDownloading(ctx, batch.ID); err != nil {
		return nil, nil, err
	}
	batch.Status = state.BatchDownloading
	s.publishBatch(batch)

	log.Printf("service: opened batch %s with %d targets for user %s", batch.ID, len(targets), userID)
	return batch, jobs, nil
}

// Replacement creates and enqueues the next job in a failed target's
// lineage: same scope, attempt incremented, alternative release.
// Rejected when the prior job is not a terminal batch failure, the
// batch was cancelled, or the replacement bound is spent.
func (s *AcquisitionService) Replacement(ctx context.Context, prior *model.DownloadJob, next source.Target) (*model.DownloadJob, bool, error) {
	if !prior.Batched() {
		return nil, false, fmt.Errorf("job %s is not batch-owned", prior.ID)
	}
	if prior.Status != state.Failed {
		return nil, false, fmt.Errorf("job %s is %s, replacements follow failed jobs only", prior.ID, prior.Status)
	}
	if prior.Attempt >= s.maxReplacements {
		return nil, false, fmt.Errorf("job %s at attempt %d: %w", prior.ID, prior.Attempt, source.ErrReplacementLimit)
	}

	batch, err := s.batches.GetByID(ctx, prior.BatchID)
	if err != nil {
		return nil, false, err
	}
	if batch == nil {
		return nil, false, fmt.Errorf("batch %s: %w", prior.BatchID, repository.ErrNotFound)
	}
	if batch.Status == state.BatchCancelled {
		return nil, false, fmt.Errorf("batch %s: %w", batch.ID, source.ErrBatchCancelled)
	}

	// The scope key stays the original target's: the lineage shares
	// one acquisition slot even though the release differs.
	job := s.newJob(prior.UserID, prior.BatchID, next, prior.Attempt+1)
	job.TargetKey = prior.TargetKey

	winner, created, err := s.create(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.metrics.Replacements.Inc()
		s.Enqueue(winner)
	}
	return winner, created, nil
}

// Start marks a job as owned by a worker. The guarded transition is
// what makes ownership exclusive: a second worker loses the race and
// gets ErrIllegalTransition.
func (s *AcquisitionService) Start(ctx context.Context, job *model.DownloadJob) (*model.DownloadJob, error) {
	if err := s.machine.ValidateTransition(job.Status, state.Downloading); err != nil {
		return nil, err
	}
	return s.jobs.Transition(ctx, job.ID, job.Status, state.Downloading, repository.Mutation{})
}

// Complete records a successful acquisition and publishes the terminal
// event.
func (s *AcquisitionService) Complete(ctx context.Context, job *model.DownloadJob, sourceUsed string) (*model.DownloadJob, error) {
	if err := s.machine.ValidateTransition(job.Status, state.Completed); err != nil {
		return nil, err
	}
	updated, err := s.jobs.Transition(ctx, job.ID, job.Status, state.Completed, repository.Mutation{SourceUsed: sourceUsed})
	if err != nil {
		return nil, err
	}
	s.metrics.JobsCompleted.Inc()
	s.publisher.JobCompleted(updated.UserID, updated.ID)
	return updated, nil
}

// Fail records a terminal job failure and publishes it. Failures are
// never swallowed: the event carries the reason and the row keeps it.
func (s *AcquisitionService) Fail(ctx context.Context, job *model.DownloadJob, cause error) (*model.DownloadJob, error) {
	if err := s.machine.ValidateTransition(job.Status, state.Failed); err != nil {
		return nil, err
	}
	reason := cause.Error()
	updated, err := s.jobs.Transition(ctx, job.ID, job.Status, state.Failed, repository.Mutation{LastError: &reason})
	if err != nil {
		return nil, err
	}
	s.metrics.JobsFailed.Inc()
	s.publisher.JobFailed(updated.UserID, updated.ID, reason)
	return updated, nil
}

// RecordOutcome records a target lineage's terminal resolution against
// its batch and publishes the recomputed aggregate. Called once per
// lineage, never per replacement hop. No-op for ad-hoc jobs.
func (s *AcquisitionService) RecordOutcome(ctx context.Context, job *model.DownloadJob, outcome model.Outcome) error {
	if !job.Batched() {
		return nil
	}
	batch, err := s.batches.RecordOutcome(ctx, job.BatchID, outcome)
	if err != nil {
		return fmt.Errorf("failed to record outcome for batch %s: %w", job.BatchID, err)
	}
	s.publishBatch(batch)
	return nil
}

// CancelBatch sets the cancelled override. In-flight jobs run to
// completion for audit; intake and status aggregation stop here.
func (s *AcquisitionService) CancelBatch(ctx context.Context, id string) (*model.DiscoveryBatch, error) {
	batch, err := s.batches.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.BatchesCancelled.Inc()
	s.publishBatch(batch)
	log.Printf("service: batch %s cancelled", id)
	return batch, nil
}

func (s *AcquisitionService) publishBatch(batch *model.DiscoveryBatch) {
	s.publisher.BatchStatus(batch.UserID, batch.ID, string(batch.Status), batch.Completed, batch.Failed, batch.TargetCount)
}

// GetJob retrieves a job by ID.
func (s *AcquisitionService) GetJob(ctx context.Context, id string) (*model.DownloadJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, repository.ErrNotFound)
	}
	return job, nil
}

// GetBatch retrieves a batch by ID. This is the pull side of the
// push-then-reconcile pattern.
func (s *AcquisitionService) GetBatch(ctx context.Context, id string) (*model.DiscoveryBatch, error) {
	batch, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("batch %s: %w", id, repository.ErrNotFound)
	}
	return batch, nil
}

// JobsOfBatch lists a batch's jobs in creation order.
func (s *AcquisitionService) JobsOfBatch(ctx context.Context, batchID string) ([]*model.DownloadJob, error) {
	return s.jobs.ListByBatch(ctx, batchID)
}

// ActiveDownloads lists a user's in-flight jobs in creation order.
func (s *AcquisitionService) ActiveDownloads(ctx context.Context, userID string) ([]*model.DownloadJob, error) {
	return s.jobs.ListActiveByUser(ctx, userID)
}

// Unavailable lists the batch's targets that exhausted every
// replacement attempt.
func (s *AcquisitionService) Unavailable(ctx context.Context, batchID string) ([]model.UnavailableAlbum, error) {
	return s.jobs.Unavailable(ctx, batchID)
}

// StalePending lists pending jobs that need re-enqueueing after a
// process restart or a queue-full intake.
func (s *AcquisitionService) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*model.DownloadJob, error) {
	return s.jobs.ListStalePending(ctx, olderThan, limit)
}

// StaleDownloading lists downloading jobs abandoned by a worker that
// shut down or died mid-acquisition.
func (s *AcquisitionService) StaleDownloading(ctx context.Context, olderThan time.Duration, limit int) ([]*model.DownloadJob, error) {
	return s.jobs.ListStaleDownloading(ctx, olderThan, limit)
}
