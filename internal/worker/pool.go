package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/download/repository"
	"github.com/cachamber/harmonia/internal/download/service"
	"github.com/cachamber/harmonia/internal/metrics"
	"github.com/cachamber/harmonia/internal/progress"
	"github.com/cachamber/harmonia/internal/source"
)

// ErrNoReplacement is returned by a ReplacementResolver when it has no
// alternative release left for a target.
var ErrNoReplacement = errors.New("no replacement target available")

// ReplacementResolver supplies the next alternative release for a
// failed target. Release resolution itself is the recommendation
// collaborator's problem; the pool only needs a "next candidate"
// capability.
type ReplacementResolver interface {
	NextTarget(ctx context.Context, prior source.Target, attempt int) (source.Target, error)
}

// ResolverFunc adapts a function to the ReplacementResolver interface.
type ResolverFunc func(ctx context.Context, prior source.Target, attempt int) (source.Target, error)

func (f ResolverFunc) NextTarget(ctx context.Context, prior source.Target, attempt int) (source.Target, error) {
	return f(ctx, prior, attempt)
}

// Pool is the bounded-concurrency executor that drives pending jobs
// through the acquisition sources. A fixed number of workers pull from
// one shared queue; all storage writes go through the acquisition
// service's transition contracts.
type Pool struct {
	numWorkers int
	queue      chan *model.DownloadJob
	sources    []source.Source
	svc        *service.AcquisitionService
	resolver   ReplacementResolver
	publisher  progress.Publisher
	metrics    *metrics.Metrics
	retry      service.RetryPolicy
	jobTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Sources must already be in the
// configured priority order.
func NewPool(
	numWorkers int,
	queue chan *model.DownloadJob,
	sources []source.Source,
	svc *service.AcquisitionService,
	resolver ReplacementResolver,
	publisher progress.Publisher,
	m *metrics.Metrics,
	retry service.RetryPolicy,
	jobTimeout time.Duration,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		numWorkers: numWorkers,
		queue:      queue,
		sources:    sources,
		svc:        svc,
		resolver:   resolver,
		publisher:  publisher,
		metrics:    m,
		retry:      retry,
		jobTimeout: jobTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start spawns the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("worker pool started with %d workers", p.numWorkers)
}

// Stop gracefully stops all workers. In-flight jobs are interrupted
// through their contexts; interrupted fetches leave the job pending or
// downloading for the reclaimer and audit trail.
func (p *Pool) Stop() {
	log.Println("worker pool stopping...")
	p.cancel()
	p.wg.Wait()
	log.Println("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.queue:
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
			p.process(id, job)

		case <-p.ctx.Done():
			return
		}
	}
}

// recordTimeout bounds the terminal store writes, which run on their
// own context: the job's deadline may already be spent by the time the
// outcome needs recording.
const recordTimeout = 5 * time.Second

func recordContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), recordTimeout)
}

// process drives one job from pending to a terminal status.
func (p *Pool) process(workerID int, job *model.DownloadJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker %d: panic during job %s: %v", workerID, job.ID, r)
			ctx, cancel := recordContext()
			defer cancel()
			if failed, err := p.svc.Fail(ctx, job, fmt.Errorf("panic: %v", r)); err == nil {
				p.resolveFailure(ctx, failed)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	defer cancel()

	started, err := p.svc.Start(ctx, job)
	if err != nil {
		// A reclaimed duplicate or a raced transition: someone else
		// owns the job. The guarded transition makes skipping safe.
		if errors.Is(err, repository.ErrIllegalTransition) {
			log.Printf("worker %d: job %s already owned, skipping", workerID, job.ID)
			return
		}
		log.Printf("worker %d: failed to start job %s: %v", workerID, job.ID, err)
		return
	}

	log.Printf("worker %d: acquiring %q by %q (job %s, attempt %d)",
		workerID, started.Album, started.Artist, started.ID, started.Attempt)

	sourceUsed, err := p.acquire(ctx, started)

	// Terminal writes run on a fresh context: the job's own deadline
	// may be the very thing that failed it.
	rctx, rcancel := recordContext()
	defer rcancel()

	if err != nil {
		if p.ctx.Err() != nil {
			// Shutdown interrupt, not a job failure. The row stays
			// downloading; the reclaimer resolves it after restart.
			log.Printf("worker %d: job %s interrupted by shutdown", workerID, started.ID)
			return
		}
		failed, ferr := p.svc.Fail(rctx, started, err)
		if ferr != nil {
			log.Printf("worker %d: failed to record failure for job %s: %v", workerID, started.ID, ferr)
			return
		}
		p.resolveFailure(rctx, failed)
		return
	}

	completed, err := p.svc.Complete(rctx, started, sourceUsed)
	if err != nil {
		log.Printf("worker %d: failed to record completion for job %s: %v", workerID, started.ID, err)
		return
	}
	if err := p.svc.RecordOutcome(rctx, completed, model.OutcomeCompleted); err != nil {
		log.Printf("worker %d: %v", workerID, err)
	}
	log.Printf("worker %d: job %s completed via %s", workerID, completed.ID, sourceUsed)
}

// acquire tries every enabled source in priority order, and within
// each source every candidate in ranked order. Transient fetch errors
// retry the same candidate with backoff, bounded; anything else
// exhausts the candidate and moves on.
func (p *Pool) acquire(ctx context.Context, job *model.DownloadJob) (string, error) {
	target := source.Target{
		Key:        job.TargetKey,
		Album:      job.Album,
		Artist:     job.Artist,
		PreviewRef: job.PreviewRef,
	}
	report := func(received, total int64) {
		p.publisher.JobProgress(job.UserID, job.ID, received, total)
	}

	anyEnabled := false
	for _, src := range p.sources {
		if !src.Enabled() {
			continue
		}
		anyEnabled = true

		candidates, err := src.Search(ctx, target)
		if err != nil {
			log.Printf("worker: %s search failed for %s: %v", src.Name(), job.TargetKey, err)
			continue
		}
		if len(candidates) == 0 {
			continue
		}
		source.Rank(candidates)

		for _, candidate := range candidates {
			if err := p.fetch(ctx, src, candidate, report); err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				log.Printf("worker: candidate %s/%s exhausted for job %s: %v",
					src.Name(), candidate.Peer, job.ID, err)
				continue
			}
			return src.Name(), nil
		}
	}

	if !anyEnabled {
		return "", source.ErrNoSourceAvailable
	}
	return "", fmt.Errorf("target %s: %w", job.TargetKey, source.ErrCandidateExhausted)
}

// fetch runs one candidate with bounded transient retries and
// exponential backoff.
func (p *Pool) fetch(ctx context.Context, src source.Source, candidate source.Candidate, report source.ProgressFunc) error {
	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxFetchRetries; attempt++ {
		if attempt > 0 {
			p.metrics.FetchRetries.Inc()
			select {
			case <-time.After(p.retry.Backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		lastErr = src.Fetch(ctx, candidate, report)
		p.metrics.FetchDuration.Observe(time.Since(start).Seconds())

		if lastErr == nil {
			return nil
		}
		if !source.IsTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("transient retries exhausted: %w", lastErr)
}

// resolveFailure decides what a terminal job failure means for its
// lineage: enqueue a replacement, or record the target as resolved
// (failed) with the batch. Ad-hoc jobs have no lineage to continue and
// no batch to notify.
func (p *Pool) resolveFailure(ctx context.Context, job *model.DownloadJob) {
	if !job.Batched() {
		return
	}

	if job.Attempt < p.svc.MaxReplacements() {
		prior := source.Target{
			Key:    job.TargetKey,
			Album:  job.Album,
			Artist: job.Artist,
		}
		next, err := p.resolver.NextTarget(ctx, prior, job.Attempt+1)
		if err == nil {
			if _, _, rerr := p.svc.Replacement(ctx, job, next); rerr == nil {
				log.Printf("worker: enqueued replacement attempt %d for target %s", job.Attempt+1, job.TargetKey)
				return
			} else if !errors.Is(rerr, source.ErrBatchCancelled) && !errors.Is(rerr, source.ErrReplacementLimit) {
				log.Printf("worker: replacement for job %s failed: %v", job.ID, rerr)
			}
		} else if !errors.Is(err, ErrNoReplacement) {
			log.Printf("worker: replacement resolution for target %s failed: %v", job.TargetKey, err)
		}
	}

	// Lineage is dead: the target surfaces in the unavailable view.
	if err := p.svc.RecordOutcome(ctx, job, model.OutcomeFailed); err != nil {
		log.Printf("worker: %v", err)
	}
	log.Printf("worker: target %s unavailable after attempt %d", job.TargetKey, job.Attempt)
}
