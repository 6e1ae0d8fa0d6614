package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/download/service"
)

// errAbandoned is the recorded failure reason for jobs a dead worker
// left behind in downloading.
var errAbandoned = errors.New("abandoned by worker")

// Reclaimer polls the job store for jobs that no worker holds anymore.
// Stale pending jobs (enqueued by a process that died, or intake that
// hit a full queue) are re-enqueued; re-enqueueing an already-queued
// job is harmless because the pool's guarded pending -> downloading
// transition lets exactly one worker win. Stale downloading jobs were
// abandoned mid-acquisition; those are failed and their batch outcome
// recorded, since no worker can legally re-enter a downloading row.
// abandonAfter must exceed the pool's job timeout: a healthy worker
// writes nothing to the row while a fetch is in flight.
type Reclaimer struct {
	svc          *service.AcquisitionService
	pollInterval time.Duration
	staleAfter   time.Duration
	abandonAfter time.Duration
	batchSize    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReclaimer creates a reclaimer.
func NewReclaimer(
	svc *service.AcquisitionService,
	pollInterval time.Duration,
	staleAfter time.Duration,
	abandonAfter time.Duration,
	batchSize int,
) *Reclaimer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reclaimer{
		svc:          svc,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		abandonAfter: abandonAfter,
		batchSize:    batchSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the reclaim loop.
func (r *Reclaimer) Start() {
	r.wg.Add(1)
	go r.run()
	log.Println("reclaimer started")
}

// Stop gracefully stops the reclaimer.
func (r *Reclaimer) Stop() {
	r.cancel()
	r.wg.Wait()
	log.Println("reclaimer stopped")
}

func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reclaim()

		case <-r.ctx.Done():
			return
		}
	}
}

// reclaim pushes stale pending jobs back to the pool and resolves
// abandoned downloading jobs.
func (r *Reclaimer) reclaim() {
	r.requeuePending()
	r.failAbandoned()
}

func (r *Reclaimer) requeuePending() {
	jobs, err := r.svc.StalePending(r.ctx, r.staleAfter, r.batchSize)
	if err != nil {
		log.Printf("reclaimer: failed to list stale pending jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Printf("reclaimer: re-enqueueing %d stale pending jobs", len(jobs))
	for _, job := range jobs {
		if !r.svc.Enqueue(job) {
			// Queue is full again; the rest will wait for the next tick.
			return
		}
	}
}

func (r *Reclaimer) failAbandoned() {
	jobs, err := r.svc.StaleDownloading(r.ctx, r.abandonAfter, r.batchSize)
	if err != nil {
		log.Printf("reclaimer: failed to list abandoned jobs: %v", err)
		return
	}

	for _, job := range jobs {
		failed, err := r.svc.Fail(r.ctx, job, errAbandoned)
		if err != nil {
			// A worker or another instance resolved it in the window
			// between the listing and the guarded transition.
			log.Printf("reclaimer: job %s resolved elsewhere: %v", job.ID, err)
			continue
		}
		if err := r.svc.RecordOutcome(r.ctx, failed, model.OutcomeFailed); err != nil {
			log.Printf("reclaimer: %v", err)
		}
		log.Printf("reclaimer: failed abandoned job %s (target %s)", failed.ID, failed.TargetKey)
	}
}
