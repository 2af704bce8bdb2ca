// Package scheduler polls the job queue on a fixed interval and hands
// claimed jobs to a bounded pool of workers. It holds no business state;
// everything it knows comes from the queue each tick.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"report-export-pipeline/internal/config"
	"report-export-pipeline/internal/queue"
	"report-export-pipeline/internal/telemetry"
)

// JobRunner executes one claimed job to completion.
type JobRunner interface {
	ProcessJob(ctx context.Context, jobID string)
}

// Scheduler is a pure polling+dispatch loop. The enable flag is read from
// config once at construction; flipping it requires a restart and never
// affects jobs already running.
type Scheduler struct {
	queue      *queue.JobQueue
	runner     JobRunner
	enabled    bool
	interval   time.Duration
	maxPerPoll int

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a scheduler from config.
func New(cfg config.Config, q *queue.JobQueue, runner JobRunner) *Scheduler {
	interval := cfg.SchedulerInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxPerPoll := cfg.MaxJobsPerPoll
	if maxPerPoll <= 0 {
		maxPerPoll = 3
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 2
	}
	return &Scheduler{
		queue:      q,
		runner:     runner,
		enabled:    cfg.SchedulerEnabled,
		interval:   interval,
		maxPerPoll: maxPerPoll,
		sem:        make(chan struct{}, poolSize),
	}
}

// Run polls until the context is cancelled, then waits for in-flight
// workers to finish. When the scheduler is disabled it idles so the
// process can keep serving its other surfaces.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.enabled {
		log.Printf("scheduler: disabled by configuration")
		<-ctx.Done()
		return ctx.Err()
	}

	log.Printf("scheduler: polling every %s, up to %d jobs per tick, pool size %d",
		s.interval, s.maxPerPoll, cap(s.sem))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce claims up to maxPerPoll jobs and dispatches each one.
// Submission blocks on a pool slot rather than dropping, so a claimed job
// is never stranded in PROCESSING with no worker assigned.
func (s *Scheduler) pollOnce(ctx context.Context) {
	if depth, err := s.queue.Depth(ctx); err == nil {
		telemetry.QueuedDepthGauge.Set(float64(depth))
	}

	jobs, err := s.queue.ClaimNext(ctx, s.maxPerPoll)
	if err != nil {
		log.Printf("scheduler: claim: %v", err)
		return
	}

	for _, job := range jobs {
		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(jobID string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runner.ProcessJob(ctx, jobID)
		}(job.ID)
	}
}
