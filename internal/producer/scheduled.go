// Package producer is the timer-driven batch producer: it enqueues the
// configured report types under a service role, standing in for the
// platform's cron triggers. The API server is the other producer; the
// queue does not care which one a job came from.
package producer

import (
	"context"
	"log"
	"time"

	"report-export-pipeline/internal/config"
	"report-export-pipeline/internal/export"
	"report-export-pipeline/internal/queue"
)

// Batch enqueues a fixed set of report jobs on a fixed interval.
type Batch struct {
	queue      *queue.JobQueue
	enabled    bool
	interval   time.Duration
	jobTypes   []string
	role       string
	credential string
}

// New builds the producer from config.
func New(cfg config.Config, q *queue.JobQueue) *Batch {
	interval := cfg.ProducerInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Batch{
		queue:      q,
		enabled:    cfg.ProducerEnabled,
		interval:   interval,
		jobTypes:   cfg.ProducerJobTypes,
		role:       cfg.ProducerRole,
		credential: cfg.ProducerCredential,
	}
}

// Run ticks until the context is cancelled.
func (b *Batch) Run(ctx context.Context) error {
	if !b.enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	log.Printf("producer: enqueuing %v every %s as %s", b.jobTypes, b.interval, b.role)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.enqueueBatch(ctx)
		}
	}
}

func (b *Batch) enqueueBatch(ctx context.Context) {
	payload, err := export.Request{Format: export.FormatJSON}.Encode()
	if err != nil {
		log.Printf("producer: encode request: %v", err)
		return
	}

	for _, jobType := range b.jobTypes {
		job, err := b.queue.Enqueue(ctx, queue.EnqueueParams{
			JobType:        jobType,
			OwnerRole:      b.role,
			RequestPayload: payload,
			Credential:     b.credential,
		})
		if err != nil {
			log.Printf("producer: enqueue %s: %v", jobType, err)
			continue
		}
		log.Printf("producer: enqueued %s (%s)", job.ID, jobType)
	}
}
