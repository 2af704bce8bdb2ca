package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"report-export-pipeline/internal/models"
	"report-export-pipeline/internal/store"
	"report-export-pipeline/internal/telemetry"
)

// JobQueue is the read/write API over the job store: enqueue, atomic
// claim-next, progress, and terminal writes. It also emits the transition
// audit trail and keeps the queue metrics honest.
type JobQueue struct {
	store   store.JobStore
	cancels *CancelSignal
}

// New builds a queue over the given store. cancels may be nil when no
// Redis is available; in-flight cancellation then relies on status reloads.
func New(st store.JobStore, cancels *CancelSignal) *JobQueue {
	return &JobQueue{store: st, cancels: cancels}
}

// EnqueueParams collects producer inputs for a new job.
type EnqueueParams struct {
	JobType        string
	OwnerRole      string
	Priority       int
	RequestPayload json.RawMessage
	Credential     string
	ParentJobID    *string
}

// Enqueue creates a QUEUED job. Concurrent calls each produce an
// independent job; there is no dedup at this layer.
func (q *JobQueue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.JobType == "" {
		return models.Job{}, errors.New("job type is required")
	}
	job, err := q.store.CreateJob(ctx, store.CreateJobParams{
		JobType:        p.JobType,
		OwnerRole:      p.OwnerRole,
		Priority:       p.Priority,
		ParentJobID:    p.ParentJobID,
		RequestPayload: p.RequestPayload,
		Credential:     p.Credential,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", p.JobType, err)
	}
	if err := q.store.AppendTransition(ctx, job.ID, "", models.StatusQueued); err != nil {
		log.Printf("queue: audit enqueue %s: %v", job.ID, err)
	}
	telemetry.JobsEnqueued.Inc()
	return job, nil
}

// ClaimNext selects up to limit QUEUED jobs (priority descending, then
// oldest first) and conditionally moves each to PROCESSING guarded by its
// last-known version. Jobs that lose the race are skipped, not retried,
// so the returned set may be smaller than limit.
func (q *JobQueue) ClaimNext(ctx context.Context, limit int) ([]models.Job, error) {
	candidates, err := q.store.ListQueued(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}

	claimed := make([]models.Job, 0, len(candidates))
	for _, candidate := range candidates {
		job, err := q.store.ClaimJob(ctx, candidate.ID, candidate.Version)
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			telemetry.ClaimConflicts.Inc()
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", candidate.ID, err)
		}
		if err := q.store.AppendTransition(ctx, job.ID, models.StatusQueued, models.StatusProcessing); err != nil {
			log.Printf("queue: audit claim %s: %v", job.ID, err)
		}
		telemetry.JobsClaimed.Inc()
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// RecordProgress updates the progress counters on a PROCESSING job.
// No state transition, side effect only.
func (q *JobQueue) RecordProgress(ctx context.Context, jobID string, processed, total int64) error {
	percent := models.ProgressFor(processed, total)
	if err := q.store.UpdateProgress(ctx, jobID, processed, total, percent); err != nil {
		return fmt.Errorf("record progress %s: %w", jobID, err)
	}
	return nil
}

// Complete transitions PROCESSING -> COMPLETED and records the result
// location. Calling it on a job that is not PROCESSING is a programming
// error and surfaces as store.ErrInvalidTransition.
func (q *JobQueue) Complete(ctx context.Context, jobID, resultLocation string) (models.Job, error) {
	job, err := q.store.CompleteJob(ctx, jobID, resultLocation)
	if err != nil {
		return models.Job{}, fmt.Errorf("complete %s: %w", jobID, err)
	}
	if err := q.store.AppendTransition(ctx, jobID, models.StatusProcessing, models.StatusCompleted); err != nil {
		log.Printf("queue: audit complete %s: %v", jobID, err)
	}
	telemetry.JobsCompleted.Inc()
	return job, nil
}

// Fail transitions PROCESSING -> FAILED and records the error detail.
func (q *JobQueue) Fail(ctx context.Context, jobID, errorDetail string) (models.Job, error) {
	job, err := q.store.FailJob(ctx, jobID, errorDetail)
	if err != nil {
		return models.Job{}, fmt.Errorf("fail %s: %w", jobID, err)
	}
	if err := q.store.AppendTransition(ctx, jobID, models.StatusProcessing, models.StatusFailed); err != nil {
		log.Printf("queue: audit fail %s: %v", jobID, err)
	}
	telemetry.JobsFailed.Inc()
	return job, nil
}

// Cancel flips a QUEUED or PROCESSING job to CANCELLED. For a PROCESSING
// job it also raises the cooperative cancellation signal the executor
// checks between chunks; the worker finishes its current chunk first.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (models.Job, error) {
	prior, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel %s: %w", jobID, err)
	}

	job, err := q.store.CancelJob(ctx, jobID)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if err := q.store.AppendTransition(ctx, jobID, prior.Status, models.StatusCancelled); err != nil {
		log.Printf("queue: audit cancel %s: %v", jobID, err)
	}
	if prior.Status == models.StatusProcessing && q.cancels != nil {
		if err := q.cancels.Raise(ctx, jobID); err != nil {
			log.Printf("queue: raise cancel signal %s: %v", jobID, err)
		}
	}
	telemetry.JobsCancelled.Inc()
	return job, nil
}

// Get returns the authoritative state of one job.
func (q *JobQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// List returns jobs filtered by status and/or role, newest first.
func (q *JobQueue) List(ctx context.Context, status, ownerRole string, limit int) ([]models.Job, error) {
	return q.store.ListJobs(ctx, status, ownerRole, limit)
}

// Depth counts jobs currently QUEUED.
func (q *JobQueue) Depth(ctx context.Context) (int64, error) {
	return q.store.QueuedDepth(ctx)
}

// Store exposes the underlying store for collaborators that need direct
// reads, like the dependency engine's all-of check.
func (q *JobQueue) Store() store.JobStore {
	return q.store
}
