// Package executor runs one claimed job to completion: decode the stored
// request, stream the data set through the masking and sink collaborators
// in bounded chunks, and record the terminal outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"report-export-pipeline/internal/config"
	"report-export-pipeline/internal/depend"
	"report-export-pipeline/internal/export"
	"report-export-pipeline/internal/models"
	"report-export-pipeline/internal/queue"
	"report-export-pipeline/internal/store"
	"report-export-pipeline/internal/telemetry"
)

// Executor processes jobs the scheduler hands it. Safe for concurrent use
// by multiple pool workers; all shared state lives in the job store.
type Executor struct {
	queue   *queue.JobQueue
	source  export.DataSource
	masker  export.Masker
	sinks   export.SinkFactory
	deps    *depend.Engine
	cancels *queue.CancelSignal

	defaultChunkSize int64
	retryLimit       int
	retryDelay       time.Duration
	maxEmptyChunks   int
}

// New wires an executor from config and collaborators. deps and cancels
// may be nil.
func New(cfg config.Config, q *queue.JobQueue, source export.DataSource, masker export.Masker,
	sinks export.SinkFactory, deps *depend.Engine, cancels *queue.CancelSignal) *Executor {

	chunk := cfg.DefaultChunkSize
	if chunk <= 0 {
		chunk = 1000
	}
	retries := cfg.ChunkRetryLimit
	if retries <= 0 {
		retries = 3
	}
	maxEmpty := cfg.MaxEmptyChunks
	if maxEmpty <= 0 {
		maxEmpty = 3
	}
	return &Executor{
		queue:            q,
		source:           source,
		masker:           masker,
		sinks:            sinks,
		deps:             deps,
		cancels:          cancels,
		defaultChunkSize: chunk,
		retryLimit:       retries,
		retryDelay:       cfg.ChunkRetryDelay,
		maxEmptyChunks:   maxEmpty,
	}
}

// ProcessJob runs a single job the caller has already claimed. A job that
// is missing or no longer PROCESSING is abandoned silently; another path
// already handled it.
func (e *Executor) ProcessJob(ctx context.Context, jobID string) {
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("executor: load %s: %v", jobID, err)
		}
		return
	}
	if job.Status != models.StatusProcessing {
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if e.cancelRequested(ctx, job.ID) {
		log.Printf("executor: %s cancelled before processing started", job.ID)
		return
	}

	resultLocation, err := e.runExport(ctx, job)
	if err != nil {
		e.failJob(ctx, job.ID, err)
		return
	}

	if _, err := e.queue.Complete(ctx, job.ID, resultLocation); err != nil {
		// Lost the job to a concurrent cancel; the output stays where the
		// sink put it but the job record wins.
		log.Printf("executor: complete %s: %v", job.ID, err)
		return
	}
	log.Printf("executor: %s completed, result=%s", job.ID, resultLocation)

	if e.deps != nil {
		e.deps.Evaluate(ctx, job.ID)
	}
}

// runExport drives the chunk loop. The sink is finalized exactly once on
// the success path and discarded on every other exit.
func (e *Executor) runExport(ctx context.Context, job models.Job) (string, error) {
	req, err := export.DecodeRequest(job.RequestPayload)
	if err != nil {
		return "", err
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.defaultChunkSize
	}

	q := export.ChunkQuery{
		JobID:      job.ID,
		JobType:    job.JobType,
		OwnerRole:  job.OwnerRole,
		Credential: job.Credential,
		Request:    req,
	}

	total, err := e.source.CountRecords(ctx, q)
	if err != nil {
		return "", fmt.Errorf("count records: %w", err)
	}

	sink, err := e.sinks.Open(ctx, job.ID, req.Format)
	if err != nil {
		return "", fmt.Errorf("open output sink: %w", err)
	}
	finalized := false
	defer func() {
		if !finalized {
			if err := sink.Discard(); err != nil {
				log.Printf("executor: discard sink %s: %v", job.ID, err)
			}
		}
	}()

	if err := e.queue.RecordProgress(ctx, job.ID, 0, total); err != nil {
		return "", err
	}

	var processed int64
	emptyChunks := 0
	for processed < total {
		if e.cancelRequested(ctx, job.ID) {
			log.Printf("executor: %s cancelled after %d/%d records", job.ID, processed, total)
			return "", errCancelled
		}

		records, err := e.fetchMaskedChunk(ctx, q, processed, chunkSize)
		if err != nil {
			return "", err
		}

		if len(records) == 0 {
			emptyChunks++
			if emptyChunks >= e.maxEmptyChunks {
				log.Printf("executor: %s stopping after %d consecutive empty chunks", job.ID, emptyChunks)
				break
			}
			continue
		}
		emptyChunks = 0

		if err := sink.AppendChunk(ctx, records); err != nil {
			return "", fmt.Errorf("write chunk: %w", err)
		}
		processed += int64(len(records))
		if err := e.queue.RecordProgress(ctx, job.ID, processed, total); err != nil {
			return "", err
		}

		// A short chunk means the source ran out of rows early.
		if int64(len(records)) < chunkSize {
			break
		}
	}

	location, err := sink.Finalize(ctx)
	if err != nil {
		return "", fmt.Errorf("finalize output: %w", err)
	}
	finalized = true
	return location, nil
}

// fetchMaskedChunk fetches and masks one chunk, retrying transient
// failures with a linearly growing delay before giving up on the job.
func (e *Executor) fetchMaskedChunk(ctx context.Context, q export.ChunkQuery, offset, limit int64) ([]export.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retryLimit; attempt++ {
		records, err := e.source.FetchChunk(ctx, q, offset, limit)
		if err == nil {
			masked, err := e.masker.MaskRecords(ctx, records, q)
			if err == nil {
				return masked, nil
			}
			lastErr = fmt.Errorf("mask chunk at %d: %w", offset, err)
		} else {
			lastErr = fmt.Errorf("fetch chunk at %d: %w", offset, err)
		}

		if attempt < e.retryLimit {
			telemetry.ChunkRetries.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay * time.Duration(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("chunk failed after %d attempts: %w", e.retryLimit, lastErr)
}

var errCancelled = errors.New("job cancelled")

// failJob records the terminal failure. Cancellation is not a failure:
// the status is already CANCELLED and must not move again.
func (e *Executor) failJob(ctx context.Context, jobID string, cause error) {
	if errors.Is(cause, errCancelled) {
		if e.cancels != nil {
			if err := e.cancels.Clear(ctx, jobID); err != nil {
				log.Printf("executor: clear cancel signal %s: %v", jobID, err)
			}
		}
		return
	}

	log.Printf("executor: %s failed: %v", jobID, cause)
	if _, err := e.queue.Fail(ctx, jobID, cause.Error()); err != nil {
		log.Printf("executor: record failure %s: %v", jobID, err)
		return
	}
	if e.deps != nil && e.deps.TriggersOnFailure() {
		e.deps.Evaluate(ctx, jobID)
	}
}

// cancelRequested checks the cooperative cancellation signal, falling
// back to a status reload when no signal store is wired.
func (e *Executor) cancelRequested(ctx context.Context, jobID string) bool {
	if e.cancels != nil {
		raised, err := e.cancels.Raised(ctx, jobID)
		if err == nil {
			return raised
		}
		log.Printf("executor: cancel signal check %s: %v", jobID, err)
	}
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == models.StatusCancelled
}
