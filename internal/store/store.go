package store

import (
	"context"
	"encoding/json"
	"errors"

	"report-export-pipeline/internal/models"
)

// Sentinel errors callers branch on. A version conflict means another
// writer got there first and the caller should move on; an invalid
// transition means the caller is using the store wrong.
var (
	ErrNotFound          = errors.New("job not found")
	ErrVersionConflict   = errors.New("job version conflict")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	JobType        string
	OwnerRole      string
	Priority       int
	ParentJobID    *string
	RequestPayload json.RawMessage
	Credential     string
}

// JobStore is the durable record of job state and the single source of
// truth for the state machine. All cross-worker coordination goes through
// its conditional writes; there are no in-memory locks shared between
// schedulers, so multiple instances can run against one store.
type JobStore interface {
	// CreateJob inserts a new QUEUED job with progress fields zeroed.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)

	// GetJob fetches a job by id, ErrNotFound if absent.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// ListQueued returns up to limit QUEUED jobs ordered by priority
	// descending, ties broken oldest-created-first.
	ListQueued(ctx context.Context, limit int) ([]models.Job, error)

	// ListJobs returns jobs filtered by status and/or owner role, newest
	// first. Empty filter values match everything.
	ListJobs(ctx context.Context, status, ownerRole string, limit int) ([]models.Job, error)

	// ClaimJob conditionally moves QUEUED -> PROCESSING, guarded by the
	// caller's last-known version. ErrVersionConflict when another claimer
	// won the race or the job is no longer QUEUED.
	ClaimJob(ctx context.Context, id string, version int64) (models.Job, error)

	// UpdateProgress records chunk progress on a PROCESSING job.
	// ErrInvalidTransition if the job is not PROCESSING.
	UpdateProgress(ctx context.Context, id string, processed, total int64, percent int) error

	// CompleteJob moves PROCESSING -> COMPLETED, setting the result
	// location and forcing progress to 100.
	CompleteJob(ctx context.Context, id, resultLocation string) (models.Job, error)

	// FailJob moves PROCESSING -> FAILED, recording the error detail.
	FailJob(ctx context.Context, id, errorDetail string) (models.Job, error)

	// CancelJob moves QUEUED or PROCESSING -> CANCELLED.
	// ErrInvalidTransition if the job is already terminal.
	CancelJob(ctx context.Context, id string) (models.Job, error)

	// CompletedByTypesAndRole returns COMPLETED jobs whose type is in
	// types and whose owner role matches, for all-of dependency checks.
	CompletedByTypesAndRole(ctx context.Context, types []string, ownerRole string) ([]models.Job, error)

	// AppendTransition records one audit row for a status change.
	AppendTransition(ctx context.Context, jobID, from, to string) error

	// QueuedDepth counts jobs currently QUEUED.
	QueuedDepth(ctx context.Context) (int64, error)
}
