package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-export-pipeline/internal/models"
)

const jobColumns = `id, status, job_type, owner_role, priority, parent_job_id, request_payload,
	credential, progress_percent, records_total, records_processed, result_location, error_detail,
	created_at, started_at, completed_at, version`

// Postgres implements JobStore on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Priority == 0 {
		p.Priority = models.DefaultPriority
	}
	payload := p.RequestPayload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	id := models.NewJobID()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO report_jobs (id, status, job_type, owner_role, priority, parent_job_id,
			request_payload, credential, progress_percent, records_total, records_processed,
			created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, 0, $9, 0)
	`, id, models.StatusQueued, p.JobType, p.OwnerRole, p.Priority, p.ParentJobID, payload, p.Credential, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:             id,
		Status:         models.StatusQueued,
		JobType:        p.JobType,
		OwnerRole:      p.OwnerRole,
		Priority:       p.Priority,
		ParentJobID:    p.ParentJobID,
		RequestPayload: payload,
		Credential:     p.Credential,
		CreatedAt:      now,
	}, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListQueued(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM report_jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`, models.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) ListJobs(ctx context.Context, status, ownerRole string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM report_jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR owner_role = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, status, ownerRole, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimJob is the single gate out of QUEUED. The WHERE clause carries both
// the status and the expected version so concurrent claimers against a
// shared database race at the row level; the loser affects zero rows.
func (s *Postgres) ClaimJob(ctx context.Context, id string, version int64) (models.Job, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET status = $2, started_at = $3, version = version + 1
		WHERE id = $1 AND status = $4 AND version = $5
	`, id, models.StatusProcessing, now, models.StatusQueued, version)
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, ErrVersionConflict
	}
	return s.GetJob(ctx, id)
}

func (s *Postgres) UpdateProgress(ctx context.Context, id string, processed, total int64, percent int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET records_processed = $2, records_total = $3, progress_percent = $4, version = version + 1
		WHERE id = $1 AND status = $5
	`, id, processed, total, percent, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

func (s *Postgres) CompleteJob(ctx context.Context, id, resultLocation string) (models.Job, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET status = $2, result_location = $3, completed_at = $4,
			progress_percent = 100, records_processed = records_total, version = version + 1
		WHERE id = $1 AND status = $5
	`, id, models.StatusCompleted, resultLocation, now, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, s.classifyMiss(ctx, id)
	}
	return s.GetJob(ctx, id)
}

func (s *Postgres) FailJob(ctx context.Context, id, errorDetail string) (models.Job, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET status = $2, error_detail = $3, completed_at = $4, version = version + 1
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, errorDetail, now, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, s.classifyMiss(ctx, id)
	}
	return s.GetJob(ctx, id)
}

func (s *Postgres) CancelJob(ctx context.Context, id string) (models.Job, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET status = $2, completed_at = $3, version = version + 1
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusCancelled, now, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, s.classifyMiss(ctx, id)
	}
	return s.GetJob(ctx, id)
}

func (s *Postgres) CompletedByTypesAndRole(ctx context.Context, types []string, ownerRole string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM report_jobs
		WHERE job_type = ANY($1) AND owner_role = $2 AND status = $3
		ORDER BY completed_at DESC
	`, types, ownerRole, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query completed parents: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) AppendTransition(ctx context.Context, jobID, from, to string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_transitions (job_id, from_status, to_status, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, from, to)
	return err
}

func (s *Postgres) QueuedDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM report_jobs WHERE status = $1
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// classifyMiss distinguishes a missing row from a guarded write that found
// the job in the wrong state.
func (s *Postgres) classifyMiss(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var parent, result, detail pgtype.Text
	var started, completed pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Status, &job.JobType, &job.OwnerRole, &job.Priority, &parent,
		&job.RequestPayload, &job.Credential, &job.ProgressPercent, &job.RecordsTotal,
		&job.RecordsProcessed, &result, &detail, &job.CreatedAt, &started, &completed, &job.Version)
	if err != nil {
		return models.Job{}, err
	}

	job.ParentJobID = textPtr(parent)
	job.ResultLocation = textPtr(result)
	job.ErrorDetail = textPtr(detail)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
