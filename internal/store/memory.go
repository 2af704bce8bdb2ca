package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"report-export-pipeline/internal/models"
)

// Memory is an in-process JobStore with the same conditional-write
// semantics as the Postgres implementation. It backs tests and local
// development without a database.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	transitions []models.Transition
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Priority == 0 {
		p.Priority = models.DefaultPriority
	}
	payload := p.RequestPayload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	job := &models.Job{
		ID:             models.NewJobID(),
		Status:         models.StatusQueued,
		JobType:        p.JobType,
		OwnerRole:      p.OwnerRole,
		Priority:       p.Priority,
		ParentJobID:    p.ParentJobID,
		RequestPayload: payload,
		Credential:     p.Credential,
		CreatedAt:      time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return *job, nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (s *Memory) ListQueued(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusQueued {
			queued = append(queued, *job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

func (s *Memory) ListJobs(_ context.Context, status, ownerRole string, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Job
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		if ownerRole != "" && job.OwnerRole != ownerRole {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ClaimJob(_ context.Context, id string, version int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusQueued || job.Version != version {
		return models.Job{}, ErrVersionConflict
	}
	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.StartedAt = &now
	job.Version++
	return *job, nil
}

func (s *Memory) UpdateProgress(_ context.Context, id string, processed, total int64, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return ErrInvalidTransition
	}
	job.RecordsProcessed = processed
	job.RecordsTotal = total
	job.ProgressPercent = percent
	job.Version++
	return nil
}

func (s *Memory) CompleteJob(_ context.Context, id, resultLocation string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return models.Job{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.ResultLocation = &resultLocation
	job.CompletedAt = &now
	job.ProgressPercent = 100
	job.RecordsProcessed = job.RecordsTotal
	job.Version++
	return *job, nil
}

func (s *Memory) FailJob(_ context.Context, id, errorDetail string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return models.Job{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.ErrorDetail = &errorDetail
	job.CompletedAt = &now
	job.Version++
	return *job, nil
}

func (s *Memory) CancelJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if models.IsTerminal(job.Status) {
		return models.Job{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	job.Status = models.StatusCancelled
	job.CompletedAt = &now
	job.Version++
	return *job, nil
}

func (s *Memory) CompletedByTypesAndRole(_ context.Context, types []string, ownerRole string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var out []models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusCompleted && wanted[job.JobType] && job.OwnerRole == ownerRole {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	return out, nil
}

func (s *Memory) AppendTransition(_ context.Context, jobID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, models.Transition{
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		Recorded:   time.Now().UTC(),
	})
	return nil
}

func (s *Memory) QueuedDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status == models.StatusQueued {
			n++
		}
	}
	return n, nil
}

// Transitions returns the audit trail recorded for one job, oldest first.
func (s *Memory) Transitions(jobID string) []models.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transition
	for _, t := range s.transitions {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out
}
