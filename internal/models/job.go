package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates the lifecycle states persisted in the job store.
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

// DefaultPriority is assigned when the producer does not set one.
const DefaultPriority = 5

// Job is the unit of work: one export request moving through the state
// machine. RequestPayload and Credential are opaque to everything except
// the export collaborator boundary.
type Job struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	JobType          string          `json:"job_type"`
	OwnerRole        string          `json:"owner_role"`
	Priority         int             `json:"priority"`
	ParentJobID      *string         `json:"parent_job_id,omitempty"`
	RequestPayload   json.RawMessage `json:"request_payload"`
	Credential       string          `json:"-"`
	ProgressPercent  int             `json:"progress_percent"`
	RecordsTotal     int64           `json:"records_total"`
	RecordsProcessed int64           `json:"records_processed"`
	ResultLocation   *string         `json:"result_location,omitempty"`
	ErrorDetail      *string         `json:"error_detail,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Version          int64           `json:"version"`
}

// Transition is one append-only audit row recording a status change.
type Transition struct {
	JobID      string    `json:"job_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Recorded   time.Time `json:"recorded_at"`
}

// NewJobID renders ids the way the reporting platform always has:
// JOB_ followed by the uppercase first group of a UUID.
func NewJobID() string {
	raw := uuid.New().String()
	return "JOB_" + strings.ToUpper(raw[:8])
}

// IsTerminal reports whether no further transition is permitted.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
// The machine only moves forward: QUEUED -> PROCESSING -> {COMPLETED,
// FAILED}, with CANCELLED reachable from either non-terminal state.
func CanTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// ProgressFor computes a clamped whole percentage for processed/total.
func ProgressFor(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(processed * 100 / total)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
