package depend

import (
	"context"
	"fmt"
	"log"

	"report-export-pipeline/internal/export"
	"report-export-pipeline/internal/models"
	"report-export-pipeline/internal/queue"
	"report-export-pipeline/internal/telemetry"
)

// Engine evaluates dependency rules when a job reaches a terminal state.
// It only ever reads authoritative store state and enqueues; nothing it
// does can alter the parent's already-terminal status.
type Engine struct {
	queue *queue.JobQueue
	rules []Rule
}

// NewEngine builds the engine over a validated rule set.
func NewEngine(q *queue.JobQueue, rules []Rule) *Engine {
	return &Engine{queue: q, rules: rules}
}

// TriggersOnFailure reports whether any rule cares about FAILED parents,
// so the executor knows to evaluate after a Fail as well.
func (e *Engine) TriggersOnFailure() bool {
	for _, r := range e.rules {
		if r.Trigger == OnAnyCompletion {
			return true
		}
	}
	return false
}

// Evaluate reloads the finished job, matches every configured rule, and
// enqueues the dependents of the rules that fire. Errors are logged and
// isolated per rule; evaluation of the remaining rules continues. It
// returns the ids of the jobs it created.
func (e *Engine) Evaluate(ctx context.Context, jobID string) []string {
	if len(e.rules) == 0 {
		return nil
	}

	// Reload rather than trust the caller's copy; the stored row is the
	// source of truth for status and role.
	parent, err := e.queue.Get(ctx, jobID)
	if err != nil {
		log.Printf("depend: reload parent %s: %v", jobID, err)
		return nil
	}

	var created []string
	for i, rule := range e.rules {
		if !rule.Trigger.Satisfied(parent.Status) || !rule.Matches(parent.JobType) {
			continue
		}
		if rule.ParentRole != "" && rule.ParentRole != parent.OwnerRole {
			continue
		}

		id, err := e.applyRule(ctx, rule, parent)
		if err != nil {
			log.Printf("depend: rule %d (%s): %v", i, rule.DependentJobType, err)
			continue
		}
		if id != "" {
			created = append(created, id)
		}
	}
	return created
}

// applyRule runs one matched rule. For an all-of spec it verifies every
// required parent type has a COMPLETED job for the same owner role; if
// any is missing it does nothing and relies on that sibling's own
// completion to re-run this check.
func (e *Engine) applyRule(ctx context.Context, rule Rule, parent models.Job) (string, error) {
	switch spec := rule.Parents.(type) {
	case SingleParent:
		return e.enqueueDependent(ctx, rule, parent)
	case AllParents:
		ready, err := e.allParentsCompleted(ctx, spec, parent.OwnerRole)
		if err != nil {
			return "", err
		}
		if !ready {
			return "", nil
		}
		return e.enqueueDependent(ctx, rule, parent)
	default:
		return "", fmt.Errorf("unhandled parent spec %T", spec)
	}
}

func (e *Engine) allParentsCompleted(ctx context.Context, spec AllParents, ownerRole string) (bool, error) {
	completed, err := e.queue.Store().CompletedByTypesAndRole(ctx, spec.Required, ownerRole)
	if err != nil {
		return false, fmt.Errorf("check required parents: %w", err)
	}
	seen := make(map[string]bool, len(completed))
	for _, job := range completed {
		seen[job.JobType] = true
	}
	for _, required := range spec.Required {
		if !seen[required] {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) enqueueDependent(ctx context.Context, rule Rule, parent models.Job) (string, error) {
	role := rule.DependentRole
	if role == "" {
		role = parent.OwnerRole
	}
	priority := rule.DependentPriority
	if priority == 0 {
		priority = parent.Priority
	}
	payload, err := export.DependentPayload(parent.RequestPayload, rule.DependentChunkSize)
	if err != nil {
		return "", err
	}

	job, err := e.queue.Enqueue(ctx, queue.EnqueueParams{
		JobType:        rule.DependentJobType,
		OwnerRole:      role,
		Priority:       priority,
		RequestPayload: payload,
		Credential:     parent.Credential,
		ParentJobID:    &parent.ID,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue dependent %s: %w", rule.DependentJobType, err)
	}

	telemetry.DependentsCreated.Inc()
	log.Printf("depend: created %s (%s) from parent %s", job.ID, job.JobType, parent.ID)
	return job.ID, nil
}
