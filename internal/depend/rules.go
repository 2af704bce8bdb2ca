// Package depend matches completed jobs against configured dependency
// rules and enqueues the follow-on jobs they name. Rules are loaded once
// at process start and immutable afterwards.
package depend

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"report-export-pipeline/internal/models"
)

// TriggerCondition decides which parent outcomes fire a rule.
type TriggerCondition string

const (
	// OnSuccess fires only when the parent COMPLETED.
	OnSuccess TriggerCondition = "ON_SUCCESS"
	// OnAnyCompletion fires when the parent reached COMPLETED or FAILED.
	OnAnyCompletion TriggerCondition = "ON_ANY_COMPLETION"
)

// Satisfied reports whether a parent in the given status fires this
// condition.
func (c TriggerCondition) Satisfied(status string) bool {
	switch c {
	case OnAnyCompletion:
		return status == models.StatusCompleted || status == models.StatusFailed
	default:
		return status == models.StatusCompleted
	}
}

// ParentSpec is the tagged variant over the two matching modes: a single
// parent type that is sufficient on its own, or a set of types that must
// all have completed.
type ParentSpec interface {
	// Types lists every parent type the spec involves.
	Types() []string
	isParentSpec()
}

// SingleParent fires as soon as one job of Type completes.
type SingleParent struct {
	Type string
}

func (s SingleParent) Types() []string { return []string{s.Type} }
func (SingleParent) isParentSpec()     {}

// AllParents fires only when every listed type has a COMPLETED job for
// the same owner role.
type AllParents struct {
	Required []string
}

func (a AllParents) Types() []string { return a.Required }
func (AllParents) isParentSpec()     {}

// Rule is one static dependency configuration.
type Rule struct {
	Parents            ParentSpec
	DependentJobType   string
	Trigger            TriggerCondition
	ParentRole         string // optional filter; empty matches any role
	DependentRole      string // optional override; empty inherits the parent's
	DependentChunkSize int64
	DependentPriority  int
}

// Matches reports whether the rule applies to a parent of the given type.
func (r Rule) Matches(jobType string) bool {
	for _, t := range r.Parents.Types() {
		if t == jobType {
			return true
		}
	}
	return false
}

type ruleJSON struct {
	ParentJobType      string   `json:"parent_job_type,omitempty"`
	ParentJobTypes     []string `json:"parent_job_types,omitempty"`
	DependentJobType   string   `json:"dependent_job_type"`
	TriggerCondition   string   `json:"trigger_condition,omitempty"`
	ParentRole         string   `json:"parent_role,omitempty"`
	DependentRole      string   `json:"dependent_role,omitempty"`
	DependentChunkSize int64    `json:"dependent_chunk_size,omitempty"`
	DependentPriority  int      `json:"dependent_priority,omitempty"`
}

// LoadRules reads and validates the rule file. A missing path yields an
// empty rule set, which disables the engine without error.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dependency rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a JSON array of rules and validates the result.
func ParseRules(data []byte) ([]Rule, error) {
	var raw []ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse dependency rules: %w", err)
	}

	rules := make([]Rule, 0, len(raw))
	for i, rj := range raw {
		rule, err := rj.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	if err := Validate(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (rj ruleJSON) toRule() (Rule, error) {
	if rj.DependentJobType == "" {
		return Rule{}, errors.New("dependent_job_type is required")
	}

	var parents ParentSpec
	switch {
	case rj.ParentJobType != "" && len(rj.ParentJobTypes) > 0:
		return Rule{}, errors.New("set exactly one of parent_job_type and parent_job_types")
	case rj.ParentJobType != "":
		parents = SingleParent{Type: rj.ParentJobType}
	case len(rj.ParentJobTypes) > 0:
		parents = AllParents{Required: rj.ParentJobTypes}
	default:
		return Rule{}, errors.New("set exactly one of parent_job_type and parent_job_types")
	}

	trigger := TriggerCondition(rj.TriggerCondition)
	switch trigger {
	case "":
		trigger = OnSuccess
	case OnSuccess, OnAnyCompletion:
	default:
		return Rule{}, fmt.Errorf("unknown trigger_condition %q", rj.TriggerCondition)
	}

	return Rule{
		Parents:            parents,
		DependentJobType:   rj.DependentJobType,
		Trigger:            trigger,
		ParentRole:         rj.ParentRole,
		DependentRole:      rj.DependentRole,
		DependentChunkSize: rj.DependentChunkSize,
		DependentPriority:  rj.DependentPriority,
	}, nil
}

// Validate rejects rule sets whose type graph contains a cycle: a job
// type that transitively triggers itself would re-enqueue forever. The
// check runs at load time so a bad deploy fails fast instead of looping
// in production.
func Validate(rules []Rule) error {
	edges := make(map[string][]string)
	for _, r := range rules {
		for _, parent := range r.Parents.Types() {
			edges[parent] = append(edges[parent], r.DependentJobType)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(node string) error
	visit = func(node string) error {
		switch state[node] {
		case visiting:
			return fmt.Errorf("dependency rules contain a cycle through job type %q", node)
		case done:
			return nil
		}
		state[node] = visiting
		for _, next := range edges[node] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[node] = done
		return nil
	}

	for node := range edges {
		if err := visit(node); err != nil {
			return err
		}
	}
	return nil
}
