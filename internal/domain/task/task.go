// Package task defines the Task domain entity and its analysis result.
package task

import (
	"time"

	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
)

// Well-known context flags set by the analyzer or the caller.
const (
	FlagSequentialDependent = "sequential_dependent"
	FlagComplex             = "complex"
	FlagDistributed         = "distributed"
	FlagStaged              = "staged"
)

// Task is a unit of work submitted for orchestration.
// It is immutable once analyzed.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Priority    int               `json:"priority"`
	Context     map[string]string `json:"context,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	MemoryMB    int               `json:"memory_mb"`
	CreatedAt   time.Time         `json:"created_at"`
}

// HasFlag reports whether the named context flag is set to "true".
func (t *Task) HasFlag(name string) bool {
	if t == nil || t.Context == nil {
		return false
	}
	return t.Context[name] == "true"
}

// Category classifies the dominant concern of a task.
type Category string

const (
	CategoryArchitecture   Category = "architecture"
	CategoryImplementation Category = "implementation"
	CategoryTesting        Category = "testing"
	CategoryDocumentation  Category = "documentation"
	CategoryResearch       Category = "research"
	CategoryRefactoring    Category = "refactoring"
	CategoryDeployment     Category = "deployment"
	CategoryGeneral        Category = "general"
)

// Risk is the coarse risk level the analyzer assigns a task.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Analysis is the analyzer's verdict on a task description.
// Derived once per task and never mutated afterwards.
type Analysis struct {
	Complexity        float64       `json:"complexity"` // always in [0,1]
	Categories        []Category    `json:"categories"`
	Strategy          plan.Kind     `json:"strategy"`
	RequiredRoles     []agent.Type  `json:"required_roles"`
	Risk              Risk          `json:"risk"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	EstimatedAgents   int           `json:"estimated_agents"`
}

// HasCategory reports whether the analysis classified the task under c.
func (a Analysis) HasCategory(c Category) bool {
	for _, got := range a.Categories {
		if got == c {
			return true
		}
	}
	return false
}

// PriorityFromComplexity maps a [0,1] complexity score onto the 0-10
// priority range used by strategy admission rules.
func PriorityFromComplexity(complexity float64) int {
	p := int(complexity * 10)
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
