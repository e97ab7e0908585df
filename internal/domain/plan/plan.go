// Package plan defines the CoordinationPlan domain entity for multi-agent orchestration.
package plan

import (
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain/agent"
)

// Kind is the closed set of coordination strategy kinds.
type Kind string

const (
	KindSequential   Kind = "sequential"
	KindParallel     Kind = "parallel"
	KindPipeline     Kind = "pipeline"
	KindHierarchical Kind = "hierarchical"
	KindSwarm        Kind = "swarm"
)

// Kinds lists every strategy kind in fixed escalation order, cheapest first.
// Ties in strategy scoring break along this order.
func Kinds() []Kind {
	return []Kind{KindSequential, KindParallel, KindPipeline, KindHierarchical, KindSwarm}
}

// ValidKind reports whether k is a known strategy kind.
func ValidKind(k string) bool {
	switch Kind(k) {
	case KindSequential, KindParallel, KindPipeline, KindHierarchical, KindSwarm:
		return true
	}
	return false
}

// Status represents the lifecycle state of a coordination plan.
type Status string

const (
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the plan is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// Step is one unit of work inside a plan, bound to a single agent.
type Step struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Role      agent.Type `json:"role"`
	Objective string     `json:"objective"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
}

// CoordinationPlan organizes a task's steps under one strategy kind.
// Created per orchestration call and discarded once the result is
// returned; only its summary survives in the aggregate metrics.
type CoordinationPlan struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	Kind              Kind          `json:"kind"`
	Steps             []Step        `json:"steps"`
	AgentIDs          []string      `json:"agent_ids"`
	MaxConcurrent     int           `json:"max_concurrent"`
	Quorum            float64       `json:"quorum,omitempty"` // majority fraction for swarm merges
	EstimatedDuration time.Duration `json:"estimated_duration"`
	CreatedAt         time.Time     `json:"created_at"`

	mu     sync.Mutex
	status Status
}

// NewCoordinationPlan constructs a plan in the ready state.
func NewCoordinationPlan(id, taskID string, kind Kind, steps []Step, agentIDs []string) *CoordinationPlan {
	return &CoordinationPlan{
		ID:        id,
		TaskID:    taskID,
		Kind:      kind,
		Steps:     steps,
		AgentIDs:  agentIDs,
		CreatedAt: time.Now(),
		status:    StatusReady,
	}
}

// Status returns the plan's current lifecycle state.
func (p *CoordinationPlan) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus moves the plan to next. Terminal states are sticky: once the
// plan is completed, failed, or cancelled it never transitions again.
func (p *CoordinationPlan) SetStatus(next Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.IsTerminal() {
		return
	}
	p.status = next
}

// TotalSteps returns the number of steps in the plan.
func (p *CoordinationPlan) TotalSteps() int { return len(p.Steps) }

// CompletedSteps returns the number of completed steps.
func (p *CoordinationPlan) CompletedSteps() int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// FailedSteps returns the number of failed steps.
func (p *CoordinationPlan) FailedSteps() int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Status == StepStatusFailed {
			n++
		}
	}
	return n
}

// AllSettled returns true once every step is in a terminal state.
func (p *CoordinationPlan) AllSettled() bool {
	for i := range p.Steps {
		if !p.Steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}
