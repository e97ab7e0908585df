// Package agent defines the Agent domain entity and its lifecycle state machine.
package agent

import (
	"fmt"
	"sync"
	"time"
)

// Type is the closed set of agent roles.
type Type string

const (
	TypeCoordinator Type = "coordinator"
	TypePlanner     Type = "planner"
	TypeCoder       Type = "coder"
	TypeReviewer    Type = "reviewer"
	TypeResearcher  Type = "researcher"
	TypeExecutor    Type = "executor"
	TypeTester      Type = "tester"
	TypeDocumenter  Type = "documenter"
)

// ValidType reports whether t is a known agent type.
func ValidType(t string) bool {
	switch Type(t) {
	case TypeCoordinator, TypePlanner, TypeCoder, TypeReviewer,
		TypeResearcher, TypeExecutor, TypeTester, TypeDocumenter:
		return true
	}
	return false
}

// Status represents the current lifecycle state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
	StatusRetired      Status = "retired" // terminal
)

// transitions is the fixed agent state machine.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusIdle, StatusError},
	StatusIdle:         {StatusBusy, StatusRetired},
	StatusBusy:         {StatusIdle, StatusError},
	StatusError:        {StatusIdle, StatusRetired},
	StatusRetired:      {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Capabilities declares what an agent is permitted to do.
type Capabilities struct {
	Plan     bool     `json:"plan"`
	Code     bool     `json:"code"`
	Review   bool     `json:"review"`
	Research bool     `json:"research"`
	Execute  bool     `json:"execute"`
	Tools    []string `json:"tools,omitempty"` // bounded tool allowlist
}

// Sandbox describes the isolated directories assigned to an agent.
type Sandbox struct {
	WorkDir string `json:"work_dir"`
	TempDir string `json:"temp_dir"`
	LogDir  string `json:"log_dir"`
}

// Metrics tracks an agent's invocation performance.
type Metrics struct {
	Invocations int           `json:"invocations"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	TokensIn    int64         `json:"tokens_in"`
	TokensOut   int64         `json:"tokens_out"`
}

// Record folds one invocation outcome into the running metrics.
func (m *Metrics) Record(latency time.Duration, tokensIn, tokensOut int, failed bool) {
	m.Invocations++
	if failed {
		m.Failures++
	}
	m.SuccessRate = float64(m.Invocations-m.Failures) / float64(m.Invocations)
	// Running mean keeps the update O(1) per invocation.
	m.AvgLatency += (latency - m.AvgLatency) / time.Duration(m.Invocations)
	m.TokensIn += int64(tokensIn)
	m.TokensOut += int64(tokensOut)
}

// Agent is a role-bound wrapper around a single model-invocation
// capability plus a bounded tool/permission set. An agent belongs to
// exactly one plan at a time and is retired when that plan finishes.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	SystemPrompt string       `json:"-"`
	Capabilities Capabilities `json:"capabilities"`
	Sandbox      Sandbox      `json:"sandbox"`
	CreatedAt    time.Time    `json:"created_at"`

	mu       sync.Mutex
	status   Status
	workload int
	metrics  Metrics
}

// NewAgent constructs an agent in the initializing state.
func NewAgent(id, name string, typ Type, prompt string, caps Capabilities, sandbox Sandbox) *Agent {
	return &Agent{
		ID:           id,
		Name:         name,
		Type:         typ,
		SystemPrompt: prompt,
		Capabilities: caps,
		Sandbox:      sandbox,
		CreatedAt:    time.Now(),
		status:       StatusInitializing,
	}
}

// Status returns the agent's current lifecycle state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Transition moves the agent to next, enforcing the state machine.
func (a *Agent) Transition(next Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.CanTransition(next) {
		return fmt.Errorf("agent %s: invalid transition %s -> %s", a.ID, a.status, next)
	}
	a.status = next
	return nil
}

// Workload returns the number of steps currently assigned to the agent.
func (a *Agent) Workload() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workload
}

// AddWorkload adjusts the assigned-step counter by delta (may be negative).
func (a *Agent) AddWorkload(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workload += delta
	if a.workload < 0 {
		a.workload = 0
	}
}

// Metrics returns a copy of the agent's performance metrics.
func (a *Agent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// RecordInvocation folds one model call outcome into the agent metrics.
func (a *Agent) RecordInvocation(latency time.Duration, tokensIn, tokensOut int, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.Record(latency, tokensIn, tokensOut, failed)
}
