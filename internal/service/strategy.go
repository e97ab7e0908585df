package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/domain/task"
)

// Requirements is the resource envelope a strategy demands for a task.
// Every field scales monotonically with task complexity so the
// orchestrator can admission-control concurrent orchestrations.
type Requirements struct {
	MaxConcurrentAgents int           `json:"max_concurrent_agents"`
	MemoryBudgetMB      int           `json:"memory_budget_mb"`
	EstimatedDuration   time.Duration `json:"estimated_duration"`
	Priority            int           `json:"priority"`
}

// EventEmitter records swarm events produced during strategy execution.
type EventEmitter interface {
	Emit(ctx context.Context, ev swarm.Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, swarm.Event) {}

// Strategy is the common coordination strategy contract.
type Strategy interface {
	Kind() plan.Kind

	// CanHandle reports whether the strategy is applicable to the task.
	CanHandle(t *task.Task) bool

	// Requirements returns the resource envelope for the task.
	Requirements(t *task.Task) Requirements

	// Execute runs the plan to a terminal state. agents maps agent id
	// to the registered agent for every step in the plan. A non-nil
	// error means the plan failed or was cancelled; the plan and step
	// statuses reflect the outcome either way.
	Execute(ctx context.Context, p *plan.CoordinationPlan, agents map[string]*agent.Agent) error
}

// baseStrategy carries the collaborators shared by all strategies.
type baseStrategy struct {
	exec   StepExecutor
	events EventEmitter
	logger *slog.Logger
}

func (b *baseStrategy) emit(ctx context.Context, t swarm.EventType, correlationID string, payload map[string]any) {
	b.events.Emit(ctx, swarm.NewEvent(t, "strategy", correlationID, payload))
}

// stepAgent resolves the agent bound to a step.
func stepAgent(step *plan.Step, agents map[string]*agent.Agent) (*agent.Agent, error) {
	a, ok := agents[step.AgentID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s references unknown agent %s",
			domain.ErrConfiguration, step.ID, step.AgentID)
	}
	return a, nil
}

// skipRemaining marks every non-terminal step from index from onward.
func skipRemaining(p *plan.CoordinationPlan, from int, status plan.StepStatus) {
	for i := from; i < len(p.Steps); i++ {
		if !p.Steps[i].Status.IsTerminal() {
			p.Steps[i].Status = status
		}
	}
}

// checkCancelled translates context expiry into the domain taxonomy.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	default:
		return nil
	}
}

// StrategyRegistry resolves strategies by kind and selects the best
// applicable strategy for an analyzed task.
type StrategyRegistry struct {
	strategies map[plan.Kind]Strategy
}

// NewStrategyRegistry builds all five strategies around the given
// executor and event emitter.
func NewStrategyRegistry(exec StepExecutor, events EventEmitter, retries int, logger *slog.Logger) *StrategyRegistry {
	if events == nil {
		events = nopEmitter{}
	}
	base := baseStrategy{exec: exec, events: events, logger: logger}

	reg := &StrategyRegistry{strategies: map[plan.Kind]Strategy{}}
	for _, s := range []Strategy{
		&SequentialStrategy{baseStrategy: base, retries: retries},
		&ParallelStrategy{baseStrategy: base},
		&PipelineStrategy{baseStrategy: base},
		&HierarchicalStrategy{baseStrategy: base},
		&SwarmStrategy{baseStrategy: base},
	} {
		reg.strategies[s.Kind()] = s
	}
	return reg
}

// Get returns the strategy for an explicitly requested kind.
func (r *StrategyRegistry) Get(kind plan.Kind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy kind %q", domain.ErrConfiguration, kind)
	}
	return s, nil
}

// Select picks the strategy for the task: the analyzer's recommendation
// when it is applicable, otherwise the highest-scoring applicable
// strategy, falling back to the sequential catch-all.
func (r *StrategyRegistry) Select(t *task.Task, analysis task.Analysis) Strategy {
	if s, ok := r.strategies[analysis.Strategy]; ok && s.CanHandle(t) {
		return s
	}

	scores := StrategyScores(analysis)
	best := r.strategies[plan.KindSequential]
	bestScore := scores[plan.KindSequential]
	for _, kind := range plan.Kinds() {
		s := r.strategies[kind]
		if s.CanHandle(t) && scores[kind] > bestScore {
			best, bestScore = s, scores[kind]
		}
	}
	return best
}
