package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/domain/task"
)

// SwarmStrategy dispatches 3-8 agents concurrently to propose candidate
// outputs, then accepts a result only when a configured majority
// fraction of the proposers succeed. Individual agent failure is
// tolerated as long as the quorum holds.
type SwarmStrategy struct {
	baseStrategy
}

// Kind implements Strategy.
func (s *SwarmStrategy) Kind() plan.Kind { return plan.KindSwarm }

// CanHandle implements Strategy: priority >= 8, or priority >= 6 with
// an explicit distributed signal.
func (s *SwarmStrategy) CanHandle(t *task.Task) bool {
	if t.Priority >= 8 {
		return true
	}
	return t.Priority >= 6 && t.HasFlag(task.FlagDistributed)
}

// SwarmProposerCount maps priority onto the 3-8 proposer range.
func SwarmProposerCount(priority int) int {
	n := priority - 3
	if n < 3 {
		n = 3
	}
	if n > 8 {
		n = 8
	}
	return n
}

// Requirements implements Strategy.
func (s *SwarmStrategy) Requirements(t *task.Task) Requirements {
	proposers := SwarmProposerCount(t.Priority)
	return Requirements{
		MaxConcurrentAgents: proposers,
		MemoryBudgetMB:      proposers * (128 + 32*t.Priority),
		EstimatedDuration:   time.Duration(2+t.Priority/2) * time.Minute,
		Priority:            t.Priority,
	}
}

// QuorumFor returns the number of successful proposers needed to accept
// a swarm result. A non-positive fraction falls back to simple majority.
func QuorumFor(proposers int, fraction float64) int {
	if fraction <= 0 {
		return proposers/2 + 1
	}
	need := int(math.Ceil(float64(proposers) * fraction))
	if need < 1 {
		need = 1
	}
	if need > proposers {
		need = proposers
	}
	return need
}

// Execute implements Strategy. Every step is a proposer; the accepted
// output is the proposal from the fastest-settling successful agent
// once quorum is established.
func (s *SwarmStrategy) Execute(ctx context.Context, p *plan.CoordinationPlan, agents map[string]*agent.Agent) error {
	if len(p.Steps) < 3 {
		p.SetStatus(plan.StatusFailed)
		return fmt.Errorf("%w: swarm plan needs at least 3 proposers", domain.ErrConfiguration)
	}

	p.SetStatus(plan.StatusRunning)
	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = len(p.Steps)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range p.Steps {
		step := &p.Steps[i]
		a, err := stepAgent(step, agents)
		if err != nil {
			step.Status = plan.StepStatusFailed
			step.Error = err.Error()
			continue
		}
		g.Go(func() error {
			s.emit(gctx, swarm.EventStepStarted, p.TaskID, map[string]any{
				"plan_id": p.ID, "step_id": step.ID, "agent_id": a.ID,
			})
			if err := s.exec.ExecuteStep(gctx, a, step); err != nil {
				s.emit(gctx, swarm.EventStepFailed, p.TaskID, map[string]any{
					"plan_id": p.ID, "step_id": step.ID, "error": err.Error(),
				})
				return nil
			}
			s.emit(gctx, swarm.EventStepCompleted, p.TaskID, map[string]any{
				"plan_id": p.ID, "step_id": step.ID,
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := checkCancelled(ctx); err != nil {
		p.SetStatus(plan.StatusCancelled)
		return err
	}

	succeeded := p.CompletedSteps()
	need := QuorumFor(len(p.Steps), p.Quorum)
	if succeeded < need {
		p.SetStatus(plan.StatusFailed)
		return fmt.Errorf("%w: quorum not reached, %d of %d proposers succeeded (need %d)",
			domain.ErrAgentExecution, succeeded, len(p.Steps), need)
	}

	s.logger.Debug("swarm quorum reached",
		"plan_id", p.ID, "succeeded", succeeded, "needed", need)
	p.SetStatus(plan.StatusCompleted)
	return nil
}
