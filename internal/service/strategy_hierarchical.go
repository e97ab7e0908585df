package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/domain/task"
)

// HierarchicalStrategy runs one coordinator agent that decomposes the
// task, a pool of workers executing the resulting sub-tasks, and a
// final integration pass by the coordinator. A failed worker step gets
// one reassignment to another idle agent of the same role before the
// plan is declared failed.
type HierarchicalStrategy struct {
	baseStrategy
}

// Kind implements Strategy.
func (s *HierarchicalStrategy) Kind() plan.Kind { return plan.KindHierarchical }

// CanHandle implements Strategy: priority >= 5 and the task flagged complex.
func (s *HierarchicalStrategy) CanHandle(t *task.Task) bool {
	return t.Priority >= 5 && t.HasFlag(task.FlagComplex)
}

// HierarchyDepth maps priority onto the 2-4 level range.
func HierarchyDepth(priority int) int {
	d := 2 + (priority-5)/2
	if d < 2 {
		d = 2
	}
	if d > 4 {
		d = 4
	}
	return d
}

// Requirements implements Strategy.
func (s *HierarchicalStrategy) Requirements(t *task.Task) Requirements {
	depth := HierarchyDepth(t.Priority)
	workers := depth + 1 // coordinator plus one worker per level
	return Requirements{
		MaxConcurrentAgents: workers,
		MemoryBudgetMB:      workers * (160 + 32*t.Priority),
		EstimatedDuration:   time.Duration(3+t.Priority) * time.Minute,
		Priority:            t.Priority,
	}
}

// Execute implements Strategy. Plan shape: step 0 decomposes, the last
// step integrates (both bound to the coordinator agent), everything in
// between is a worker sub-task.
func (s *HierarchicalStrategy) Execute(ctx context.Context, p *plan.CoordinationPlan, agents map[string]*agent.Agent) error {
	if len(p.Steps) < 3 {
		p.SetStatus(plan.StatusFailed)
		return fmt.Errorf("%w: hierarchical plan needs decompose, workers, and integrate steps", domain.ErrConfiguration)
	}

	p.SetStatus(plan.StatusRunning)
	decompose := &p.Steps[0]
	workers := p.Steps[1 : len(p.Steps)-1]
	integrate := &p.Steps[len(p.Steps)-1]

	coordinator, err := stepAgent(decompose, agents)
	if err != nil {
		skipRemaining(p, 0, plan.StepStatusSkipped)
		p.SetStatus(plan.StatusFailed)
		return err
	}

	s.emit(ctx, swarm.EventStepStarted, p.TaskID, map[string]any{
		"plan_id": p.ID, "step_id": decompose.ID, "agent_id": coordinator.ID,
	})
	if err := s.exec.ExecuteStep(ctx, coordinator, decompose); err != nil {
		skipRemaining(p, 1, plan.StepStatusSkipped)
		if cancelErr := checkCancelled(ctx); cancelErr != nil {
			p.SetStatus(plan.StatusCancelled)
			return cancelErr
		}
		p.SetStatus(plan.StatusFailed)
		return err
	}

	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = len(workers)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range workers {
		step := &workers[i]
		g.Go(func() error {
			step.Input = decompose.Output
			s.runWorker(gctx, p, step, agents)
			return nil
		})
	}
	_ = g.Wait()

	if err := checkCancelled(ctx); err != nil {
		integrate.Status = plan.StepStatusCancelled
		p.SetStatus(plan.StatusCancelled)
		return err
	}

	var outputs []string
	for i := range workers {
		if workers[i].Status != plan.StepStatusCompleted {
			integrate.Status = plan.StepStatusSkipped
			p.SetStatus(plan.StatusFailed)
			return fmt.Errorf("%w: worker step %s failed after reassignment",
				domain.ErrAgentExecution, workers[i].ID)
		}
		outputs = append(outputs, workers[i].Output)
	}

	integrate.Input = strings.Join(outputs, "\n\n---\n\n")
	if err := s.exec.ExecuteStep(ctx, coordinator, integrate); err != nil {
		p.SetStatus(plan.StatusFailed)
		return err
	}

	p.SetStatus(plan.StatusCompleted)
	return nil
}

// runWorker executes one worker step, reassigning it once to another
// agent of the same role on failure. The outcome lands in the step.
func (s *HierarchicalStrategy) runWorker(ctx context.Context, p *plan.CoordinationPlan, step *plan.Step, agents map[string]*agent.Agent) {
	a, err := stepAgent(step, agents)
	if err != nil {
		step.Status = plan.StepStatusFailed
		step.Error = err.Error()
		return
	}

	s.emit(ctx, swarm.EventStepStarted, p.TaskID, map[string]any{
		"plan_id": p.ID, "step_id": step.ID, "agent_id": a.ID,
	})
	if err := s.exec.ExecuteStep(ctx, a, step); err == nil {
		s.emit(ctx, swarm.EventStepCompleted, p.TaskID, map[string]any{
			"plan_id": p.ID, "step_id": step.ID,
		})
		return
	}
	if ctx.Err() != nil {
		return
	}

	replacement := s.findReplacement(step, a, agents)
	if replacement == nil {
		s.emit(ctx, swarm.EventStepFailed, p.TaskID, map[string]any{
			"plan_id": p.ID, "step_id": step.ID, "error": step.Error,
		})
		return
	}

	s.logger.Info("reassigning failed worker step",
		"plan_id", p.ID, "step_id", step.ID,
		"from_agent", a.ID, "to_agent", replacement.ID)
	step.AgentID = replacement.ID
	s.emit(ctx, swarm.EventStepRetried, p.TaskID, map[string]any{
		"plan_id": p.ID, "step_id": step.ID, "agent_id": replacement.ID,
	})

	if err := s.exec.ExecuteStep(ctx, replacement, step); err != nil {
		s.emit(ctx, swarm.EventStepFailed, p.TaskID, map[string]any{
			"plan_id": p.ID, "step_id": step.ID, "error": step.Error,
		})
		return
	}
	s.emit(ctx, swarm.EventStepCompleted, p.TaskID, map[string]any{
		"plan_id": p.ID, "step_id": step.ID,
	})
}

// findReplacement returns an idle agent of the step's role other than
// the one that just failed, or nil when none is available.
func (s *HierarchicalStrategy) findReplacement(step *plan.Step, failed *agent.Agent, agents map[string]*agent.Agent) *agent.Agent {
	for _, candidate := range agents {
		if candidate.ID == failed.ID || candidate.Type != step.Role {
			continue
		}
		if candidate.Status() == agent.StatusIdle {
			return candidate
		}
	}
	return nil
}
