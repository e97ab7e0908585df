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

// ParallelStrategy dispatches 2-5 agents concurrently against
// independent sub-objectives. The last step of a parallel plan is the
// merge step: it runs exactly once, only after every dispatched agent
// has settled, and resolves conflicts between their outputs.
type ParallelStrategy struct {
	baseStrategy
}

// Kind implements Strategy.
func (s *ParallelStrategy) Kind() plan.Kind { return plan.KindParallel }

// CanHandle implements Strategy: priority >= 3 and the task is not
// flagged as sequential-dependent.
func (s *ParallelStrategy) CanHandle(t *task.Task) bool {
	return t.Priority >= 3 && !t.HasFlag(task.FlagSequentialDependent)
}

// ParallelWorkerCount maps priority onto the 2-5 concurrent worker range.
func ParallelWorkerCount(priority int) int {
	n := 2 + (priority-3)/2
	if n < 2 {
		n = 2
	}
	if n > 5 {
		n = 5
	}
	return n
}

// Requirements implements Strategy.
func (s *ParallelStrategy) Requirements(t *task.Task) Requirements {
	workers := ParallelWorkerCount(t.Priority)
	return Requirements{
		MaxConcurrentAgents: workers,
		MemoryBudgetMB:      workers * (128 + 32*t.Priority),
		EstimatedDuration:   time.Duration(2+t.Priority/2) * time.Minute,
		Priority:            t.Priority,
	}
}

// Execute implements Strategy.
func (s *ParallelStrategy) Execute(ctx context.Context, p *plan.CoordinationPlan, agents map[string]*agent.Agent) error {
	if len(p.Steps) < 2 {
		p.SetStatus(plan.StatusFailed)
		return fmt.Errorf("%w: parallel plan needs at least one worker and a merge step", domain.ErrConfiguration)
	}

	p.SetStatus(plan.StatusRunning)
	workers := p.Steps[:len(p.Steps)-1]
	merge := &p.Steps[len(p.Steps)-1]

	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = len(workers)
	}

	// Workers record their outcome in the step and never return an
	// error, so the group always waits for every dispatch to settle.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range workers {
		step := &workers[i]
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
		merge.Status = plan.StepStatusCancelled
		p.SetStatus(plan.StatusCancelled)
		return err
	}

	var outputs []string
	succeeded := 0
	for i := range workers {
		if workers[i].Status == plan.StepStatusCompleted {
			succeeded++
			outputs = append(outputs, workers[i].Output)
		}
	}

	// Majority of workers must succeed before merging is worthwhile.
	if succeeded < len(workers)/2+1 {
		merge.Status = plan.StepStatusSkipped
		p.SetStatus(plan.StatusFailed)
		return fmt.Errorf("%w: only %d of %d parallel workers succeeded",
			domain.ErrAgentExecution, succeeded, len(workers))
	}

	mergeAgent, err := stepAgent(merge, agents)
	if err != nil {
		p.SetStatus(plan.StatusFailed)
		return err
	}

	merge.Input = strings.Join(outputs, "\n\n---\n\n")
	if err := s.exec.ExecuteStep(ctx, mergeAgent, merge); err != nil {
		p.SetStatus(plan.StatusFailed)
		return err
	}

	p.SetStatus(plan.StatusCompleted)
	return nil
}
