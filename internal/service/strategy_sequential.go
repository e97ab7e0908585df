package service

import (
	"context"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/domain/task"
)

// SequentialStrategy executes steps strictly in list order, feeding
// each agent's output into the next agent's input context. It is the
// catch-all: CanHandle is always true.
type SequentialStrategy struct {
	baseStrategy
	retries int // per-step retry budget
}

// Kind implements Strategy.
func (s *SequentialStrategy) Kind() plan.Kind { return plan.KindSequential }

// CanHandle implements Strategy. Sequential handles everything.
func (s *SequentialStrategy) CanHandle(*task.Task) bool { return true }

// Requirements implements Strategy. One agent runs at a time.
func (s *SequentialStrategy) Requirements(t *task.Task) Requirements {
	return Requirements{
		MaxConcurrentAgents: 1,
		MemoryBudgetMB:      128 + 32*t.Priority,
		EstimatedDuration:   time.Duration(1+t.Priority) * time.Minute,
		Priority:            t.Priority,
	}
}

// Execute implements Strategy. The first step failure that exhausts the
// retry budget aborts the plan; later steps are skipped, never invoked.
func (s *SequentialStrategy) Execute(ctx context.Context, p *plan.CoordinationPlan, agents map[string]*agent.Agent) error {
	p.SetStatus(plan.StatusRunning)
	var carried []string

	for i := range p.Steps {
		step := &p.Steps[i]
		if err := checkCancelled(ctx); err != nil {
			skipRemaining(p, i, plan.StepStatusCancelled)
			p.SetStatus(plan.StatusCancelled)
			return err
		}

		a, err := stepAgent(step, agents)
		if err != nil {
			skipRemaining(p, i, plan.StepStatusSkipped)
			p.SetStatus(plan.StatusFailed)
			return err
		}

		step.Input = strings.Join(carried, "\n\n")
		s.emit(ctx, swarm.EventStepStarted, p.TaskID, map[string]any{
			"plan_id": p.ID, "step_id": step.ID, "agent_id": a.ID,
		})

		var execErr error
		for attempt := 0; attempt <= s.retries; attempt++ {
			if attempt > 0 {
				if err := checkCancelled(ctx); err != nil {
					skipRemaining(p, i, plan.StepStatusCancelled)
					p.SetStatus(plan.StatusCancelled)
					return err
				}
				s.emit(ctx, swarm.EventStepRetried, p.TaskID, map[string]any{
					"plan_id": p.ID, "step_id": step.ID, "attempt": step.Attempts + 1,
				})
			}
			if execErr = s.exec.ExecuteStep(ctx, a, step); execErr == nil {
				break
			}
		}

		if execErr != nil {
			s.emit(ctx, swarm.EventStepFailed, p.TaskID, map[string]any{
				"plan_id": p.ID, "step_id": step.ID, "error": execErr.Error(),
			})
			skipRemaining(p, i+1, plan.StepStatusSkipped)
			if cancelErr := checkCancelled(ctx); cancelErr != nil {
				p.SetStatus(plan.StatusCancelled)
				return cancelErr
			}
			p.SetStatus(plan.StatusFailed)
			return execErr
		}

		s.emit(ctx, swarm.EventStepCompleted, p.TaskID, map[string]any{
			"plan_id": p.ID, "step_id": step.ID,
		})
		carried = append(carried, step.Output)
	}

	p.SetStatus(plan.StatusCompleted)
	return nil
}
