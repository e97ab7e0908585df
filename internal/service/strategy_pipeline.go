package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/domain/task"
)

// PipelineStrategy arranges agents as ordered stages. Each stage's
// output is buffered before delivery to the next stage, so a slow
// downstream stage never drops or blocks upstream output.
type PipelineStrategy struct {
	baseStrategy
}

// Kind implements Strategy.
func (s *PipelineStrategy) Kind() plan.Kind { return plan.KindPipeline }

// CanHandle implements Strategy: the task must carry a staged
// transformation signal and enough priority to justify a multi-stage
// setup.
func (s *PipelineStrategy) CanHandle(t *task.Task) bool {
	return t.Priority >= 2 && t.HasFlag(task.FlagStaged)
}

// Requirements implements Strategy. Stages run concurrently but each
// item occupies one stage at a time.
func (s *PipelineStrategy) Requirements(t *task.Task) Requirements {
	stages := 2 + t.Priority/3
	if stages > 4 {
		stages = 4
	}
	return Requirements{
		MaxConcurrentAgents: stages,
		MemoryBudgetMB:      stages * (96 + 24*t.Priority),
		EstimatedDuration:   time.Duration(2+t.Priority/2) * time.Minute,
		Priority:            t.Priority,
	}
}

// Execute implements Strategy. Stages are connected by buffered
// channels; a stage failure closes the pipeline and skips everything
// downstream.
func (s *PipelineStrategy) Execute(ctx context.Context, p *plan.CoordinationPlan, agents map[string]*agent.Agent) error {
	if len(p.Steps) == 0 {
		p.SetStatus(plan.StatusFailed)
		return fmt.Errorf("%w: pipeline plan has no stages", domain.ErrConfiguration)
	}

	p.SetStatus(plan.StatusRunning)
	n := len(p.Steps)

	// chans[i] feeds stage i; chans[n] carries the final output.
	// Buffered so an upstream stage can finish and hand off without
	// waiting for the downstream stage to be ready.
	chans := make([]chan string, n+1)
	for i := range chans {
		chans[i] = make(chan string, 1)
	}
	chans[0] <- "" // initial input: the stage objective stands alone

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		step := &p.Steps[i]
		in, out := chans[i], chans[i+1]
		a, err := stepAgent(step, agents)
		if err != nil {
			p.SetStatus(plan.StatusFailed)
			return err
		}
		g.Go(func() error {
			select {
			case input, ok := <-in:
				if !ok {
					step.Status = plan.StepStatusSkipped
					close(out)
					return nil
				}
				step.Input = input
				s.emit(gctx, swarm.EventStepStarted, p.TaskID, map[string]any{
					"plan_id": p.ID, "step_id": step.ID, "agent_id": a.ID,
				})
				if err := s.exec.ExecuteStep(gctx, a, step); err != nil {
					s.emit(gctx, swarm.EventStepFailed, p.TaskID, map[string]any{
						"plan_id": p.ID, "step_id": step.ID, "error": err.Error(),
					})
					close(out)
					return err
				}
				s.emit(gctx, swarm.EventStepCompleted, p.TaskID, map[string]any{
					"plan_id": p.ID, "step_id": step.ID,
				})
				out <- step.Output
				close(out)
				return nil
			case <-gctx.Done():
				step.Status = plan.StepStatusCancelled
				close(out)
				return gctx.Err()
			}
		})
	}

	err := g.Wait()

	if cancelErr := checkCancelled(ctx); cancelErr != nil {
		skipRemaining(p, 0, plan.StepStatusCancelled)
		p.SetStatus(plan.StatusCancelled)
		return cancelErr
	}
	if err != nil {
		skipRemaining(p, 0, plan.StepStatusSkipped)
		p.SetStatus(plan.StatusFailed)
		return err
	}

	p.SetStatus(plan.StatusCompleted)
	return nil
}
