package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/port/model"
)

// StepExecutor performs one agent invocation for one plan step.
// Strategies depend on this interface so tests can substitute fakes.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, a *agent.Agent, step *plan.Step) error
}

// AgentExecutor invokes the model on behalf of an agent and records
// latency/token metrics on the agent.
type AgentExecutor struct {
	invoker model.Invoker
	logger  *slog.Logger
}

// NewAgentExecutor creates an executor bound to the injected model capability.
func NewAgentExecutor(invoker model.Invoker, logger *slog.Logger) *AgentExecutor {
	return &AgentExecutor{invoker: invoker, logger: logger}
}

// ExecuteStep runs the step's objective through the agent's model
// invocation, moving the agent busy for the duration. Failures are
// wrapped as agent execution errors; the agent lands in the error
// state and stays registered so the coordinator can observe it.
func (e *AgentExecutor) ExecuteStep(ctx context.Context, a *agent.Agent, step *plan.Step) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	if a.Status() == agent.StatusError {
		// Recover an errored agent before reuse.
		if err := a.Transition(agent.StatusIdle); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrAgentExecution, err)
		}
	}
	if err := a.Transition(agent.StatusBusy); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAgentExecution, err)
	}
	a.AddWorkload(1)
	defer a.AddWorkload(-1)

	step.Status = plan.StepStatusRunning
	step.Attempts++

	var sb strings.Builder
	sb.WriteString(step.Objective)
	if step.Input != "" {
		sb.WriteString("\n\nContext from previous agents:\n")
		sb.WriteString(step.Input)
	}

	start := time.Now()
	completion, err := e.invoker.Complete(ctx, a.SystemPrompt, []model.Message{
		{Role: "user", Content: sb.String()},
	})
	latency := time.Since(start)

	if err != nil {
		a.RecordInvocation(latency, 0, 0, true)
		_ = a.Transition(agent.StatusError)
		step.Status = plan.StepStatusFailed
		step.Error = err.Error()
		e.logger.Warn("step execution failed",
			"agent_id", a.ID, "agent_type", a.Type, "step_id", step.ID,
			"attempt", step.Attempts, "error", err)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %v", domain.ErrAgentExecution, err)
	}

	if strings.TrimSpace(completion.Text) == "" {
		a.RecordInvocation(latency, completion.TokensIn, completion.TokensOut, true)
		_ = a.Transition(agent.StatusError)
		step.Status = plan.StepStatusFailed
		step.Error = "model returned empty output"
		return fmt.Errorf("%w: model returned empty output", domain.ErrAgentExecution)
	}

	a.RecordInvocation(latency, completion.TokensIn, completion.TokensOut, false)
	_ = a.Transition(agent.StatusIdle)
	step.Status = plan.StepStatusCompleted
	step.Output = completion.Text
	return nil
}
