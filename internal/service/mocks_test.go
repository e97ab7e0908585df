package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/port/broadcast"
	"github.com/ensembleworks/ensemble/internal/port/model"
	"github.com/ensembleworks/ensemble/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCoordinatorConfig(t *testing.T) config.Coordinator {
	t.Helper()
	return config.Coordinator{
		HeartbeatInterval: time.Hour,
		MonitorInterval:   time.Hour,
		CleanupInterval:   time.Hour,
		EventHistoryLimit: 1000,
		SwarmQuorum:       0.5,
		SequentialRetries: 1,
		SandboxRoot:       t.TempDir(),
	}
}

func newTestCoordinator(t *testing.T) *service.SwarmCoordinator {
	t.Helper()
	coord := service.NewSwarmCoordinator(testCoordinatorConfig(t), broadcast.Nop{}, nil, testLogger())
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize coordinator: %v", err)
	}
	t.Cleanup(func() { coord.Shutdown(context.Background()) })
	return coord
}

// fakeExec is a scripted StepExecutor. Steps listed in failSteps fail
// every attempt; everything else succeeds with a canned output.
type fakeExec struct {
	mu        sync.Mutex
	calls     []string // step ids in invocation order
	failSteps map[string]bool
	settled   int
	onExecute func(step *plan.Step, settledBefore int)
}

func newFakeExec() *fakeExec {
	return &fakeExec{failSteps: map[string]bool{}}
}

func (f *fakeExec) ExecuteStep(ctx context.Context, a *agent.Agent, step *plan.Step) error {
	if err := ctx.Err(); err != nil {
		step.Status = plan.StepStatusFailed
		step.Error = err.Error()
		return err
	}

	f.mu.Lock()
	f.calls = append(f.calls, step.ID)
	settledBefore := f.settled
	f.mu.Unlock()

	step.Attempts++
	if f.onExecute != nil {
		f.onExecute(step, settledBefore)
	}

	f.mu.Lock()
	fail := f.failSteps[step.ID]
	f.mu.Unlock()

	var err error
	if fail {
		step.Status = plan.StepStatusFailed
		step.Error = "scripted failure"
		err = fmt.Errorf("%w: scripted failure for step %s", domain.ErrAgentExecution, step.ID)
	} else {
		step.Status = plan.StepStatusCompleted
		step.Output = "output:" + step.ID
	}

	f.mu.Lock()
	f.settled++
	f.mu.Unlock()
	return err
}

// setFail rescripts a step while an execution is in flight.
func (f *fakeExec) setFail(stepID string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSteps[stepID] = fail
}

func (f *fakeExec) callCount(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == stepID {
			n++
		}
	}
	return n
}

func (f *fakeExec) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// buildAgents registers count idle agents of the given type directly
// (without a coordinator) and returns them keyed by id.
func buildAgents(t *testing.T, typ agent.Type, count int) (map[string]*agent.Agent, []*agent.Agent) {
	t.Helper()
	byID := make(map[string]*agent.Agent, count)
	var list []*agent.Agent
	for i := range count {
		a := agent.NewAgent(fmt.Sprintf("agent-%d", i), fmt.Sprintf("%s-%d", typ, i), typ, "prompt", agent.Capabilities{}, agent.Sandbox{})
		if err := a.Transition(agent.StatusIdle); err != nil {
			t.Fatalf("agent to idle: %v", err)
		}
		byID[a.ID] = a
		list = append(list, a)
	}
	return byID, list
}

// buildPlan lays out one pending step per agent in list order.
func buildPlan(kind plan.Kind, agents []*agent.Agent) *plan.CoordinationPlan {
	steps := make([]plan.Step, len(agents))
	ids := make([]string, len(agents))
	for i, a := range agents {
		steps[i] = plan.Step{
			ID:        fmt.Sprintf("step-%d", i),
			AgentID:   a.ID,
			Role:      a.Type,
			Objective: fmt.Sprintf("objective %d", i),
			Status:    plan.StepStatusPending,
		}
		ids[i] = a.ID
	}
	return plan.NewCoordinationPlan("plan-1", "task-1", kind, steps, ids)
}

// scriptedInvoker drives the real AgentExecutor in orchestrator tests.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   int
	failAll bool
	started chan struct{} // closed on first call, if set
	proceed chan struct{} // blocks every call until closed, if set
}

func (s *scriptedInvoker) Complete(ctx context.Context, _ string, _ []model.Message) (*model.Completion, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()

	if first && s.started != nil {
		close(s.started)
	}
	if s.proceed != nil {
		select {
		case <-s.proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failAll {
		return nil, fmt.Errorf("model unavailable")
	}
	return &model.Completion{Text: "done", TokensIn: 10, TokensOut: 5}, nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
