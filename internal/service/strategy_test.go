package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/task"
	"github.com/ensembleworks/ensemble/internal/service"
)

func newRegistry(exec service.StepExecutor, retries int) *service.StrategyRegistry {
	return service.NewStrategyRegistry(exec, nil, retries, testLogger())
}

func getStrategy(t *testing.T, reg *service.StrategyRegistry, kind plan.Kind) service.Strategy {
	t.Helper()
	s, err := reg.Get(kind)
	if err != nil {
		t.Fatalf("get strategy %s: %v", kind, err)
	}
	return s
}

func TestCanHandleRules(t *testing.T) {
	reg := newRegistry(newFakeExec(), 1)

	tests := []struct {
		name string
		kind plan.Kind
		task task.Task
		want bool
	}{
		{"sequential always", plan.KindSequential, task.Task{Priority: 0}, true},
		{"parallel needs priority 3", plan.KindParallel, task.Task{Priority: 2}, false},
		{"parallel at priority 3", plan.KindParallel, task.Task{Priority: 3}, true},
		{"parallel rejects sequential-dependent", plan.KindParallel,
			task.Task{Priority: 5, Context: map[string]string{task.FlagSequentialDependent: "true"}}, false},
		{"pipeline needs staged flag", plan.KindPipeline, task.Task{Priority: 5}, false},
		{"pipeline with staged flag", plan.KindPipeline,
			task.Task{Priority: 5, Context: map[string]string{task.FlagStaged: "true"}}, true},
		{"hierarchical needs complex flag", plan.KindHierarchical, task.Task{Priority: 7}, false},
		{"hierarchical at priority 5 complex", plan.KindHierarchical,
			task.Task{Priority: 5, Context: map[string]string{task.FlagComplex: "true"}}, true},
		{"hierarchical below priority 5", plan.KindHierarchical,
			task.Task{Priority: 4, Context: map[string]string{task.FlagComplex: "true"}}, false},
		{"swarm at priority 8", plan.KindSwarm, task.Task{Priority: 8}, true},
		{"swarm at priority 6 distributed", plan.KindSwarm,
			task.Task{Priority: 6, Context: map[string]string{task.FlagDistributed: "true"}}, true},
		{"swarm at priority 6 plain", plan.KindSwarm, task.Task{Priority: 6}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := getStrategy(t, reg, tt.kind)
			if got := s.CanHandle(&tt.task); got != tt.want {
				t.Errorf("CanHandle = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequirementsScaleMonotonically(t *testing.T) {
	reg := newRegistry(newFakeExec(), 1)
	flags := map[string]string{
		task.FlagComplex: "true", task.FlagStaged: "true", task.FlagDistributed: "true",
	}
	for _, kind := range plan.Kinds() {
		s := getStrategy(t, reg, kind)
		var prev service.Requirements
		for prio := 0; prio <= 10; prio++ {
			req := s.Requirements(&task.Task{Priority: prio, Context: flags})
			if prio > 0 {
				if req.MemoryBudgetMB < prev.MemoryBudgetMB {
					t.Errorf("%s: memory budget decreased from priority %d to %d", kind, prio-1, prio)
				}
				if req.EstimatedDuration < prev.EstimatedDuration {
					t.Errorf("%s: duration decreased from priority %d to %d", kind, prio-1, prio)
				}
				if req.MaxConcurrentAgents < prev.MaxConcurrentAgents {
					t.Errorf("%s: concurrency decreased from priority %d to %d", kind, prio-1, prio)
				}
			}
			prev = req
		}
	}
}

func TestSequentialChainsOutputs(t *testing.T) {
	exec := newFakeExec()
	reg := newRegistry(exec, 1)
	agents, list := buildAgents(t, agent.TypeCoder, 3)
	p := buildPlan(plan.KindSequential, list)

	s := getStrategy(t, reg, plan.KindSequential)
	if err := s.Execute(context.Background(), p, agents); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if p.Status() != plan.StatusCompleted {
		t.Fatalf("plan status = %s, want completed", p.Status())
	}
	if !strings.Contains(p.Steps[2].Input, "output:step-0") || !strings.Contains(p.Steps[2].Input, "output:step-1") {
		t.Fatalf("last step input missing carried outputs: %q", p.Steps[2].Input)
	}
}

func TestSequentialFailureSkipsRemaining(t *testing.T) {
	exec := newFakeExec()
	exec.failSteps["step-1"] = true
	reg := newRegistry(exec, 1)
	agents, list := buildAgents(t, agent.TypeCoder, 4)
	p := buildPlan(plan.KindSequential, list)

	s := getStrategy(t, reg, plan.KindSequential)
	err := s.Execute(context.Background(), p, agents)
	if !errors.Is(err, domain.ErrAgentExecution) {
		t.Fatalf("expected agent execution error, got %v", err)
	}

	if p.Status() != plan.StatusFailed {
		t.Fatalf("plan status = %s, want failed", p.Status())
	}
	// Retry budget of 1 means the failing step runs twice.
	if got := exec.callCount("step-1"); got != 2 {
		t.Fatalf("failing step invoked %d times, want 2", got)
	}
	// Steps after the failure are never invoked.
	if got := exec.callCount("step-2"); got != 0 {
		t.Fatalf("step-2 invoked %d times, want 0", got)
	}
	if got := exec.callCount("step-3"); got != 0 {
		t.Fatalf("step-3 invoked %d times, want 0", got)
	}
	if p.Steps[2].Status != plan.StepStatusSkipped || p.Steps[3].Status != plan.StepStatusSkipped {
		t.Fatal("steps after the failure must be skipped")
	}
}

func TestSequentialCancellationBetweenSteps(t *testing.T) {
	exec := newFakeExec()
	ctx, cancel := context.WithCancel(context.Background())
	exec.onExecute = func(step *plan.Step, _ int) {
		if step.ID == "step-0" {
			cancel() // observed at the next step boundary
		}
	}
	reg := newRegistry(exec, 1)
	agents, list := buildAgents(t, agent.TypeCoder, 3)
	p := buildPlan(plan.KindSequential, list)

	s := getStrategy(t, reg, plan.KindSequential)
	err := s.Execute(ctx, p, agents)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}

	if p.Status() != plan.StatusCancelled {
		t.Fatalf("plan status = %s, want cancelled", p.Status())
	}
	if p.Steps[0].Status != plan.StepStatusCompleted {
		t.Fatal("in-flight step must be allowed to finish")
	}
	if exec.totalCalls() != 1 {
		t.Fatalf("later steps must not be invoked after cancel, got %d calls", exec.totalCalls())
	}
}

func TestParallelMergeRunsOnceAfterAllSettle(t *testing.T) {
	exec := newFakeExec()
	agents, list := buildAgents(t, agent.TypeCoder, 4) // 3 workers + merge
	p := buildPlan(plan.KindParallel, list)
	mergeID := p.Steps[3].ID

	var settledAtMerge int
	exec.onExecute = func(step *plan.Step, settledBefore int) {
		if step.ID == mergeID {
			settledAtMerge = settledBefore
		}
	}

	reg := newRegistry(exec, 1)
	s := getStrategy(t, reg, plan.KindParallel)
	if err := s.Execute(context.Background(), p, agents); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := exec.callCount(mergeID); got != 1 {
		t.Fatalf("merge step invoked %d times, want exactly 1", got)
	}
	if settledAtMerge != 3 {
		t.Fatalf("merge ran after %d workers settled, want 3", settledAtMerge)
	}
	for i := range 3 {
		if !strings.Contains(p.Steps[3].Input, "output:"+p.Steps[i].ID) {
			t.Fatalf("merge input missing worker %d output", i)
		}
	}
	if p.Status() != plan.StatusCompleted {
		t.Fatalf("plan status = %s, want completed", p.Status())
	}
}

func TestParallelMinoritySuccessFails(t *testing.T) {
	exec := newFakeExec()
	exec.failSteps["step-0"] = true
	exec.failSteps["step-1"] = true
	agents, list := buildAgents(t, agent.TypeCoder, 4) // 3 workers + merge
	p := buildPlan(plan.KindParallel, list)
	mergeID := p.Steps[3].ID

	reg := newRegistry(exec, 1)
	s := getStrategy(t, reg, plan.KindParallel)
	err := s.Execute(context.Background(), p, agents)
	if !errors.Is(err, domain.ErrAgentExecution) {
		t.Fatalf("expected agent execution error, got %v", err)
	}
	if got := exec.callCount(mergeID); got != 0 {
		t.Fatalf("merge must be skipped without worker majority, invoked %d times", got)
	}
	if p.Steps[3].Status != plan.StepStatusSkipped {
		t.Fatalf("merge step status = %s, want skipped", p.Steps[3].Status)
	}
}

func TestPipelineChainsStages(t *testing.T) {
	exec := newFakeExec()
	agents, list := buildAgents(t, agent.TypeCoder, 3)
	p := buildPlan(plan.KindPipeline, list)

	reg := newRegistry(exec, 1)
	s := getStrategy(t, reg, plan.KindPipeline)
	if err := s.Execute(context.Background(), p, agents); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if p.Status() != plan.StatusCompleted {
		t.Fatalf("plan status = %s, want completed", p.Status())
	}
	if p.Steps[1].Input != "output:step-0" {
		t.Fatalf("stage 2 input = %q, want stage 1 output", p.Steps[1].Input)
	}
	if p.Steps[2].Input != "output:step-1" {
		t.Fatalf("stage 3 input = %q, want stage 2 output", p.Steps[2].Input)
	}
}

func TestPipelineStageFailureSkipsDownstream(t *testing.T) {
	exec := newFakeExec()
	exec.failSteps["step-1"] = true
	agents, list := buildAgents(t, agent.TypeCoder, 3)
	p := buildPlan(plan.KindPipeline, list)

	reg := newRegistry(exec, 1)
	s := getStrategy(t, reg, plan.KindPipeline)
	if err := s.Execute(context.Background(), p, agents); err == nil {
		t.Fatal("expected pipeline failure")
	}

	if p.Status() != plan.StatusFailed {
		t.Fatalf("plan status = %s, want failed", p.Status())
	}
	if got := exec.callCount("step-2"); got != 0 {
		t.Fatalf("downstream stage invoked %d times after failure, want 0", got)
	}
}

func TestHierarchicalReassignsFailedWorker(t *testing.T) {
	exec := newFakeExec()
	agentsByID, list := buildAgents(t, agent.TypeCoder, 2) // workers
	coordByID, coords := buildAgents(t, agent.TypeCoordinator, 1)
	for id, a := range coordByID {
		agentsByID[id] = a
	}
	// A spare idle coder is available for reassignment.
	spare := agent.NewAgent("spare-1", "coder-spare", agent.TypeCoder, "prompt", agent.Capabilities{}, agent.Sandbox{})
	if err := spare.Transition(agent.StatusIdle); err != nil {
		t.Fatalf("spare to idle: %v", err)
	}
	agentsByID[spare.ID] = spare

	coordinator := coords[0]
	steps := []plan.Step{
		{ID: "decompose", AgentID: coordinator.ID, Role: coordinator.Type, Status: plan.StepStatusPending},
		{ID: "work-0", AgentID: list[0].ID, Role: list[0].Type, Status: plan.StepStatusPending},
		{ID: "work-1", AgentID: list[1].ID, Role: list[1].Type, Status: plan.StepStatusPending},
		{ID: "integrate", AgentID: coordinator.ID, Role: coordinator.Type, Status: plan.StepStatusPending},
	}
	p := plan.NewCoordinationPlan("plan-1", "task-1", plan.KindHierarchical, steps, nil)

	// work-0 fails on its original agent only. The fake keys failures
	// by step id, so clear the script once the step moves to any
	// replacement agent.
	originalAgent := list[0].ID
	exec.failSteps["work-0"] = true
	exec.onExecute = func(step *plan.Step, _ int) {
		if step.ID == "work-0" && step.AgentID != originalAgent {
			exec.setFail("work-0", false)
		}
	}

	reg := newRegistry(exec, 1)
	s := getStrategy(t, reg, plan.KindHierarchical)
	if err := s.Execute(context.Background(), p, agentsByID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if p.Status() != plan.StatusCompleted {
		t.Fatalf("plan status = %s, want completed", p.Status())
	}
	if p.Steps[1].AgentID == originalAgent {
		t.Fatal("failed worker step was not reassigned")
	}
	if got := exec.callCount("work-0"); got != 2 {
		t.Fatalf("failed worker step invoked %d times, want 2", got)
	}
	if got := exec.callCount("integrate"); got != 1 {
		t.Fatalf("integrate invoked %d times, want 1", got)
	}
}

func TestHierarchicalNoReplacementFailsPlan(t *testing.T) {
	exec := newFakeExec()
	exec.failSteps["work-0"] = true
	agentsByID, list := buildAgents(t, agent.TypeCoder, 1)
	coordByID, coords := buildAgents(t, agent.TypeCoordinator, 1)
	for id, a := range coordByID {
		agentsByID[id] = a
	}
	coordinator := coords[0]
	steps := []plan.Step{
		{ID: "decompose", AgentID: coordinator.ID, Role: coordinator.Type, Status: plan.StepStatusPending},
		{ID: "work-0", AgentID: list[0].ID, Role: list[0].Type, Status: plan.StepStatusPending},
		{ID: "integrate", AgentID: coordinator.ID, Role: coordinator.Type, Status: plan.StepStatusPending},
	}
	p := plan.NewCoordinationPlan("plan-1", "task-1", plan.KindHierarchical, steps, nil)

	reg := newRegistry(exec, 1)
	s := getStrategy(t, reg, plan.KindHierarchical)
	err := s.Execute(context.Background(), p, agentsByID)
	if !errors.Is(err, domain.ErrAgentExecution) {
		t.Fatalf("expected agent execution error, got %v", err)
	}
	if p.Status() != plan.StatusFailed {
		t.Fatalf("plan status = %s, want failed", p.Status())
	}
	if p.Steps[2].Status != plan.StepStatusSkipped {
		t.Fatalf("integrate status = %s, want skipped", p.Steps[2].Status)
	}
	if got := exec.callCount("integrate"); got != 0 {
		t.Fatalf("integrate invoked %d times, want 0", got)
	}
}

func TestSwarmQuorum(t *testing.T) {
	tests := []struct {
		name      string
		proposers int
		failures  int
		quorum    float64
		wantOK    bool
	}{
		{"majority succeeds", 5, 2, 0.5, true},
		{"majority fails", 5, 3, 0.5, false},
		{"strict quorum", 4, 1, 0.9, false},
		{"default majority", 3, 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newFakeExec()
			agents, list := buildAgents(t, agent.TypeCoder, tt.proposers)
			p := buildPlan(plan.KindSwarm, list)
			p.Quorum = tt.quorum
			for i := range tt.failures {
				exec.failSteps[p.Steps[i].ID] = true
			}

			reg := newRegistry(exec, 1)
			s := getStrategy(t, reg, plan.KindSwarm)
			err := s.Execute(context.Background(), p, agents)

			if tt.wantOK {
				if err != nil {
					t.Fatalf("expected quorum success, got %v", err)
				}
				if p.Status() != plan.StatusCompleted {
					t.Fatalf("plan status = %s, want completed", p.Status())
				}
			} else {
				if !errors.Is(err, domain.ErrAgentExecution) {
					t.Fatalf("expected quorum failure, got %v", err)
				}
				if p.Status() != plan.StatusFailed {
					t.Fatalf("plan status = %s, want failed", p.Status())
				}
			}
		})
	}
}

func TestRegistrySelectFallsBackToSequential(t *testing.T) {
	reg := newRegistry(newFakeExec(), 1)
	analysis := service.NewHeuristicAnalyzer().Analyze("Fix a typo in the README file")
	low := &task.Task{Priority: 1}

	s := reg.Select(low, analysis)
	if s.Kind() != plan.KindSequential {
		t.Fatalf("low-priority task selected %s, want sequential", s.Kind())
	}
}
