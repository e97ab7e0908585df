package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/adapter/otel"
	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/plan"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/domain/task"
)

// Mode selects how the orchestrator picks a strategy.
type Mode string

// ModeAdaptive lets the analyzer pick the strategy. Any valid strategy
// kind used as a mode bypasses analysis-driven selection.
const ModeAdaptive Mode = "adaptive"

// Result is the non-throwing outcome of one orchestration call. The
// caller's contract is to fall back to single-agent execution whenever
// Success is false.
type Result struct {
	TaskID        string        `json:"task_id"`
	Success       bool          `json:"success"`
	Strategy      plan.Kind     `json:"strategy,omitempty"`
	AgentIDs      []string      `json:"agent_ids,omitempty"`
	AgentsUsed    int           `json:"agents_used"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
}

// Metrics are the orchestrator's aggregate running totals, updated
// atomically once per completed orchestration.
type Metrics struct {
	TotalTasks       int64                `json:"total_tasks"`
	SuccessfulTasks  int64                `json:"successful_tasks"`
	FailedTasks      int64                `json:"failed_tasks"`
	AvgExecutionTime time.Duration        `json:"avg_execution_time"`
	AvgAgentsUsed    float64              `json:"avg_agents_used"`
	ByStrategy       map[plan.Kind]int64  `json:"by_strategy"`
	ByAgentType      map[agent.Type]int64 `json:"by_agent_type"`
}

func newMetrics() Metrics {
	return Metrics{
		ByStrategy:  make(map[plan.Kind]int64),
		ByAgentType: make(map[agent.Type]int64),
	}
}

// ConfigPatch is the partial-update shape accepted by UpdateConfig.
// Exactly the six caller-visible fields; nil means "leave unchanged".
type ConfigPatch struct {
	Enabled               *bool    `json:"enabled,omitempty"`
	ComplexityThreshold   *float64 `json:"complexityThreshold,omitempty"`
	MaxConcurrentAgents   *int     `json:"maxConcurrentAgents,omitempty"`
	MaxMemoryMB           *int     `json:"maxMemoryUsage,omitempty"`
	TimeoutMinutes        *int     `json:"timeoutMinutes,omitempty"`
	FallbackToSingleAgent *bool    `json:"fallbackToSingleAgent,omitempty"`
}

type activeTask struct {
	cancel    context.CancelFunc
	plan      *plan.CoordinationPlan
	startedAt time.Time
}

// Orchestrator decides whether a task warrants multi-agent execution
// and runs the full pipeline: analyze, build agents, register, plan,
// execute, release. Every public method is non-throwing: faults become
// Result{Success: false} or a safe default.
type Orchestrator struct {
	analyzer Analyzer
	factory  *AgentFactory
	coord    *SwarmCoordinator
	registry *StrategyRegistry
	monitor  *PerformanceMonitor
	errors   ErrorHandler
	otel     *otel.Metrics // optional
	logger   *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.Orchestrator

	mu      sync.Mutex
	active  map[string]*activeTask
	metrics Metrics
}

// NewOrchestrator wires the orchestrator. om may be nil when metric
// export is not configured.
func NewOrchestrator(
	cfg config.Orchestrator,
	analyzer Analyzer,
	factory *AgentFactory,
	coord *SwarmCoordinator,
	registry *StrategyRegistry,
	monitor *PerformanceMonitor,
	om *otel.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		analyzer: analyzer,
		factory:  factory,
		coord:    coord,
		registry: registry,
		monitor:  monitor,
		otel:     om,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]*activeTask),
		metrics:  newMetrics(),
	}
}

// Initialize brings up the swarm coordinator.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	return o.coord.Initialize(ctx)
}

// Shutdown cancels active tasks and stops the coordinator. Teardown
// faults are logged, never returned.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	for id, at := range o.active {
		o.logger.Info("cancelling active task on shutdown", "task_id", id)
		at.cancel()
	}
	o.mu.Unlock()
	o.coord.Shutdown(ctx)
}

// ShouldOrchestrate reports whether the description warrants
// orchestration. It never panics or errors: any internal fault
// degrades to false, the fail-safe default.
func (o *Orchestrator) ShouldOrchestrate(description string) (decision bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("analysis panicked", "panic", r)
			decision = false
		}
	}()

	cfg := o.GetConfig()
	if !cfg.Enabled || strings.TrimSpace(description) == "" {
		return false
	}
	return o.analyzer.Analyze(description).Complexity > cfg.ComplexityThreshold
}

// OrchestrateTask runs the full orchestration pipeline. It never
// returns an error and never panics: every fault is converted into a
// Result with Success=false, and resources are released in a
// guaranteed cleanup step regardless of outcome.
func (o *Orchestrator) OrchestrateTask(ctx context.Context, description string, mode Mode) (res *Result) {
	taskID := uuid.NewString()
	start := time.Now()
	res = &Result{TaskID: taskID}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestration panicked", "task_id", taskID, "panic", r)
			res.Success = false
			res.Error = fmt.Sprintf("internal fault: %v", r)
			res.ErrorKind = "agent_execution"
			res.ExecutionTime = time.Since(start)
			o.release(taskID, nil)
			o.recordOutcome(context.Background(), res, nil)
		}
	}()

	cfg := o.GetConfig()
	if !cfg.Enabled {
		return o.fail(res, start, plan.Kind(""), nil,
			fmt.Errorf("%w: orchestration is disabled", domain.ErrConfiguration))
	}
	if !o.coord.IsRunning() {
		return o.fail(res, start, plan.Kind(""), nil,
			fmt.Errorf("%w: coordinator is %s", domain.ErrConfiguration, o.coord.State()))
	}

	// Admission control: reject rather than queue when the system is
	// already at its concurrency or memory limits.
	if busy := o.coord.BusyAgents(); busy >= cfg.MaxConcurrentAgents {
		o.recordRejection(ctx, "busy_agents")
		return o.fail(res, start, plan.Kind(""), nil,
			fmt.Errorf("%w: %d agents busy of %d allowed", domain.ErrResourceExhausted, busy, cfg.MaxConcurrentAgents))
	}
	if ratio := o.monitor.MemoryRatio(); ratio >= 1.0 {
		o.recordRejection(ctx, "memory")
		return o.fail(res, start, plan.Kind(""), nil,
			fmt.Errorf("%w: memory usage at %.0f%% of budget", domain.ErrResourceExhausted, ratio*100))
	}

	analysis := o.analyzer.Analyze(description)
	t := o.buildTask(taskID, description, cfg, analysis)

	strategy, err := o.selectStrategy(t, analysis, mode)
	if err != nil {
		return o.fail(res, start, plan.Kind(""), nil, err)
	}
	res.Strategy = strategy.Kind()
	if o.otel != nil {
		o.otel.RecordStart(ctx, string(strategy.Kind()))
	}

	agents, err := o.buildAgents(strategy.Kind(), analysis, t)
	if err != nil {
		return o.fail(res, start, strategy.Kind(), nil, err)
	}

	timeout := time.Duration(cfg.TimeoutMinutes) * time.Minute
	if t.Timeout > 0 && t.Timeout < timeout {
		timeout = t.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	registered, err := o.registerAgents(runCtx, agents, cfg.MaxConcurrentAgents)
	if err != nil {
		o.release(taskID, registered)
		o.recordRejection(ctx, "agent_limit")
		return o.fail(res, start, strategy.Kind(), registered, err)
	}

	p := o.buildPlan(t, strategy, analysis, registered)
	o.mu.Lock()
	o.active[taskID] = &activeTask{cancel: cancel, plan: p, startedAt: start}
	o.mu.Unlock()
	defer o.release(taskID, registered)

	agentsByID := make(map[string]*agent.Agent, len(registered))
	ids := make([]string, 0, len(registered))
	for _, a := range registered {
		agentsByID[a.ID] = a
		ids = append(ids, a.ID)
	}
	res.AgentIDs = ids
	res.AgentsUsed = len(ids)

	o.coord.Emit(runCtx, swarm.NewEvent(swarm.EventTaskStarted, "orchestrator", taskID, map[string]any{
		"strategy": string(strategy.Kind()), "agents": len(registered), "complexity": analysis.Complexity,
	}))
	o.logger.Info("orchestration started",
		"task_id", taskID, "strategy", strategy.Kind(),
		"agents", len(registered), "complexity", analysis.Complexity)

	execErr := strategy.Execute(runCtx, p, agentsByID)

	res.ExecutionTime = time.Since(start)
	res.Success = execErr == nil
	if execErr != nil {
		res.Error = execErr.Error()
		res.ErrorKind = o.errors.Classify(execErr)
	}

	eventType := swarm.EventTaskCompleted
	switch {
	case p.Status() == plan.StatusCancelled:
		eventType = swarm.EventTaskCancelled
	case execErr != nil:
		eventType = swarm.EventTaskFailed
	}
	o.coord.Emit(context.WithoutCancel(runCtx), swarm.NewEvent(eventType, "orchestrator", taskID, map[string]any{
		"success":  res.Success,
		"duration": res.ExecutionTime.String(),
		"error":    res.Error,
	}))

	o.recordOutcome(ctx, res, registered)
	o.logger.Info("orchestration finished",
		"task_id", taskID, "success", res.Success,
		"duration", res.ExecutionTime, "error_kind", res.ErrorKind)
	return res
}

// CancelTask requests cooperative cancellation of an active task. The
// current step finishes; later steps are skipped. Returns false when
// the task is unknown or already finished.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.mu.Lock()
	at, ok := o.active[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.logger.Info("task cancellation requested", "task_id", taskID)
	at.cancel()
	return true
}

// ActiveTasks returns ids of tasks currently being orchestrated.
func (o *Orchestrator) ActiveTasks() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// GetMetrics returns a copy of the aggregate metrics. Idempotent.
func (o *Orchestrator) GetMetrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.metrics
	out.ByStrategy = make(map[plan.Kind]int64, len(o.metrics.ByStrategy))
	for k, v := range o.metrics.ByStrategy {
		out.ByStrategy[k] = v
	}
	out.ByAgentType = make(map[agent.Type]int64, len(o.metrics.ByAgentType))
	for k, v := range o.metrics.ByAgentType {
		out.ByAgentType[k] = v
	}
	return out
}

// ResetMetrics zeroes all aggregate counters.
func (o *Orchestrator) ResetMetrics() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = newMetrics()
}

// HealthStatus aggregates active tasks, memory pressure, and uptime.
func (o *Orchestrator) HealthStatus() Health {
	cfg := o.GetConfig()
	o.mu.Lock()
	activeCount := len(o.active)
	o.mu.Unlock()

	ratio := o.monitor.MemoryRatio()
	return Health{
		Healthy:       ratio < 0.9 && o.coord.BusyAgents() <= cfg.MaxConcurrentAgents && o.coord.IsRunning(),
		ActiveTasks:   activeCount,
		AgentCount:    o.coord.AgentCount(),
		MemoryUsageMB: o.monitor.MemoryUsageMB(),
		MemoryRatio:   ratio,
		Uptime:        o.monitor.Uptime(),
	}
}

// GetConfig returns the current runtime configuration.
func (o *Orchestrator) GetConfig() config.Orchestrator {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// UpdateConfig applies a partial update to the runtime configuration,
// validating each supplied field.
func (o *Orchestrator) UpdateConfig(patch ConfigPatch) error {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	next := o.cfg
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.ComplexityThreshold != nil {
		if *patch.ComplexityThreshold < 0 || *patch.ComplexityThreshold > 1 {
			return fmt.Errorf("%w: complexity threshold must be in [0,1]", domain.ErrConfiguration)
		}
		next.ComplexityThreshold = *patch.ComplexityThreshold
	}
	if patch.MaxConcurrentAgents != nil {
		if *patch.MaxConcurrentAgents <= 0 {
			return fmt.Errorf("%w: max concurrent agents must be positive", domain.ErrConfiguration)
		}
		next.MaxConcurrentAgents = *patch.MaxConcurrentAgents
	}
	if patch.MaxMemoryMB != nil {
		if *patch.MaxMemoryMB <= 0 {
			return fmt.Errorf("%w: max memory must be positive", domain.ErrConfiguration)
		}
		next.MaxMemoryMB = *patch.MaxMemoryMB
	}
	if patch.TimeoutMinutes != nil {
		if *patch.TimeoutMinutes <= 0 {
			return fmt.Errorf("%w: timeout must be positive", domain.ErrConfiguration)
		}
		next.TimeoutMinutes = *patch.TimeoutMinutes
	}
	if patch.FallbackToSingleAgent != nil {
		next.FallbackToSingleAgent = *patch.FallbackToSingleAgent
	}

	o.cfg = next
	o.logger.Info("orchestrator config updated",
		"enabled", next.Enabled, "threshold", next.ComplexityThreshold,
		"max_agents", next.MaxConcurrentAgents, "max_memory_mb", next.MaxMemoryMB,
		"timeout_minutes", next.TimeoutMinutes, "fallback", next.FallbackToSingleAgent)
	return nil
}

func (o *Orchestrator) selectStrategy(t *task.Task, analysis task.Analysis, mode Mode) (Strategy, error) {
	if mode == "" || mode == ModeAdaptive {
		return o.registry.Select(t, analysis), nil
	}
	if !plan.ValidKind(string(mode)) {
		return nil, fmt.Errorf("%w: unknown orchestration mode %q", domain.ErrConfiguration, mode)
	}
	return o.registry.Get(plan.Kind(mode))
}

// buildTask derives the immutable task record from the analysis.
func (o *Orchestrator) buildTask(id, description string, cfg config.Orchestrator, analysis task.Analysis) *task.Task {
	text := strings.ToLower(description)
	flags := map[string]string{}
	if analysis.Complexity >= 0.7 {
		flags[task.FlagComplex] = "true"
	}
	if strings.Contains(text, "distributed") {
		flags[task.FlagDistributed] = "true"
	}
	if analysis.HasCategory(task.CategoryRefactoring) || analysis.HasCategory(task.CategoryDeployment) {
		flags[task.FlagStaged] = "true"
	}
	if strings.Contains(text, "step by step") || strings.Contains(text, "in order") {
		flags[task.FlagSequentialDependent] = "true"
	}

	return &task.Task{
		ID:          id,
		Description: description,
		Priority:    task.PriorityFromComplexity(analysis.Complexity),
		Context:     flags,
		Timeout:     time.Duration(cfg.TimeoutMinutes) * time.Minute,
		MemoryMB:    cfg.MaxMemoryMB,
		CreatedAt:   time.Now(),
	}
}

// buildAgents constructs the agent roster a strategy kind needs.
func (o *Orchestrator) buildAgents(kind plan.Kind, analysis task.Analysis, t *task.Task) ([]*agent.Agent, error) {
	var roles []agent.Type
	switch kind {
	case plan.KindSequential:
		roles = analysis.RequiredRoles
	case plan.KindParallel:
		workers := ParallelWorkerCount(t.Priority)
		roles = rosterFrom(analysis.RequiredRoles, workers)
		roles = append(roles, agent.TypeReviewer) // merge step
	case plan.KindPipeline:
		roles = pipelineStages(analysis)
	case plan.KindHierarchical:
		depth := HierarchyDepth(t.Priority)
		roles = []agent.Type{agent.TypeCoordinator}
		roles = append(roles, rosterFrom(workerRoles(analysis), depth)...)
	case plan.KindSwarm:
		proposers := SwarmProposerCount(t.Priority)
		roles = rosterFrom(workerRoles(analysis), proposers)
	default:
		return nil, fmt.Errorf("%w: unknown strategy kind %q", domain.ErrConfiguration, kind)
	}

	agents := make([]*agent.Agent, 0, len(roles))
	for _, role := range roles {
		a, err := o.factory.CreateAgent("", role)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// rosterFrom cycles the preferred roles until count agents are listed.
func rosterFrom(preferred []agent.Type, count int) []agent.Type {
	if len(preferred) == 0 {
		preferred = []agent.Type{agent.TypeCoder}
	}
	roles := make([]agent.Type, 0, count)
	for i := range count {
		roles = append(roles, preferred[i%len(preferred)])
	}
	return roles
}

// workerRoles strips coordination-only roles from the required list.
func workerRoles(analysis task.Analysis) []agent.Type {
	var out []agent.Type
	for _, r := range analysis.RequiredRoles {
		if r != agent.TypeCoordinator && r != agent.TypePlanner {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		out = []agent.Type{agent.TypeCoder}
	}
	return out
}

// pipelineStages orders stage roles for a transformation task.
func pipelineStages(analysis task.Analysis) []agent.Type {
	stages := []agent.Type{agent.TypePlanner, agent.TypeCoder}
	if analysis.HasCategory(task.CategoryTesting) || analysis.Risk != task.RiskLow {
		stages = append(stages, agent.TypeTester)
	}
	stages = append(stages, agent.TypeReviewer)
	return stages
}

// registerAgents registers the roster, rolling back on first failure.
func (o *Orchestrator) registerAgents(ctx context.Context, agents []*agent.Agent, maxAgents int) ([]*agent.Agent, error) {
	var registered []*agent.Agent
	for _, a := range agents {
		if err := o.coord.RegisterAgent(ctx, a, maxAgents); err != nil {
			return registered, err
		}
		if o.otel != nil {
			o.otel.RecordAgentSpawn(ctx, string(a.Type))
		}
		registered = append(registered, a)
	}
	return registered, nil
}

// buildPlan lays out the step list the strategy expects.
func (o *Orchestrator) buildPlan(t *task.Task, strategy Strategy, analysis task.Analysis, agents []*agent.Agent) *plan.CoordinationPlan {
	kind := strategy.Kind()
	steps := make([]plan.Step, 0, len(agents)+1)

	switch kind {
	case plan.KindHierarchical:
		coordinator := agents[0]
		steps = append(steps, plan.Step{
			ID: uuid.NewString(), AgentID: coordinator.ID, Role: coordinator.Type,
			Objective: "Decompose the task into independent sub-tasks, one per worker:\n" + t.Description,
			Status:    plan.StepStatusPending,
		})
		for _, a := range agents[1:] {
			steps = append(steps, plan.Step{
				ID: uuid.NewString(), AgentID: a.ID, Role: a.Type,
				Objective: "Execute your assigned sub-task for:\n" + t.Description,
				Status:    plan.StepStatusPending,
			})
		}
		steps = append(steps, plan.Step{
			ID: uuid.NewString(), AgentID: coordinator.ID, Role: coordinator.Type,
			Objective: "Integrate the worker results into one coherent outcome for:\n" + t.Description,
			Status:    plan.StepStatusPending,
		})
	case plan.KindParallel:
		for _, a := range agents[:len(agents)-1] {
			steps = append(steps, plan.Step{
				ID: uuid.NewString(), AgentID: a.ID, Role: a.Type,
				Objective: "Work an independent slice of:\n" + t.Description,
				Status:    plan.StepStatusPending,
			})
		}
		merge := agents[len(agents)-1]
		steps = append(steps, plan.Step{
			ID: uuid.NewString(), AgentID: merge.ID, Role: merge.Type,
			Objective: "Merge the partial results, resolving conflicts, for:\n" + t.Description,
			Status:    plan.StepStatusPending,
		})
	default:
		for _, a := range agents {
			steps = append(steps, plan.Step{
				ID: uuid.NewString(), AgentID: a.ID, Role: a.Type,
				Objective: objectiveFor(a.Type, t.Description),
				Status:    plan.StepStatusPending,
			})
		}
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}

	p := plan.NewCoordinationPlan(uuid.NewString(), t.ID, kind, steps, ids)
	p.MaxConcurrent = strategy.Requirements(t).MaxConcurrentAgents
	p.Quorum = o.coordQuorum()
	p.EstimatedDuration = analysis.EstimatedDuration
	return p
}

func (o *Orchestrator) coordQuorum() float64 {
	return o.coord.cfg.SwarmQuorum
}

func objectiveFor(role agent.Type, description string) string {
	switch role {
	case agent.TypePlanner:
		return "Plan the execution of:\n" + description
	case agent.TypeReviewer:
		return "Review the preceding work for:\n" + description
	case agent.TypeTester:
		return "Design and reason through tests for:\n" + description
	case agent.TypeResearcher:
		return "Research background and constraints for:\n" + description
	case agent.TypeDocumenter:
		return "Document the outcome of:\n" + description
	default:
		return description
	}
}

// fail finalizes a failure result and folds it into the metrics.
func (o *Orchestrator) fail(res *Result, start time.Time, kind plan.Kind, agents []*agent.Agent, err error) *Result {
	res.Success = false
	res.Strategy = kind
	res.Error = err.Error()
	res.ErrorKind = o.errors.Classify(err)
	res.ExecutionTime = time.Since(start)
	o.recordOutcome(context.Background(), res, agents)
	o.logger.Warn("orchestration rejected",
		"task_id", res.TaskID, "error_kind", res.ErrorKind, "error", res.Error)
	return res
}

// release is the guaranteed cleanup step: it unregisters the task's
// agents and drops it from the active map. Faults are logged only.
func (o *Orchestrator) release(taskID string, agents []*agent.Agent) {
	o.mu.Lock()
	delete(o.active, taskID)
	o.mu.Unlock()

	ctx := context.Background()
	for _, a := range agents {
		if err := o.coord.UnregisterAgent(ctx, a.ID); err != nil {
			o.logger.Warn("release agent", "task_id", taskID, "agent_id", a.ID, "error", err)
		}
	}
}

// recordOutcome folds one finished orchestration into the aggregates.
func (o *Orchestrator) recordOutcome(ctx context.Context, res *Result, agents []*agent.Agent) {
	o.mu.Lock()
	m := &o.metrics
	m.TotalTasks++
	if res.Success {
		m.SuccessfulTasks++
	} else {
		m.FailedTasks++
	}
	// Running means keep updates O(1) per orchestration.
	m.AvgExecutionTime += (res.ExecutionTime - m.AvgExecutionTime) / time.Duration(m.TotalTasks)
	m.AvgAgentsUsed += (float64(res.AgentsUsed) - m.AvgAgentsUsed) / float64(m.TotalTasks)
	if res.Strategy != "" {
		m.ByStrategy[res.Strategy]++
	}
	for _, a := range agents {
		m.ByAgentType[a.Type]++
	}
	o.mu.Unlock()

	if o.otel != nil && res.Strategy != "" {
		o.otel.RecordEnd(ctx, string(res.Strategy), res.ExecutionTime, res.Success)
	}
}

func (o *Orchestrator) recordRejection(ctx context.Context, reason string) {
	if o.otel != nil {
		o.otel.RecordRejection(ctx, reason)
	}
}
