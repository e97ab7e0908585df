package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/domain/agent"
	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/port/broadcast"
	"github.com/ensembleworks/ensemble/internal/port/eventstore"
)

// EventHandler receives events the subscriber registered for.
type EventHandler func(ev swarm.Event)

// CoordinatorMetrics is the aggregate view over the coordinator's history.
type CoordinatorMetrics struct {
	State            swarm.State   `json:"state"`
	AgentCount       int           `json:"agent_count"`
	EventsEmitted    int64         `json:"events_emitted"`
	EventsRetained   int           `json:"events_retained"`
	AgentsRegistered int64         `json:"agents_registered"`
	AgentsRetired    int64         `json:"agents_retired"`
	Uptime           time.Duration `json:"uptime"`
}

// SwarmCoordinator owns the agent registry and the swarm event bus.
// It is constructed explicitly by the composition root and shared by
// reference; there is no global instance.
type SwarmCoordinator struct {
	cfg    config.Coordinator
	hub    broadcast.Broadcaster
	store  eventstore.Store // optional; nil disables persistence
	logger *slog.Logger

	mu        sync.RWMutex
	state     swarm.State
	agents    map[string]*agent.Agent
	history   []swarm.Event
	handlers  map[swarm.EventType]map[int]EventHandler
	nextSubID int

	emitted    int64
	registered int64
	retired    int64

	startedAt time.Time
	stop      chan struct{}
	loops     sync.WaitGroup
	stopped   bool
}

// NewSwarmCoordinator creates a coordinator in the planning state.
// store may be nil when no persistence collaborator is configured.
func NewSwarmCoordinator(cfg config.Coordinator, hub broadcast.Broadcaster, store eventstore.Store, logger *slog.Logger) *SwarmCoordinator {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &SwarmCoordinator{
		cfg:      cfg,
		hub:      hub,
		store:    store,
		logger:   logger,
		state:    swarm.StatePlanning,
		agents:   make(map[string]*agent.Agent),
		handlers: make(map[swarm.EventType]map[int]EventHandler),
		stop:     make(chan struct{}),
	}
}

// Initialize validates configuration, starts the background loops, and
// moves the coordinator to executing.
func (c *SwarmCoordinator) Initialize(ctx context.Context) error {
	if c.cfg.EventHistoryLimit <= 0 {
		return fmt.Errorf("%w: event history limit must be positive", domain.ErrConfiguration)
	}
	if c.cfg.SwarmQuorum <= 0 || c.cfg.SwarmQuorum > 1 {
		return fmt.Errorf("%w: swarm quorum must be in (0,1]", domain.ErrConfiguration)
	}

	c.mu.Lock()
	if !c.state.CanTransition(swarm.StateInitializing) {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize from state %s", domain.ErrConfiguration, state)
	}
	c.state = swarm.StateInitializing
	c.state = swarm.StateExecuting
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.loops.Add(3)
	go c.heartbeatLoop()
	go c.monitorLoop()
	go c.cleanupLoop()

	c.Emit(ctx, swarm.NewEvent(swarm.EventSwarmStarted, "coordinator", "", map[string]any{
		"heartbeat_interval": c.cfg.HeartbeatInterval.String(),
	}))
	c.logger.Info("swarm coordinator started",
		"history_limit", c.cfg.EventHistoryLimit, "quorum", c.cfg.SwarmQuorum)
	return nil
}

// Shutdown stops the background loops, retires remaining agents, and
// moves the coordinator to completed. Faults during teardown are
// logged, never returned.
func (c *SwarmCoordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stop)
	uptime := time.Since(c.startedAt)
	remaining := make([]*agent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		remaining = append(remaining, a)
	}
	c.mu.Unlock()

	c.loops.Wait()

	for _, a := range remaining {
		if err := c.UnregisterAgent(ctx, a.ID); err != nil {
			c.logger.Warn("retire agent during shutdown", "agent_id", a.ID, "error", err)
		}
	}

	c.Emit(ctx, swarm.NewEvent(swarm.EventSwarmCompleted, "coordinator", "", map[string]any{
		"uptime":  uptime.String(),
		"emitted": c.EventsEmitted(),
	}))

	c.mu.Lock()
	if c.state.CanTransition(swarm.StateCompleted) {
		c.state = swarm.StateCompleted
	}
	c.mu.Unlock()
	c.logger.Info("swarm coordinator stopped", "uptime", uptime)
}

// Pause suspends orchestration admission without stopping loops.
func (c *SwarmCoordinator) Pause(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanTransition(swarm.StatePaused) {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from state %s", domain.ErrConfiguration, state)
	}
	c.state = swarm.StatePaused
	c.mu.Unlock()
	c.Emit(ctx, swarm.NewEvent(swarm.EventSwarmPaused, "coordinator", "", nil))
	return nil
}

// Resume returns a paused coordinator to executing.
func (c *SwarmCoordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != swarm.StatePaused {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from state %s", domain.ErrConfiguration, state)
	}
	c.state = swarm.StateExecuting
	c.mu.Unlock()
	c.Emit(ctx, swarm.NewEvent(swarm.EventSwarmResumed, "coordinator", "", nil))
	return nil
}

// RegisterAgent assigns sandbox directories, enforces the concurrent
// agent cap, and moves the agent to idle. maxAgents <= 0 disables the cap.
func (c *SwarmCoordinator) RegisterAgent(ctx context.Context, a *agent.Agent, maxAgents int) error {
	c.mu.Lock()
	if c.state != swarm.StateExecuting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: coordinator is %s, not executing", domain.ErrConfiguration, state)
	}
	if maxAgents > 0 && len(c.agents) >= maxAgents {
		count := len(c.agents)
		c.mu.Unlock()
		return fmt.Errorf("%w: agent limit reached (%d of %d)", domain.ErrResourceExhausted, count, maxAgents)
	}
	c.agents[a.ID] = a
	c.registered++
	c.mu.Unlock()

	if err := c.provisionSandbox(a); err != nil {
		c.mu.Lock()
		delete(c.agents, a.ID)
		c.registered--
		c.mu.Unlock()
		_ = a.Transition(agent.StatusError)
		return err
	}

	if err := a.Transition(agent.StatusIdle); err != nil {
		c.mu.Lock()
		delete(c.agents, a.ID)
		c.registered--
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	c.Emit(ctx, swarm.NewEvent(swarm.EventAgentRegistered, "coordinator", "", map[string]any{
		"agent_id": a.ID, "agent_type": string(a.Type), "name": a.Name,
	}))
	return nil
}

// UnregisterAgent retires the agent and removes it from the registry.
func (c *SwarmCoordinator) UnregisterAgent(ctx context.Context, id string) error {
	c.mu.Lock()
	a, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	delete(c.agents, id)
	c.retired++
	c.mu.Unlock()

	// Walk the agent to retired through whatever intermediate state applies.
	switch a.Status() {
	case agent.StatusBusy:
		_ = a.Transition(agent.StatusError)
		_ = a.Transition(agent.StatusRetired)
	case agent.StatusInitializing:
		_ = a.Transition(agent.StatusError)
		_ = a.Transition(agent.StatusRetired)
	default:
		_ = a.Transition(agent.StatusRetired)
	}

	if a.Sandbox.TempDir != "" {
		if err := os.RemoveAll(a.Sandbox.TempDir); err != nil {
			c.logger.Warn("remove agent temp dir", "agent_id", id, "error", err)
		}
	}

	c.Emit(ctx, swarm.NewEvent(swarm.EventAgentRetired, "coordinator", "", map[string]any{
		"agent_id": id, "metrics": a.Metrics(),
	}))
	return nil
}

// Agent returns a registered agent by id.
func (c *SwarmCoordinator) Agent(id string) (*agent.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	return a, ok
}

// Agents returns a snapshot of all registered agents.
func (c *SwarmCoordinator) Agents() []*agent.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out
}

// AgentCount returns the number of registered agents.
func (c *SwarmCoordinator) AgentCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// BusyAgents returns the number of agents currently executing a step.
func (c *SwarmCoordinator) BusyAgents() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, a := range c.agents {
		if a.Status() == agent.StatusBusy {
			n++
		}
	}
	return n
}

// State returns the coordinator lifecycle state.
func (c *SwarmCoordinator) State() swarm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsRunning reports whether the coordinator accepts work.
func (c *SwarmCoordinator) IsRunning() bool {
	return c.State() == swarm.StateExecuting
}

// Uptime returns how long the coordinator has been running.
func (c *SwarmCoordinator) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

// Metrics returns the aggregate coordinator metrics.
func (c *SwarmCoordinator) Metrics() CoordinatorMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uptime := time.Duration(0)
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt)
	}
	return CoordinatorMetrics{
		State:            c.state,
		AgentCount:       len(c.agents),
		EventsEmitted:    c.emitted,
		EventsRetained:   len(c.history),
		AgentsRegistered: c.registered,
		AgentsRetired:    c.retired,
		Uptime:           uptime,
	}
}

// EventsEmitted returns the total number of events emitted.
func (c *SwarmCoordinator) EventsEmitted() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emitted
}

// Emit appends the event to the bounded history, invokes subscribers,
// mirrors it to the broadcaster, and persists it best-effort.
func (c *SwarmCoordinator) Emit(ctx context.Context, ev swarm.Event) {
	c.mu.Lock()
	c.emitted++
	c.history = append(c.history, ev)
	if len(c.history) > c.cfg.EventHistoryLimit {
		// Prune to half the cap so overflow handling is amortized.
		keep := c.cfg.EventHistoryLimit / 2
		c.history = append(c.history[:0:0], c.history[len(c.history)-keep:]...)
	}
	var subs []EventHandler
	for _, h := range c.handlers[ev.Type] {
		subs = append(subs, h)
	}
	c.mu.Unlock()

	for _, h := range subs {
		h(ev)
	}

	c.hub.BroadcastEvent(ctx, string(ev.Type), ev)
	if c.store != nil {
		if err := c.store.Append(ctx, &ev); err != nil {
			c.logger.Warn("persist swarm event", "event_id", ev.ID, "type", ev.Type, "error", err)
		}
	}
}

// On subscribes a handler to an event type and returns a subscription id.
func (c *SwarmCoordinator) On(t swarm.EventType, h EventHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[int]EventHandler)
	}
	c.nextSubID++
	c.handlers[t][c.nextSubID] = h
	return c.nextSubID
}

// Off removes a subscription by id.
func (c *SwarmCoordinator) Off(t swarm.EventType, subID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[t], subID)
}

// FilterEvents returns retained events matching the predicate.
func (c *SwarmCoordinator) FilterEvents(pred func(swarm.Event) bool) []swarm.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []swarm.Event
	for _, ev := range c.history {
		if pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// CorrelateEvents returns retained events for one correlation id.
func (c *SwarmCoordinator) CorrelateEvents(correlationID string) []swarm.Event {
	return c.FilterEvents(func(ev swarm.Event) bool {
		return ev.CorrelationID == correlationID
	})
}

// QueryHistory reads from the persistent store when configured,
// falling back to the in-memory history otherwise.
func (c *SwarmCoordinator) QueryHistory(ctx context.Context, filter eventstore.Filter) ([]swarm.Event, error) {
	if c.store != nil {
		return c.store.Query(ctx, filter)
	}
	events := c.FilterEvents(func(ev swarm.Event) bool {
		if filter.CorrelationID != "" && ev.CorrelationID != filter.CorrelationID {
			return false
		}
		if filter.Source != "" && ev.Source != filter.Source {
			return false
		}
		if len(filter.Types) > 0 {
			found := false
			for _, t := range filter.Types {
				if ev.Type == t {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (c *SwarmCoordinator) provisionSandbox(a *agent.Agent) error {
	root := c.cfg.SandboxRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "ensemble")
	}
	sandbox := agent.Sandbox{
		WorkDir: filepath.Join(root, a.ID, "work"),
		TempDir: filepath.Join(root, a.ID, "tmp"),
		LogDir:  filepath.Join(root, a.ID, "logs"),
	}
	for _, dir := range []string{sandbox.WorkDir, sandbox.TempDir, sandbox.LogDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("provision sandbox for agent %s: %w", a.ID, err)
		}
	}
	a.Sandbox = sandbox
	return nil
}

// heartbeatLoop periodically records coordinator liveness.
func (c *SwarmCoordinator) heartbeatLoop() {
	defer c.loops.Done()
	ticker := time.NewTicker(c.interval(c.cfg.HeartbeatInterval, 15*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.logger.Debug("coordinator heartbeat",
				"state", c.State(), "agents", c.AgentCount(), "busy", c.BusyAgents())
		case <-c.stop:
			return
		}
	}
}

// monitorLoop flags agents stuck in the error state.
func (c *SwarmCoordinator) monitorLoop() {
	defer c.loops.Done()
	ticker := time.NewTicker(c.interval(c.cfg.MonitorInterval, 30*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, a := range c.Agents() {
				if a.Status() == agent.StatusError {
					c.Emit(context.Background(), swarm.NewEvent(swarm.EventAgentError, "coordinator", "", map[string]any{
						"agent_id": a.ID, "agent_type": string(a.Type),
					}))
				}
			}
		case <-c.stop:
			return
		}
	}
}

// cleanupLoop drops orphaned sandbox directories left by retired agents.
func (c *SwarmCoordinator) cleanupLoop() {
	defer c.loops.Done()
	ticker := time.NewTicker(c.interval(c.cfg.CleanupInterval, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepSandboxes()
		case <-c.stop:
			return
		}
	}
}

func (c *SwarmCoordinator) sweepSandboxes() {
	root := c.cfg.SandboxRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "ensemble")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	c.mu.RLock()
	live := make(map[string]bool, len(c.agents))
	for id := range c.agents {
		live[id] = true
	}
	c.mu.RUnlock()

	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			c.logger.Warn("sweep sandbox", "dir", entry.Name(), "error", err)
		}
	}
}

func (c *SwarmCoordinator) interval(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}
