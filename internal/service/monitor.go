package service

import (
	"errors"
	"runtime"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain"
	"github.com/ensembleworks/ensemble/internal/resilience"
)

// PerformanceMonitor observes process memory against the configured
// budget and tracks service uptime.
type PerformanceMonitor struct {
	maxMemoryMB int
	startedAt   time.Time

	readMem func() uint64 // for testing
}

// NewPerformanceMonitor creates a monitor with the given memory budget in MB.
func NewPerformanceMonitor(maxMemoryMB int) *PerformanceMonitor {
	return &PerformanceMonitor{
		maxMemoryMB: maxMemoryMB,
		startedAt:   time.Now(),
		readMem: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
	}
}

// MemoryUsageMB returns the current heap allocation in MB.
func (m *PerformanceMonitor) MemoryUsageMB() float64 {
	return float64(m.readMem()) / (1024 * 1024)
}

// MemoryRatio returns current usage as a fraction of the configured
// budget. A zero budget disables the check and always reports 0.
func (m *PerformanceMonitor) MemoryRatio() float64 {
	if m.maxMemoryMB <= 0 {
		return 0
	}
	return m.MemoryUsageMB() / float64(m.maxMemoryMB)
}

// Uptime returns time since the monitor was created.
func (m *PerformanceMonitor) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// Health is the aggregate health snapshot exposed by the orchestrator.
type Health struct {
	Healthy       bool          `json:"healthy"`
	ActiveTasks   int           `json:"active_tasks"`
	AgentCount    int           `json:"agent_count"`
	MemoryUsageMB float64       `json:"memory_usage_mb"`
	MemoryRatio   float64       `json:"memory_ratio"`
	Uptime        time.Duration `json:"uptime"`
	ModelBreaker  string        `json:"model_breaker,omitempty"`
}

// ErrorHandler classifies errors into the orchestration taxonomy.
type ErrorHandler struct{}

// Classify maps an error onto its taxonomy name. Unknown errors
// default to agent execution failures, the broadest category.
func (ErrorHandler) Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, domain.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrCancelled):
		return "cancellation"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "agent_execution"
	default:
		return "agent_execution"
	}
}

// Retryable reports whether an error class is worth retrying inside a
// strategy's step retry budget.
func (h ErrorHandler) Retryable(err error) bool {
	switch h.Classify(err) {
	case "agent_execution":
		return !errors.Is(err, resilience.ErrCircuitOpen)
	default:
		return false
	}
}
