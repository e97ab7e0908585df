// Package swarm defines swarm lifecycle events and the coordinator state machine.
package swarm

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of swarm event.
type EventType string

const (
	// Swarm lifecycle
	EventSwarmStarted   EventType = "swarm.started"
	EventSwarmPaused    EventType = "swarm.paused"
	EventSwarmResumed   EventType = "swarm.resumed"
	EventSwarmCompleted EventType = "swarm.completed"
	EventSwarmFailed    EventType = "swarm.failed"

	// Agent lifecycle
	EventAgentRegistered EventType = "agent.registered"
	EventAgentRetired    EventType = "agent.retired"
	EventAgentError      EventType = "agent.error"

	// Task lifecycle
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	// Step lifecycle
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetried   EventType = "step.retried"
)

// Event is a single immutable record of swarm activity. CorrelationID
// ties all events belonging to one orchestrated task together.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(t EventType, source, correlationID string, payload map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		Source:        source,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
}
