// Package broadcast defines the port for fanning swarm events out to external observers.
package broadcast

import "context"

// Broadcaster publishes a typed event to all connected observers.
// Implementations must be best-effort: a failed broadcast never fails
// the orchestration that produced it.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards everything. Useful in tests and
// when no external fan-out is configured.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
