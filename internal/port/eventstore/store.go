// Package eventstore defines the port interface for the append-only swarm event log.
package eventstore

import (
	"context"
	"time"

	"github.com/ensembleworks/ensemble/internal/domain/swarm"
)

// Filter controls which events Query returns. Zero-value fields are ignored.
type Filter struct {
	Types         []swarm.EventType `json:"types,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	After         *time.Time        `json:"after,omitempty"`
	Before        *time.Time        `json:"before,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// Store is the port interface for the persistence collaborator. The
// core treats it as an opaque append-only log: id, timestamp, payload.
type Store interface {
	// Append persists a new event.
	Append(ctx context.Context, ev *swarm.Event) error

	// Query returns events matching the filter, ordered by timestamp ascending.
	Query(ctx context.Context, filter Filter) ([]swarm.Event, error)
}
