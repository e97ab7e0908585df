package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ensembleworks/ensemble/internal/domain/swarm"
	"github.com/ensembleworks/ensemble/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the swarm_events table.
func (s *EventStore) Append(ctx context.Context, ev *swarm.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO swarm_events (id, event_type, source, correlation_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, string(ev.Type), ev.Source, ev.CorrelationID, ev.Payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for swarm_events queries.
const eventColumns = `id, event_type, source, correlation_id, payload, created_at`

// Query returns events matching the filter, ordered by created_at ascending.
func (s *EventStore) Query(ctx context.Context, filter eventstore.Filter) ([]swarm.Event, error) {
	var args []any
	conditions := []string{"TRUE"}
	argIdx := 1

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", argIdx))
		args = append(args, types)
		argIdx++
	}
	if filter.CorrelationID != "" {
		conditions = append(conditions, fmt.Sprintf("correlation_id = $%d", argIdx))
		args = append(args, filter.CorrelationID)
		argIdx++
	}
	if filter.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argIdx))
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.After != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, *filter.After)
		argIdx++
	}
	if filter.Before != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *filter.Before)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM swarm_events WHERE %s ORDER BY created_at ASC`,
		eventColumns, strings.Join(conditions, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []swarm.Event
	for rows.Next() {
		var ev swarm.Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &ev.CorrelationID, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
