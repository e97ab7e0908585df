// Package nats implements the broadcast port over core NATS publish.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ensembleworks/ensemble/internal/config"
)

// Broadcaster fans out swarm events to NATS subjects. Delivery is
// fire-and-forget: a failed publish is logged and never propagated to
// the orchestration path.
type Broadcaster struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect establishes a connection to NATS with reconnect handling.
func Connect(cfg config.NATS, logger *slog.Logger) (*Broadcaster, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "ensemble.events"
	}

	logger.Info("nats connected", "url", cfg.URL, "subject_prefix", prefix)
	return &Broadcaster{nc: nc, prefix: prefix, logger: logger}, nil
}

// BroadcastEvent publishes the payload as JSON to <prefix>.<eventType>.
func (b *Broadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broadcast marshal failed", "event_type", eventType, "error", err)
		return
	}
	subject := b.prefix + "." + eventType
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Error("broadcast publish failed", "subject", subject, "error", err)
	}
}

// Close drains in-flight messages and shuts down the connection.
func (b *Broadcaster) Close() error {
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
