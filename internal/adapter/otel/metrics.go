package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "ensemble"

// Metrics holds all ensemble metric instruments.
type Metrics struct {
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksRejected  metric.Int64Counter
	AgentsSpawned  metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	ActiveTasks    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("ensemble.tasks.started",
		metric.WithDescription("Number of orchestrations started"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("ensemble.tasks.completed",
		metric.WithDescription("Number of orchestrations completed successfully"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("ensemble.tasks.failed",
		metric.WithDescription("Number of orchestrations that failed"))
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("ensemble.tasks.rejected",
		metric.WithDescription("Number of tasks rejected by admission control"))
	if err != nil {
		return nil, err
	}

	m.AgentsSpawned, err = meter.Int64Counter("ensemble.agents.spawned",
		metric.WithDescription("Number of agents created"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("ensemble.task.duration_seconds",
		metric.WithDescription("Orchestration duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("ensemble.tasks.active",
		metric.WithDescription("Number of orchestrations currently running"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordStart marks an orchestration as admitted and running.
func (m *Metrics) RecordStart(ctx context.Context, strategy string) {
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	m.TasksStarted.Add(ctx, 1, attrs)
	m.ActiveTasks.Add(ctx, 1)
}

// RecordEnd marks an orchestration as finished.
func (m *Metrics) RecordEnd(ctx context.Context, strategy string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	if success {
		m.TasksCompleted.Add(ctx, 1, attrs)
	} else {
		m.TasksFailed.Add(ctx, 1, attrs)
	}
	m.TaskDuration.Record(ctx, duration.Seconds(), attrs)
	m.ActiveTasks.Add(ctx, -1)
}

// RecordRejection counts a task turned away before execution.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.TasksRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAgentSpawn counts a new agent by role.
func (m *Metrics) RecordAgentSpawn(ctx context.Context, role string) {
	m.AgentsSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
