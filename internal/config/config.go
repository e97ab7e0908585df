// Package config provides hierarchical configuration loading for Ensemble.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the orchestration service.
type Config struct {
	Server       Server       `yaml:"server"`
	Postgres     Postgres     `yaml:"postgres"`
	NATS         NATS         `yaml:"nats"`
	Model        Model        `yaml:"model"`
	Logging      Logging      `yaml:"logging"`
	Breaker      Breaker      `yaml:"breaker"`
	Cache        Cache        `yaml:"cache"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Coordinator  Coordinator  `yaml:"coordinator"`
}

// Orchestrator holds the caller-visible orchestration settings. These
// are exactly the fields accepted by the orchestrator's runtime
// UpdateConfig/GetConfig surface.
type Orchestrator struct {
	Enabled               bool    `yaml:"enabled"`
	ComplexityThreshold   float64 `yaml:"complexity_threshold"`     // orchestrate above this (default: 0.4)
	MaxConcurrentAgents   int     `yaml:"max_concurrent_agents"`    // admission limit (default: 10)
	MaxMemoryMB           int     `yaml:"max_memory_mb"`            // admission limit (default: 2048)
	TimeoutMinutes        int     `yaml:"timeout_minutes"`          // wall clock per orchestration (default: 10)
	FallbackToSingleAgent bool    `yaml:"fallback_to_single_agent"` // advertise fallback contract to callers
}

// Coordinator holds swarm coordinator tuning.
type Coordinator struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`  // agent liveness ticks (default: 15s)
	MonitorInterval   time.Duration `yaml:"monitor_interval"`    // metric sampling (default: 30s)
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`    // event history pruning (default: 1m)
	EventHistoryLimit int           `yaml:"event_history_limit"` // prune trigger; halved on overflow (default: 1000)
	SwarmQuorum       float64       `yaml:"swarm_quorum"`        // majority fraction for swarm merges (default: 0.5)
	SequentialRetries int           `yaml:"sequential_retries"`  // per-step retry budget (default: 1)
	SandboxRoot       string        `yaml:"sandbox_root"`        // base dir for agent sandboxes
}

// Server holds HTTP control surface configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Postgres holds PostgreSQL connection configuration for the event store.
// An empty DSN disables persistence.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds event fan-out configuration. An empty URL disables fan-out.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Model holds the model-invocation endpoint configuration
// (OpenAI-compatible proxy such as LiteLLM).
type Model struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Name      string        `yaml:"name"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for model calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the in-process analysis cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry metric export configuration.
// An empty endpoint disables export.
type Telemetry struct {
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8090",
			CORSOrigin: "http://localhost:3000",
		},
		Postgres: Postgres{
			DSN:             "",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			URL:           "",
			SubjectPrefix: "ensemble",
		},
		Model: Model{
			URL:       "http://localhost:4000",
			Name:      "openai/gpt-4o-mini",
			MaxTokens: 4096,
			Timeout:   120 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "ensemble",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 64,
			TTL:       time.Hour,
		},
		Telemetry: Telemetry{
			Interval: 30 * time.Second,
		},
		Orchestrator: Orchestrator{
			Enabled:               true,
			ComplexityThreshold:   0.4,
			MaxConcurrentAgents:   10,
			MaxMemoryMB:           2048,
			TimeoutMinutes:        10,
			FallbackToSingleAgent: true,
		},
		Coordinator: Coordinator{
			HeartbeatInterval: 15 * time.Second,
			MonitorInterval:   30 * time.Second,
			CleanupInterval:   time.Minute,
			EventHistoryLimit: 1000,
			SwarmQuorum:       0.5,
			SequentialRetries: 1,
			SandboxRoot:       "",
		},
	}
}
