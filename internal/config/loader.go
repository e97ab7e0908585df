package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "ensemble.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "ENSEMBLE_PORT")
	setString(&cfg.Server.CORSOrigin, "ENSEMBLE_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ENSEMBLE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ENSEMBLE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ENSEMBLE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ENSEMBLE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ENSEMBLE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "ENSEMBLE_NATS_SUBJECT_PREFIX")

	setString(&cfg.Model.URL, "ENSEMBLE_MODEL_URL")
	setString(&cfg.Model.APIKey, "ENSEMBLE_MODEL_API_KEY")
	setString(&cfg.Model.Name, "ENSEMBLE_MODEL_NAME")
	setInt(&cfg.Model.MaxTokens, "ENSEMBLE_MODEL_MAX_TOKENS")
	setDuration(&cfg.Model.Timeout, "ENSEMBLE_MODEL_TIMEOUT")

	setString(&cfg.Logging.Level, "ENSEMBLE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ENSEMBLE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "ENSEMBLE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "ENSEMBLE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ENSEMBLE_BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.MaxSizeMB, "ENSEMBLE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "ENSEMBLE_CACHE_TTL")

	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setDuration(&cfg.Telemetry.Interval, "ENSEMBLE_TELEMETRY_INTERVAL")

	setBool(&cfg.Orchestrator.Enabled, "ENSEMBLE_ORCH_ENABLED")
	setFloat64(&cfg.Orchestrator.ComplexityThreshold, "ENSEMBLE_ORCH_COMPLEXITY_THRESHOLD")
	setInt(&cfg.Orchestrator.MaxConcurrentAgents, "ENSEMBLE_ORCH_MAX_CONCURRENT_AGENTS")
	setInt(&cfg.Orchestrator.MaxMemoryMB, "ENSEMBLE_ORCH_MAX_MEMORY_MB")
	setInt(&cfg.Orchestrator.TimeoutMinutes, "ENSEMBLE_ORCH_TIMEOUT_MINUTES")
	setBool(&cfg.Orchestrator.FallbackToSingleAgent, "ENSEMBLE_ORCH_FALLBACK")

	setDuration(&cfg.Coordinator.HeartbeatInterval, "ENSEMBLE_COORD_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Coordinator.MonitorInterval, "ENSEMBLE_COORD_MONITOR_INTERVAL")
	setDuration(&cfg.Coordinator.CleanupInterval, "ENSEMBLE_COORD_CLEANUP_INTERVAL")
	setInt(&cfg.Coordinator.EventHistoryLimit, "ENSEMBLE_COORD_EVENT_HISTORY_LIMIT")
	setFloat64(&cfg.Coordinator.SwarmQuorum, "ENSEMBLE_COORD_SWARM_QUORUM")
	setInt(&cfg.Coordinator.SequentialRetries, "ENSEMBLE_COORD_SEQUENTIAL_RETRIES")
	setString(&cfg.Coordinator.SandboxRoot, "ENSEMBLE_COORD_SANDBOX_ROOT")
}

// validate rejects configurations the orchestrator cannot run with.
func validate(cfg *Config) error {
	if cfg.Orchestrator.ComplexityThreshold < 0 || cfg.Orchestrator.ComplexityThreshold > 1 {
		return fmt.Errorf("complexity_threshold %v out of range [0,1]", cfg.Orchestrator.ComplexityThreshold)
	}
	if cfg.Orchestrator.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be positive, got %d", cfg.Orchestrator.MaxConcurrentAgents)
	}
	if cfg.Orchestrator.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be positive, got %d", cfg.Orchestrator.MaxMemoryMB)
	}
	if cfg.Orchestrator.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeout_minutes must be positive, got %d", cfg.Orchestrator.TimeoutMinutes)
	}
	if cfg.Coordinator.SwarmQuorum <= 0 || cfg.Coordinator.SwarmQuorum > 1 {
		return fmt.Errorf("swarm_quorum %v out of range (0,1]", cfg.Coordinator.SwarmQuorum)
	}
	if cfg.Coordinator.EventHistoryLimit <= 0 {
		return fmt.Errorf("event_history_limit must be positive, got %d", cfg.Coordinator.EventHistoryLimit)
	}
	if cfg.Coordinator.SequentialRetries < 0 {
		return fmt.Errorf("sequential_retries must not be negative, got %d", cfg.Coordinator.SequentialRetries)
	}
	return nil
}

// --- env overlay helpers ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
