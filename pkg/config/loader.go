package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up when no path is given.
const DefaultFileName = "graphloom.yaml"

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file when present (a missing file is fine)
//  3. Expand {{.VAR}} environment references
//  4. Merge file values over defaults (set values win)
//  5. Apply BRIDGE_* environment overrides
//  6. Validate
func Initialize(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultFileName
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := ExpandEnv(raw)
		var fileCfg Config
		if err := yaml.Unmarshal(expanded, &fileCfg); err != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
		}
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		slog.Info("configuration loaded", "path", path)
	case os.IsNotExist(err):
		slog.Info("no configuration file, using defaults", "path", path)
	default:
		return nil, &LoadError{Path: path, Err: err}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return cfg, nil
}

// applyEnvOverrides maps the bridge environment contract onto the server
// section. Environment wins over both defaults and file values.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BRIDGE_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring non-numeric BRIDGE_PORT", "value", v)
		}
	}
	if v := os.Getenv("BRIDGE_USE_HTTPS"); v != "" {
		cfg.Server.UseHTTPS = isTruthy(v)
	}
	if v := os.Getenv("BRIDGE_SSL_KEY_PATH"); v != "" {
		cfg.Server.SSLKeyPath = v
	}
	if v := os.Getenv("BRIDGE_SSL_CERT_PATH"); v != "" {
		cfg.Server.SSLCertPath = v
	}
	if v := os.Getenv("BRIDGE_SSL_CA_PATH"); v != "" {
		cfg.Server.SSLCAPath = v
	}
	if v := os.Getenv("BRIDGE_SSL_PASSPHRASE"); v != "" {
		cfg.Server.SSLPassphrase = v
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		cfg.Server.TrustProxy = isTruthy(v)
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate rejects configurations the components cannot run with.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", "must be in 1..65535")
	}
	if cfg.Server.UseHTTPS {
		if cfg.Server.SSLKeyPath == "" || cfg.Server.SSLCertPath == "" {
			return NewValidationError("server", "use_https", "requires ssl_key_path and ssl_cert_path")
		}
	}
	if cfg.Queue.LeaseTTLMs <= 0 {
		return NewValidationError("queue", "lease_ttl_ms", "must be positive")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return NewValidationError("queue", "max_attempts", "must be at least 1")
	}
	if cfg.Queue.SweepIntervalMs <= 0 {
		return NewValidationError("queue", "sweep_interval_ms", "must be positive")
	}
	if cfg.Scheduler.CadenceMs <= 0 {
		return NewValidationError("scheduler", "cadence_ms", "must be positive")
	}
	if cfg.Scheduler.MaxPerTick < 1 {
		return NewValidationError("scheduler", "max_per_tick", "must be at least 1")
	}
	if cfg.Committer.CadenceMs <= 0 {
		return NewValidationError("committer", "cadence_ms", "must be positive")
	}
	if cfg.Committer.WindowMs < 0 {
		return NewValidationError("committer", "window_ms", "must not be negative")
	}
	if cfg.Committer.MaxBatch < 1 {
		return NewValidationError("committer", "max_batch", "must be at least 1")
	}
	if cfg.Committer.IdempotencySize < 1 {
		return NewValidationError("committer", "idempotency_size", "must be at least 1")
	}
	if cfg.Drainer.CadenceMs <= 0 {
		return NewValidationError("drainer", "cadence_ms", "must be positive")
	}
	if cfg.Drainer.MaxPerTick < 1 {
		return NewValidationError("drainer", "max_per_tick", "must be at least 1")
	}
	if cfg.Intent.TimeoutMs <= 0 {
		return NewValidationError("intent", "timeout_ms", "must be positive")
	}
	switch strings.ToLower(cfg.Intent.Provider) {
	case "", "anthropic", "openrouter":
	default:
		return NewValidationError("intent", "provider", "must be anthropic or openrouter")
	}
	if cfg.Search.Limit < 1 {
		return NewValidationError("search", "limit", "must be at least 1")
	}
	if cfg.EventLog.Capacity < 1 {
		return NewValidationError("event_log", "capacity", "must be at least 1")
	}
	if cfg.Telemetry.Capacity < 1 {
		return NewValidationError("telemetry", "capacity", "must be at least 1")
	}
	if cfg.Telemetry.ChatCapacity < 1 {
		return NewValidationError("telemetry", "chat_capacity", "must be at least 1")
	}
	if cfg.Telemetry.KeepAliveMs <= 0 {
		return NewValidationError("telemetry", "keep_alive_ms", "must be positive")
	}
	return nil
}
