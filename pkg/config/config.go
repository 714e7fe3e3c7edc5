// Package config loads and validates graphloom.yaml. Every section is
// optional; unset values take built-in defaults, and a handful of
// BRIDGE_* environment variables override the server section after the
// file is read.
package config

import "time"

// Config is the resolved runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Committer CommitterConfig `yaml:"committer"`
	Drainer   DrainerConfig   `yaml:"drainer"`
	Intent    IntentConfig    `yaml:"intent"`
	Search    SearchConfig    `yaml:"search"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	UseHTTPS          bool   `yaml:"use_https"`
	SSLKeyPath        string `yaml:"ssl_key_path"`
	SSLCertPath       string `yaml:"ssl_cert_path"`
	SSLCAPath         string `yaml:"ssl_ca_path"`
	SSLPassphrase     string `yaml:"ssl_passphrase"`
	TrustProxy        bool   `yaml:"trust_proxy"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// QueueConfig tunes lease behavior of the queue manager.
type QueueConfig struct {
	LeaseTTLMs      int `yaml:"lease_ttl_ms"`
	MaxAttempts     int `yaml:"max_attempts"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

func (c QueueConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMs) * time.Millisecond
}

func (c QueueConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// SchedulerConfig tunes the planner/executor/auditor ticker. The stage
// toggles are pointers so an explicit `false` survives the defaults
// merge; use the *Enabled accessors.
type SchedulerConfig struct {
	CadenceMs  int   `yaml:"cadence_ms"`
	MaxPerTick int   `yaml:"max_per_tick"`
	Planner    *bool `yaml:"planner"`
	Executor   *bool `yaml:"executor"`
	Auditor    *bool `yaml:"auditor"`
	Autostart  *bool `yaml:"autostart"`
}

func (c SchedulerConfig) Cadence() time.Duration {
	return time.Duration(c.CadenceMs) * time.Millisecond
}

func (c SchedulerConfig) PlannerEnabled() bool  { return c.Planner == nil || *c.Planner }
func (c SchedulerConfig) ExecutorEnabled() bool { return c.Executor == nil || *c.Executor }
func (c SchedulerConfig) AuditorEnabled() bool  { return c.Auditor == nil || *c.Auditor }
func (c SchedulerConfig) AutostartEnabled() bool {
	return c.Autostart != nil && *c.Autostart
}

// CommitterConfig tunes the single-writer loop.
type CommitterConfig struct {
	CadenceMs       int `yaml:"cadence_ms"`
	WindowMs        int `yaml:"window_ms"`
	MaxBatch        int `yaml:"max_batch"`
	IdempotencySize int `yaml:"idempotency_size"`
}

func (c CommitterConfig) Cadence() time.Duration {
	return time.Duration(c.CadenceMs) * time.Millisecond
}

func (c CommitterConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// DrainerConfig tunes the safety drainer.
type DrainerConfig struct {
	Enabled    *bool `yaml:"enabled"`
	CadenceMs  int   `yaml:"cadence_ms"`
	MaxPerTick int   `yaml:"max_per_tick"`
}

func (c DrainerConfig) DrainerEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c DrainerConfig) Cadence() time.Duration {
	return time.Duration(c.CadenceMs) * time.Millisecond
}

// IntentConfig tunes the chat router and its LLM calls.
type IntentConfig struct {
	// LegacyUIOps keeps the direct pending-action fast path for simple
	// node/edge commands instead of routing them through the goal DAG.
	LegacyUIOps       *bool  `yaml:"legacy_ui_ops"`
	Provider          string `yaml:"provider"` // empty selects by key shape
	Model             string `yaml:"model"`
	AnthropicBaseURL  string `yaml:"anthropic_base_url"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`
	TimeoutMs         int    `yaml:"timeout_ms"`
}

func (c IntentConfig) LegacyUIOpsEnabled() bool { return c.LegacyUIOps == nil || *c.LegacyUIOps }

func (c IntentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SearchConfig tunes default search behavior.
type SearchConfig struct {
	Fuzzy *bool `yaml:"fuzzy"`
	Limit int   `yaml:"limit"`
}

func (c SearchConfig) FuzzyEnabled() bool { return c.Fuzzy == nil || *c.Fuzzy }

// EventLogConfig sizes the append-only ring.
type EventLogConfig struct {
	Capacity int `yaml:"capacity"`
}

// TelemetryConfig sizes the telemetry ring and SSE keep-alive cadence.
type TelemetryConfig struct {
	Capacity     int `yaml:"capacity"`
	ChatCapacity int `yaml:"chat_capacity"`
	KeepAliveMs  int `yaml:"keep_alive_ms"`
}

func (c TelemetryConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMs) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              3001,
			ShutdownTimeoutMs: 10000,
		},
		Queue: QueueConfig{
			LeaseTTLMs:      30000,
			MaxAttempts:     3,
			SweepIntervalMs: 250,
		},
		Scheduler: SchedulerConfig{
			CadenceMs:  250,
			MaxPerTick: 2,
		},
		Committer: CommitterConfig{
			CadenceMs:       100,
			WindowMs:        500,
			MaxBatch:        200,
			IdempotencySize: 100000,
		},
		Drainer: DrainerConfig{
			CadenceMs:  1000,
			MaxPerTick: 5,
		},
		Intent: IntentConfig{
			TimeoutMs: 12000,
		},
		Search: SearchConfig{
			Limit: 50,
		},
		EventLog: EventLogConfig{
			Capacity: 5000,
		},
		Telemetry: TelemetryConfig{
			Capacity:     10000,
			ChatCapacity: 500,
			KeepAliveMs:  500,
		},
	}
}
