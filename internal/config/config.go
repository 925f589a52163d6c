package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the engine configuration
type Config struct {
	// Tenant this engine is the single execution authority for
	TenantID string `json:"tenant_id" mapstructure:"tenant_id"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// SQLite tracking store path
	DatabasePath string `json:"database_path" mapstructure:"database_path"`

	// Directory of agent manifests (*.yaml)
	ManifestsDir string `json:"manifests_dir" mapstructure:"manifests_dir"`

	// Workspace path handed to tools and bootstrap file resolution
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Global concurrency limits
	MaxConcurrentAgents int `json:"max_concurrent_agents" mapstructure:"max_concurrent_agents"`
	MaxConcurrentSpawns int `json:"max_concurrent_spawns" mapstructure:"max_concurrent_spawns"`

	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`
	Hooks     HooksConfig     `json:"hooks" mapstructure:"hooks"`
	Delivery  DeliveryConfig  `json:"delivery" mapstructure:"delivery"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
	Ingress   IngressConfig   `json:"ingress" mapstructure:"ingress"`

	// Credentials come from the environment, never from the config file.
	Credentials Credentials `json:"-" mapstructure:"-"`
}

// SchedulerConfig holds cron scheduler settings
type SchedulerConfig struct {
	Enabled                 bool          `json:"enabled" mapstructure:"enabled"`
	MisfireGrace            time.Duration `json:"misfire_grace" mapstructure:"misfire_grace"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
}

// HookTrigger maps one event type on a stream to an agent run.
type HookTrigger struct {
	EventType string `json:"event_type" mapstructure:"event_type"`
	AgentID   string `json:"agent_id" mapstructure:"agent_id"`
	Message   string `json:"message" mapstructure:"message"`
}

// HooksConfig holds event hook consumer settings
type HooksConfig struct {
	Enabled      bool                     `json:"enabled" mapstructure:"enabled"`
	Group        string                   `json:"group" mapstructure:"group"`
	Consumer     string                   `json:"consumer" mapstructure:"consumer"`
	Block        time.Duration            `json:"block" mapstructure:"block"`
	BatchSize    int64                    `json:"batch_size" mapstructure:"batch_size"`
	MaxRetries   int                      `json:"max_retries" mapstructure:"max_retries"`
	DLQMaxLen    int64                    `json:"dlq_max_len" mapstructure:"dlq_max_len"`
	StreamMaxLen int64                    `json:"stream_max_len" mapstructure:"stream_max_len"`
	Triggers     map[string][]HookTrigger `json:"triggers" mapstructure:"triggers"`
	UseMemoryLog bool                     `json:"use_memory_log" mapstructure:"use_memory_log"`
	ClaimIdle    time.Duration            `json:"claim_idle" mapstructure:"claim_idle"`
}

// DeliveryConfig holds output routing settings
type DeliveryConfig struct {
	DefaultStream string `json:"default_stream" mapstructure:"default_stream"`
	AlertChannel  string `json:"alert_channel" mapstructure:"alert_channel"`
	AlertTo       string `json:"alert_to" mapstructure:"alert_to"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// IngressSource is one external producer allowed to POST events.
type IngressSource struct {
	Name               string `json:"name" mapstructure:"name"`
	Stream             string `json:"stream" mapstructure:"stream"`
	Secret             string `json:"-" mapstructure:"secret"`
	SignatureHeader    string `json:"signature_header" mapstructure:"signature_header"`
	SignatureAlgorithm string `json:"signature_algorithm" mapstructure:"signature_algorithm"`
	TypeHeader         string `json:"type_header" mapstructure:"type_header"`
	DefaultType        string `json:"default_type" mapstructure:"default_type"`
}

// IngressConfig holds the HTTP event ingress settings. It shares the
// listener with the metrics endpoint.
type IngressConfig struct {
	Enabled            bool            `json:"enabled" mapstructure:"enabled"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxBodyBytes       int64           `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	Sources            []IngressSource `json:"sources" mapstructure:"sources"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// Fraction of root spans sampled, 0 < ratio <= 1
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		TenantID:            "default",
		MaxConcurrentAgents: 4,
		MaxConcurrentSpawns: 3,
		Scheduler: SchedulerConfig{
			Enabled:                 true,
			MisfireGrace:            60 * time.Second,
			CircuitBreakerThreshold: 5,
		},
		Hooks: HooksConfig{
			Enabled:      true,
			Group:        "robothor-engine",
			Consumer:     "engine-1",
			Block:        5 * time.Second,
			BatchSize:    10,
			MaxRetries:   3,
			DLQMaxLen:    1000,
			StreamMaxLen: 10000,
			Triggers:     map[string][]HookTrigger{},
			ClaimIdle:    10 * time.Minute,
		},
		Delivery: DeliveryConfig{
			DefaultStream: "agent",
			AlertChannel:  "log",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			ServiceName: "robothor-engine",
			SampleRatio: 1,
		},
		Ingress: IngressConfig{
			RateLimitPerMinute: 100,
			MaxBodyBytes:       1 << 20,
		},
	}
}

// String returns a JSON rendering without credentials.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
