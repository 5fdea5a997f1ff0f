package domain

// Config holds the complete Tillwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Rule engine and dispatch behaviour
	Engine   EngineConfig   `koanf:"engine"`
	Dispatch DispatchConfig `koanf:"dispatch"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Window     WindowConfig     `koanf:"window"`
	EventBus   EventBusConfig   `koanf:"event_bus"`

	// RulesFile is an optional YAML file of rules seeded at startup.
	RulesFile string `koanf:"rules_file"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
}

// EngineConfig controls rule evaluation.
type EngineConfig struct {
	// FraudDetectionEnabled is the global kill switch. When false, events are
	// accepted and stored but no rules run and no flags are created.
	FraudDetectionEnabled bool `koanf:"fraud_detection_enabled"`

	// RuleEngineTimeoutMs bounds a single rule's evaluation for one event.
	RuleEngineTimeoutMs int `koanf:"rule_engine_timeout_ms"`

	// SlidingWindowSize is the maximum number of entries kept per window key.
	SlidingWindowSize int `koanf:"sliding_window_size"`

	MaxWorkers int `koanf:"max_workers"`

	// BusinessTimezone is the IANA zone used for time-of-day rules. Empty
	// means the UTC offset carried by each event's occurredAt.
	BusinessTimezone string `koanf:"business_timezone"`
	ShutdownGraceMs  int    `koanf:"shutdown_grace_ms"`
}

// DispatchConfig controls action execution.
type DispatchConfig struct {
	ActionTimeoutMs  int    `koanf:"action_timeout_ms"`
	MaxRetries       int    `koanf:"max_retries"`
	InitialBackoffMs int    `koanf:"initial_backoff_ms"`
	WebhookURL       string `koanf:"webhook_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Endpoint    string `koanf:"endpoint"` // OTLP gRPC endpoint
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// windows and the in-process channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engine: EngineConfig{
			FraudDetectionEnabled: true,
			RuleEngineTimeoutMs:   50,
			SlidingWindowSize:     1000,
			MaxWorkers:            16,
			BusinessTimezone:      "",
			ShutdownGraceMs:       10000,
		},
		Dispatch: DispatchConfig{
			ActionTimeoutMs:  2000,
			MaxRetries:       3,
			InitialBackoffMs: 100,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tillwatch.db",
		},
		Window: WindowConfig{
			Type:      "memory",
			MaxKeys:   100000,
			IdleTTLMs: 24 * 60 * 60 * 1000,
			KeyPrefix: "tillwatch:window:",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tillwatch",
		},
	}
}

// ClusterConfig returns a configuration for multi-node deployments:
// PostgreSQL, Redis-backed windows and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tillwatch",
	}
	cfg.Window.Type = "redis"
	cfg.Window.RedisAddr = "localhost:6379"
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
