// Package domain defines the core types and interfaces for Tillwatch.
package domain

import (
	"context"
)

// EventRepository persists normalized events.
type EventRepository interface {
	// SaveEvent stores an event; saving an existing eventId is a no-op.
	SaveEvent(ctx context.Context, event *POSEvent) error
	GetEvent(ctx context.Context, eventID string) (*POSEvent, error)
}

// RuleRepository persists rule versions. Versions are append-only.
type RuleRepository interface {
	SaveRuleVersion(ctx context.Context, rule *FraudRule) error
	ListRuleVersions(ctx context.Context, ruleID string) ([]*FraudRule, error)
	ListLatestRules(ctx context.Context) ([]*FraudRule, error)
}

// FlagRepository persists flags and their action history.
type FlagRepository interface {
	// CreateFlag inserts flag unless a flag with the same ID exists.
	// It returns the stored flag and whether this call created it.
	CreateFlag(ctx context.Context, flag *FraudFlag) (*FraudFlag, bool, error)
	GetFlag(ctx context.Context, flagID string) (*FraudFlag, error)

	// UpdateFlagStatus writes the investigation fields of flag only if the
	// stored status still equals expected. Otherwise it returns ErrConcurrentUpdate.
	UpdateFlagStatus(ctx context.Context, flag *FraudFlag, expected FlagStatus) error
	ListFlags(ctx context.Context, filter FlagFilter) (*FlagPage, error)
	DailyMetrics(ctx context.Context, filter MetricsFilter) ([]*DailyMetric, error)

	SaveActions(ctx context.Context, actions []FraudAction) error
	ListActions(ctx context.Context, flagID string) ([]FraudAction, error)
}

// EvaluationRepository persists per-event evaluation summaries.
type EvaluationRepository interface {
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluationByEvent(ctx context.Context, eventID string) (*Evaluation, error)
}

// Repository is the full persistence surface.
type Repository interface {
	EventRepository
	RuleRepository
	FlagRepository
	EvaluationRepository

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns      int `koanf:"max_open_conns"`
	MaxIdleConns      int `koanf:"max_idle_conns"`
	ConnMaxLifetimeMs int `koanf:"conn_max_lifetime_ms"`
}
