// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// It implements every collaborator the decision core reads from.
type Repository interface {
	RuleCatalogReader
	VelocityRuleReader
	AttributeIndex
	EntityStatusLookup
	TransactionHistory
	DetectionLedger
	DetectionSink
	PlanLookup

	// Transaction operations
	SaveTransaction(ctx context.Context, entityID string, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Entity operations
	SaveEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, entityID string) (*Entity, error)

	// Rule configuration operations
	SaveRuleDefinition(ctx context.Context, def *RuleDefinition) error
	SaveVelocityRule(ctx context.Context, rule *VelocityRule) error

	// Caller plans
	SavePlan(ctx context.Context, pspCode, plan string) error

	// Decisions
	SaveDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, decisionID string) (*Decision, error)

	// Detections
	ListDetections(ctx context.Context, entityID string) ([]*DetectionRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
