package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Tier determines which backends are used
	Tier Tier `mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`

	// Decision core
	Rules    RulesConfig    `mapstructure:"rules"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Velocity VelocityConfig `mapstructure:"velocity"`
	Patterns PatternsConfig `mapstructure:"patterns"`
	Decision DecisionConfig `mapstructure:"decision"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

// RulesConfig controls rule snapshot refresh.
type RulesConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// QuotaConfig controls per-caller admission control.
type QuotaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// VelocityConfig controls the velocity tracker.
type VelocityConfig struct {
	// Windows tracked per entity.
	Windows       []time.Duration `mapstructure:"windows"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval"`
}

// PatternsConfig holds statistical detector thresholds. Amounts are cents.
type PatternsConfig struct {
	StructuringFloorCents   int64         `mapstructure:"structuring_floor_cents"`
	StructuringCeilingCents int64         `mapstructure:"structuring_ceiling_cents"`
	StructuringWindow       time.Duration `mapstructure:"structuring_window"`
	StructuringMinCount     int           `mapstructure:"structuring_min_count"`

	RapidMaxDelta       time.Duration `mapstructure:"rapid_max_delta"`
	RapidMinPassThrough float64       `mapstructure:"rapid_min_pass_through"`
	RapidMinPairs       int           `mapstructure:"rapid_min_pairs"`

	RoundUnitCents     int64   `mapstructure:"round_unit_cents"`
	RoundMinSample     int     `mapstructure:"round_min_sample"`
	RoundBaselineRatio float64 `mapstructure:"round_baseline_ratio"`

	FunnelWindow          time.Duration `mapstructure:"funnel_window"`
	FunnelMinTransactions int           `mapstructure:"funnel_min_transactions"`
	FunnelMinTotalCents   int64         `mapstructure:"funnel_min_total_cents"`

	TradeWindow          time.Duration `mapstructure:"trade_window"`
	TradeMinTransactions int           `mapstructure:"trade_min_transactions"`
	TradeSmallCents      int64         `mapstructure:"trade_small_cents"`
	TradeMinTotalCents   int64         `mapstructure:"trade_min_total_cents"`
}

// DecisionConfig holds regulatory thresholds applied when merging signals.
type DecisionConfig struct {
	// CTRThresholdCents raises ctrRequired at or above this amount; 0 disables.
	CTRThresholdCents   int64         `mapstructure:"ctr_threshold_cents"`
	PatternCaseLookback time.Duration `mapstructure:"pattern_case_lookback"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			LookupTTL:    30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Rules: RulesConfig{
			RefreshInterval: 30 * time.Second,
		},
		Quota: QuotaConfig{
			Enabled:       true,
			SweepInterval: time.Minute,
		},
		Velocity: VelocityConfig{
			Windows:       []time.Duration{WindowHour, WindowDay, WindowWeek},
			SweepInterval: 10 * time.Minute,
		},
		Patterns: PatternsConfig{
			StructuringFloorCents:   900000,
			StructuringCeilingCents: 1000000,
			StructuringWindow:       24 * time.Hour,
			StructuringMinCount:     3,
			RapidMaxDelta:           time.Hour,
			RapidMinPassThrough:     0.8,
			RapidMinPairs:           3,
			RoundUnitCents:          10000,
			RoundMinSample:          5,
			RoundBaselineRatio:      0.3,
			FunnelWindow:            24 * time.Hour,
			FunnelMinTransactions:   5,
			FunnelMinTotalCents:     1000000,
			TradeWindow:             7 * 24 * time.Hour,
			TradeMinTransactions:    3,
			TradeSmallCents:         10000,
			TradeMinTotalCents:      5000000,
		},
		Decision: DecisionConfig{
			CTRThresholdCents:   1000000,
			PatternCaseLookback: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		LookupTTL:      30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
