package domain

import (
	"context"
	"time"
)

// Cache holds serialized lookups (entity status, plans) keyed by string.
// A miss is nil, nil; errors mean the cache itself failed, and callers fall
// through to the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for ttl. A non-positive ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// In-process LRU, also L1 when two_phase is set.
	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	// Shared Redis, used by the pro tier.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// EnableTwoPhase reads the local LRU before Redis.
	EnableTwoPhase bool `mapstructure:"two_phase"`

	// LookupTTL bounds how stale a cached entity status or plan may be.
	LookupTTL time.Duration `mapstructure:"lookup_ttl"`
}
