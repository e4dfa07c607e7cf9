// Package config loads Kestrel configuration from an optional file and
// KESTREL_* environment variables on top of the tier defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is the prefix of every configuration environment variable.
// Nested keys use underscores: KESTREL_SERVER_PORT, KESTREL_CACHE_REDIS_ADDR.
const EnvPrefix = "KESTREL"

// Load builds the configuration. path may be empty; otherwise the file must
// exist and its format is taken from the extension (yaml, json, toml).
// The tier, from the file or KESTREL_TIER, selects the defaults that the
// file and environment then override.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := domain.DefaultConfig()
	switch tier := domain.Tier(strings.ToLower(v.GetString("tier"))); tier {
	case "", domain.TierCommunity:
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	// Every key needs a default for AutomaticEnv to reach Unmarshal.
	registerDefaults(v, "", reflect.ValueOf(cfg).Elem())

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository.driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache.type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported eventbus.type %q", cfg.EventBus.Type))
	}
	if len(cfg.Velocity.Windows) == 0 {
		errs = append(errs, errors.New("velocity.windows must not be empty"))
	}
	for _, w := range cfg.Velocity.Windows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("velocity window %s must be positive", w))
		}
	}
	p := cfg.Patterns
	if p.StructuringFloorCents >= p.StructuringCeilingCents {
		errs = append(errs, fmt.Errorf("patterns.structuring_floor_cents %d must be below the ceiling %d",
			p.StructuringFloorCents, p.StructuringCeilingCents))
	}
	if p.RoundUnitCents <= 0 {
		errs = append(errs, errors.New("patterns.round_unit_cents must be positive"))
	}
	if cfg.Decision.CTRThresholdCents < 0 {
		errs = append(errs, errors.New("decision.ctr_threshold_cents must not be negative"))
	}

	if len(errs) > 0 {
		return domain.ConfigurationError("config.validate", errors.Join(errs...))
	}
	return nil
}
