package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, domain.DefaultConfig()) {
		t.Errorf("expected community defaults, got %+v", cfg)
	}
}

func TestLoadProTierFromEnv(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierPro {
		t.Errorf("tier = %s, want pro", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro backends, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if !cfg.Cache.EnableTwoPhase {
		t.Error("expected two-phase cache on pro tier")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_SERVER_PORT", "9090")
	t.Setenv("KESTREL_RULES_REFRESH_INTERVAL", "5s")
	t.Setenv("KESTREL_DECISION_CTR_THRESHOLD_CENTS", "0")
	t.Setenv("KESTREL_VELOCITY_WINDOWS", "1h,24h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Rules.RefreshInterval != 5*time.Second {
		t.Errorf("refresh interval = %s, want 5s", cfg.Rules.RefreshInterval)
	}
	if cfg.Decision.CTRThresholdCents != 0 {
		t.Errorf("ctr threshold = %d, want 0", cfg.Decision.CTRThresholdCents)
	}
	if want := []time.Duration{time.Hour, 24 * time.Hour}; !reflect.DeepEqual(cfg.Velocity.Windows, want) {
		t.Errorf("windows = %v, want %v", cfg.Velocity.Windows, want)
	}
	// Untouched keys keep their defaults.
	if cfg.Patterns.StructuringCeilingCents != 1000000 {
		t.Errorf("ceiling = %d, want default", cfg.Patterns.StructuringCeilingCents)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	body := `
tier: community
server:
  port: 7070
repository:
  sqlite_path: /tmp/kestrel-file.db
patterns:
  structuring_min_count: 4
  rapid_max_delta: 30m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 7070 || cfg.Repository.SQLitePath != "/tmp/kestrel-file.db" {
			t.Errorf("file values not applied: %+v %+v", cfg.Server, cfg.Repository)
		}
		if cfg.Patterns.StructuringMinCount != 4 || cfg.Patterns.RapidMaxDelta != 30*time.Minute {
			t.Errorf("pattern values not applied: %+v", cfg.Patterns)
		}
		if cfg.Repository.Driver != "sqlite" {
			t.Errorf("driver = %s, want default sqlite", cfg.Repository.Driver)
		}
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("KESTREL_SERVER_PORT", "6060")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 6060 {
			t.Errorf("port = %d, want 6060", cfg.Server.Port)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"UnknownTier", map[string]string{"KESTREL_TIER": "platinum"}},
		{"BadPort", map[string]string{"KESTREL_SERVER_PORT": "70000"}},
		{"BadDriver", map[string]string{"KESTREL_REPOSITORY_DRIVER": "mysql"}},
		{"InvertedStructuringBand", map[string]string{"KESTREL_PATTERNS_STRUCTURING_FLOOR_CENTS": "2000000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateReportsConfigurationKind(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Cache.Type = "memcached"
	cfg.Velocity.Windows = nil

	err := Validate(cfg)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
