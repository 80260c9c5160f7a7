package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/billwatch/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := domain.DefaultConfig()
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("expected port %d, got %d", want.Server.Port, cfg.Server.Port)
	}
	if cfg.Matcher.Tolerance != domain.DefaultMRPTolerance {
		t.Errorf("expected tolerance %v, got %v", domain.DefaultMRPTolerance, cfg.Matcher.Tolerance)
	}
	if cfg.Matcher.CacheTTL != 10*time.Minute {
		t.Errorf("expected cache ttl 10m, got %v", cfg.Matcher.CacheTTL)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Cache.Type != "memory" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected community stack: %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "billwatch.yaml", `
server:
  port: 9090
  max_items: 200
reference:
  source: s3://prices/mrp.json.gz
  region: ap-south-1
matcher:
  tolerance: 1.5
  cache_ttl: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.MaxItems != 200 {
		t.Errorf("expected port 9090 and max_items 200, got %d and %d", cfg.Server.Port, cfg.Server.MaxItems)
	}
	if cfg.Reference.Source != "s3://prices/mrp.json.gz" || cfg.Reference.Region != "ap-south-1" {
		t.Errorf("unexpected reference config: %+v", cfg.Reference)
	}
	if cfg.Matcher.Tolerance != 1.5 {
		t.Errorf("expected tolerance 1.5, got %v", cfg.Matcher.Tolerance)
	}
	if cfg.Matcher.CacheTTL != 30*time.Second {
		t.Errorf("expected cache ttl 30s, got %v", cfg.Matcher.CacheTTL)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host to survive, got %q", cfg.Server.Host)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BILLWATCH_SERVER_PORT", "7070")
	t.Setenv("BILLWATCH_MATCHER_TOLERANCE", "1.2")
	t.Setenv("BILLWATCH_DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Matcher.Tolerance != 1.2 {
		t.Errorf("expected tolerance 1.2, got %v", cfg.Matcher.Tolerance)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("BILLWATCH_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierPro {
		t.Errorf("expected pro tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("unexpected pro stack: %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}
	if !cfg.Worker.Enabled || !cfg.Cache.EnableTwoPhase {
		t.Error("expected worker and two-phase cache in pro tier")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *domain.Config)
		field  string
	}{
		{"zero tolerance", func(c *domain.Config) { c.Matcher.Tolerance = 0 }, "matcher.tolerance"},
		{"bad port", func(c *domain.Config) { c.Server.Port = 70000 }, "server.port"},
		{"no reference", func(c *domain.Config) { c.Reference.Source = " " }, "reference.source"},
		{"bad driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, "repository.driver"},
		{"bad cache", func(c *domain.Config) { c.Cache.Type = "memcached" }, "cache.type"},
		{"bad bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }, "eventbus.type"},
		{"fuzzy threshold", func(c *domain.Config) { c.Matcher.FuzzyThreshold = 1 }, "matcher.fuzzy_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to mention %s, got %v", tt.field, err)
			}
		})
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
	if err := Validate(domain.ProConfig()); err != nil {
		t.Errorf("pro config must be valid: %v", err)
	}
}
