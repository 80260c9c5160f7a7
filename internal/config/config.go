// Package config loads domain.Config from defaults, an optional file and
// BILLWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/billwatch/internal/domain"
)

// EnvPrefix is prepended to every environment override,
// e.g. BILLWATCH_SERVER_PORT for server.port.
const EnvPrefix = "BILLWATCH"

// Load builds the configuration. path may be empty; a set path must exist.
// The tier (file or BILLWATCH_TIER) selects Community or Pro defaults.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if os.Getenv(EnvPrefix+"_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.max_items", c.Server.MaxItems)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)

	v.SetDefault("reference.source", c.Reference.Source)
	v.SetDefault("reference.region", c.Reference.Region)

	v.SetDefault("matcher.tolerance", c.Matcher.Tolerance)
	v.SetDefault("matcher.fuzzy_threshold", c.Matcher.FuzzyThreshold)
	v.SetDefault("matcher.cache_ttl", c.Matcher.CacheTTL)

	v.SetDefault("verdict.alert_threshold", c.Verdict.AlertThreshold)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_ssl_mode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("eventbus.type", c.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("worker.enabled", c.Worker.Enabled)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
}

// Validate rejects configurations the server cannot start with.
func Validate(c *domain.Config) error {
	var errs []error

	if c.Tier != domain.TierCommunity && c.Tier != domain.TierPro {
		errs = append(errs, fmt.Errorf("tier must be community or pro, got %q", c.Tier))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxItems <= 0 {
		errs = append(errs, errors.New("server.max_items must be positive"))
	}
	if strings.TrimSpace(c.Reference.Source) == "" {
		errs = append(errs, errors.New("reference.source is required"))
	}
	if c.Matcher.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("matcher.tolerance must be positive, got %v", c.Matcher.Tolerance))
	}
	if c.Matcher.FuzzyThreshold <= 0 || c.Matcher.FuzzyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("matcher.fuzzy_threshold must be in (0,1), got %v", c.Matcher.FuzzyThreshold))
	}
	if c.Verdict.AlertThreshold <= 0 || c.Verdict.AlertThreshold > 1 {
		errs = append(errs, fmt.Errorf("verdict.alert_threshold must be in (0,1], got %v", c.Verdict.AlertThreshold))
	}

	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository.driver: %q", c.Repository.Driver))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache.type: %q", c.Cache.Type))
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported eventbus.type: %q", c.EventBus.Type))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported logging.level: %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
