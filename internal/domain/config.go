package domain

import "time"

// DefaultMRPTolerance is the multiplier over the reference MRP a unit price may
// reach before Price-Above-MRP fires.
const DefaultMRPTolerance = 1.05

// DefaultFuzzyThreshold is the similarity a fuzzy match must strictly exceed.
const DefaultFuzzyThreshold = 0.9

// Config holds the complete Billwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Reference price data and matching
	Reference ReferenceConfig `json:"reference" mapstructure:"reference"`
	Matcher   MatcherConfig   `json:"matcher" mapstructure:"matcher"`
	Verdict   VerdictConfig   `json:"verdict" mapstructure:"verdict"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"eventbus"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
	MaxItems     int    `json:"maxItems" mapstructure:"max_items"`
	MaxBodyBytes int64  `json:"maxBodyBytes" mapstructure:"max_body_bytes"`
}

// ReferenceConfig locates the MRP reference dataset.
// Source is a local path, a .gz path, or an s3://bucket/key URL.
type ReferenceConfig struct {
	Source string `json:"source" mapstructure:"source"`
	Region string `json:"region" mapstructure:"region"` // S3 only
}

// MatcherConfig tunes MRP matching and the Price-Above-MRP rule.
type MatcherConfig struct {
	Tolerance      float64       `json:"tolerance" mapstructure:"tolerance"`
	FuzzyThreshold float64       `json:"fuzzyThreshold" mapstructure:"fuzzy_threshold"`
	CacheTTL       time.Duration `json:"cacheTTL" mapstructure:"cache_ttl"`
}

// VerdictConfig tunes bill-level scoring.
type VerdictConfig struct {
	AlertThreshold float64 `json:"alertThreshold" mapstructure:"alert_threshold"`
}

// WorkerConfig controls the async bill worker.
type WorkerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
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
			MaxItems:     5000,
			MaxBodyBytes: 4 << 20,
		},
		Tier: TierCommunity,
		Reference: ReferenceConfig{
			Source: "./data/mrp.json",
		},
		Matcher: MatcherConfig{
			Tolerance:      DefaultMRPTolerance,
			FuzzyThreshold: DefaultFuzzyThreshold,
			CacheTTL:       10 * time.Minute,
		},
		Verdict: VerdictConfig{
			AlertThreshold: 0.7,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./billwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
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
			ServiceName: "billwatch",
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
		PostgresDB:   "billwatch",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
