// Package config loads the runtime configuration from a JSON or YAML file
// with THREADLINE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/errclass"
	"github.com/Rogers-F/threadline/internal/executor"
)

// EnvPrefix prefixes every environment override, e.g. THREADLINE_STORE_DRIVER.
const EnvPrefix = "THREADLINE"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// StoreConfig selects and addresses the thread log backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"`
	DSN           string `mapstructure:"dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// RoutingConfig holds the meta-router thresholds.
type RoutingConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	AmbiguityThreshold  float64 `mapstructure:"ambiguity_threshold"`
}

// GuidedConfig bounds synthesized plans.
type GuidedConfig struct {
	MaxSteps           int      `mapstructure:"max_steps"`
	ProhibitedPatterns []string `mapstructure:"prohibited_patterns"`
}

// RetryConfig tunes local retries of transient failures.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	ManifestPath     string                 `mapstructure:"manifest_path"`
	StalenessDays    int                    `mapstructure:"staleness_days"`
	ListenAddr       string                 `mapstructure:"listen_addr"`
	ProbeConcurrency int                    `mapstructure:"probe_concurrency"`
	Store            StoreConfig            `mapstructure:"store"`
	Routing          RoutingConfig          `mapstructure:"routing"`
	Guided           GuidedConfig           `mapstructure:"guided"`
	Retry            RetryConfig            `mapstructure:"retry"`
	Log              LogConfig              `mapstructure:"log"`
	Executors        []executor.CommandSpec `mapstructure:"executors"`
	Synthesizer      *executor.CommandSpec  `mapstructure:"synthesizer"`
	Errors           []errclass.Signature   `mapstructure:"errors"`
}

// Load reads the config file at path, applies environment overrides and
// defaults, and validates. An empty path reads the environment and defaults
// only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so environment overrides apply even
// when the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("manifest_path", "manifest.yaml")
	v.SetDefault("staleness_days", 180)
	v.SetDefault("listen_addr", ":9800")
	v.SetDefault("probe_concurrency", 4)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "threadline.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "threadline")
	v.SetDefault("routing.confidence_threshold", 0.7)
	v.SetDefault("routing.ambiguity_threshold", 0.2)
	v.SetDefault("guided.max_steps", 8)
	v.SetDefault("retry.max_retries", errclass.MaxRetries)
	v.SetDefault("retry.backoff", "200ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

func (c *Config) applyDefaults() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = 200 * time.Millisecond
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.ManifestPath == "" {
		problems = append(problems, "manifest_path is required")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required for postgres")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			problems = append(problems, "store.redis_addr is required for redis")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, redis, memory", c.Store.Driver))
	}
	if t := c.Routing.ConfidenceThreshold; t <= 0 || t > 1 {
		problems = append(problems, "routing.confidence_threshold must be in (0, 1]")
	}
	if t := c.Routing.AmbiguityThreshold; t < 0 || t > 1 {
		problems = append(problems, "routing.ambiguity_threshold must be in [0, 1]")
	}
	if c.Guided.MaxSteps < 1 || c.Guided.MaxSteps > 8 {
		problems = append(problems, "guided.max_steps must be between 1 and 8")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > errclass.MaxRetries {
		problems = append(problems, fmt.Sprintf("retry.max_retries must be between 0 and %d", errclass.MaxRetries))
	}
	if c.StalenessDays < 1 {
		problems = append(problems, "staleness_days must be positive")
	}
	seen := map[string]bool{}
	for i, e := range c.Executors {
		if e.Kind == "" || e.Command == "" {
			problems = append(problems, fmt.Sprintf("executors[%d]: kind and command are required", i))
			continue
		}
		if seen[e.Kind] {
			problems = append(problems, fmt.Sprintf("executors[%d]: kind %q declared twice", i, e.Kind))
		}
		seen[e.Kind] = true
	}
	if c.Synthesizer != nil && c.Synthesizer.Command == "" {
		problems = append(problems, "synthesizer.command is required when synthesizer is set")
	}
	if _, err := errclass.New(c.Errors); err != nil {
		problems = append(problems, "errors: "+err.Error())
	}

	if len(problems) > 0 {
		return domain.Detail(domain.ErrConfigInvalid, "%v", problems)
	}
	return nil
}
