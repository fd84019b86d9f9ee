// Package config loads the conversation memory service configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nainya/convmemory/pkg/contextstore"
	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/enricher"
	"github.com/nainya/convmemory/pkg/summarizer"
)

// Backend types
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the full service configuration
type Config struct {
	Store      contextstore.Config `yaml:"store"`
	Enricher   enricher.Config     `yaml:"enricher"`
	Summarizer summarizer.Config   `yaml:"summarizer"`
	Policies   []PolicyConfig      `yaml:"policies"`
	Backend    BackendConfig       `yaml:"backend"`
	Server     ServerConfig        `yaml:"server"`
	Scheduler  SchedulerConfig     `yaml:"scheduler"`
	Log        LogConfig           `yaml:"log"`
}

// PolicyConfig is an expiration policy as written in YAML
type PolicyConfig struct {
	Name          string        `yaml:"name"`
	MaxAge        time.Duration `yaml:"max_age,omitempty"`
	MaxInactivity time.Duration `yaml:"max_inactivity,omitempty"`
	Priority      string        `yaml:"priority,omitempty"`
	Conditions    []string      `yaml:"conditions,omitempty"`
}

// BackendConfig selects and configures the context repository
type BackendConfig struct {
	Type     string         `yaml:"type"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Cache    CacheConfig    `yaml:"cache,omitempty"`
}

// Shared reports whether the backend is visible outside this process. A
// memory backend in the daemon only ever holds what the daemon wrote.
func (b BackendConfig) Shared() bool {
	return b.Type != BackendMemory
}

// RedisConfig configures the redis backend
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// PostgresConfig configures the postgres backend
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table,omitempty"`
}

// SQLiteConfig configures the sqlite backend
type SQLiteConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table,omitempty"`
}

// CacheConfig enables the in-process read cache in front of the backend
type CacheConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxCostBytes int64 `yaml:"max_cost_bytes,omitempty"`
	NumCounters  int64 `yaml:"num_counters,omitempty"`
}

// ServerConfig holds listener ports
type ServerConfig struct {
	GrpcPort    int `yaml:"grpc_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// SchedulerConfig holds maintenance intervals; zero disables a job
type SchedulerConfig struct {
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	cfg := Config{
		Store:      contextstore.DefaultConfig(),
		Enricher:   enricher.DefaultConfig(),
		Summarizer: summarizer.DefaultConfig(),
		// The daemon's gRPC surface only reads, so its default backend has to
		// be one the writing process can also open.
		Backend: BackendConfig{
			Type:   BackendSQLite,
			SQLite: SQLiteConfig{Path: "convmemory.db"},
		},
		Server: ServerConfig{
			GrpcPort:    50061,
			MetricsPort: 9091,
		},
		Scheduler: SchedulerConfig{
			CleanupInterval:  10 * time.Minute,
			OptimizeInterval: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
	for _, p := range conversation.DefaultPolicies() {
		cfg.Policies = append(cfg.Policies, PolicyConfig{
			Name:          p.Name,
			MaxAge:        p.MaxAge,
			MaxInactivity: p.MaxInactivity,
			Priority:      p.Priority,
		})
	}
	return cfg
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would make the engine misbehave
func (c Config) Validate() error {
	var errs []error

	if c.Store.ExpirationHours <= 0 {
		errs = append(errs, errors.New("store.expiration_hours must be positive"))
	}
	if c.Store.MaxTurnsPerContext <= 0 {
		errs = append(errs, errors.New("store.max_turns_per_context must be positive"))
	}
	if c.Summarizer.PreserveRecentTurns < 0 || c.Summarizer.PreserveRecentTurns >= c.Summarizer.MaxContextLength {
		errs = append(errs, errors.New("summarizer.preserve_recent_turns must be below max_context_length"))
	}
	if c.Summarizer.CompressionRatio <= 0 || c.Summarizer.CompressionRatio > 1 {
		errs = append(errs, errors.New("summarizer.compression_ratio must be in (0, 1]"))
	}
	if c.Enricher.SemanticWeight < 0 || c.Enricher.RecencyWeight < 0 {
		errs = append(errs, errors.New("enricher weights must not be negative"))
	}
	if _, err := c.ExpirationPolicies(); err != nil {
		errs = append(errs, err)
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendRedis:
		if c.Backend.Redis.Addr == "" {
			errs = append(errs, errors.New("backend.redis.addr is required"))
		}
	case BackendPostgres:
		if c.Backend.Postgres.DSN == "" {
			errs = append(errs, errors.New("backend.postgres.dsn is required"))
		}
	case BackendSQLite:
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, errors.New("backend.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend type %q", c.Backend.Type))
	}

	if c.Server.GrpcPort <= 0 || c.Server.GrpcPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GrpcPort))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort))
	}
	if c.Scheduler.CleanupInterval < 0 || c.Scheduler.OptimizeInterval < 0 {
		errs = append(errs, errors.New("scheduler intervals must not be negative"))
	}

	return errors.Join(errs...)
}

// ExpirationPolicies converts the configured policies, resolving condition names
func (c Config) ExpirationPolicies() ([]conversation.ExpirationPolicy, error) {
	policies := make([]conversation.ExpirationPolicy, 0, len(c.Policies))
	for _, pc := range c.Policies {
		if pc.Name == "" {
			return nil, errors.New("policy name is required")
		}
		if pc.MaxAge < 0 || pc.MaxInactivity < 0 {
			return nil, fmt.Errorf("policy %s: durations must not be negative", pc.Name)
		}
		p := conversation.ExpirationPolicy{
			Name:          pc.Name,
			MaxAge:        pc.MaxAge,
			MaxInactivity: pc.MaxInactivity,
			Priority:      pc.Priority,
		}
		for _, name := range pc.Conditions {
			cond, err := conversation.ParseCondition(name)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", pc.Name, err)
			}
			p.Conditions = append(p.Conditions, cond)
		}
		policies = append(policies, p)
	}
	return policies, nil
}
