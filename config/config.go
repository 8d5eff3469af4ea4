// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Field types accepted in a kind schema.
const (
	FieldDiscrete = "discrete"
	FieldText     = "text"
	FieldRange    = "range"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Storage  StorageConfig         `yaml:"storage"`
	Cache    CacheConfig           `yaml:"cache"`
	Kinds    map[string]KindConfig `yaml:"kinds"`
	Upstream UpstreamConfig        `yaml:"upstream"`
	Verify   VerifyConfig          `yaml:"verify"`
	Metrics  MetricsConfig         `yaml:"metrics"`
	Logging  LogConfig             `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port" env:"PORT"`

	// MasterKey protects every route except /health and /metrics when set.
	MasterKey string `yaml:"master_key" env:"FACTCACHE_MASTER_KEY"`

	// BodySizeLimit caps request bodies, e.g. "1M" or "512K".
	BodySizeLimit string `yaml:"body_size_limit" env:"BODY_SIZE_LIMIT"`
}

// StorageConfig selects the shared database backend.
type StorageConfig struct {
	// Type is "sqlite", "postgresql", "mongodb" or "bolt"
	Type       string           `yaml:"type" env:"STORAGE_TYPE"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	Bolt       BoltConfig       `yaml:"bolt"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" env:"SQLITE_PATH"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url" env:"POSTGRES_URL"`
	MaxConns int    `yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url" env:"MONGODB_URL"`
	Database string `yaml:"database" env:"MONGODB_DATABASE"`
}

// BoltConfig holds bbolt-specific configuration
type BoltConfig struct {
	Path string `yaml:"path" env:"BOLT_PATH"`
}

// CacheConfig configures the fact cache table and the read path.
type CacheConfig struct {
	// Backend is "storage" (shared database), "local" (JSON snapshot file),
	// "memory" or "redis".
	Backend   string      `yaml:"backend" env:"CACHE_BACKEND"`
	LocalPath string      `yaml:"local_path" env:"CACHE_LOCAL_PATH"`
	Redis     RedisConfig `yaml:"redis"`

	// DefaultTTL applies to kinds that do not set their own ttl.
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`

	// Retention is how long expired entries stay around for degraded
	// fallback before garbage collection. Zero disables collection.
	Retention  time.Duration `yaml:"retention" env:"CACHE_RETENTION"`
	GCInterval time.Duration `yaml:"gc_interval" env:"CACHE_GC_INTERVAL"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"CACHE_FETCH_TIMEOUT"`

	// MaxStaleness forces a synchronous refresh once an entry has been
	// expired for longer than this. Zero means unlimited.
	MaxStaleness time.Duration `yaml:"max_staleness" env:"CACHE_MAX_STALENESS"`
}

// RedisConfig holds Redis connection configuration for the cache.
type RedisConfig struct {
	URL    string `yaml:"url" env:"REDIS_URL"`
	Prefix string `yaml:"prefix" env:"REDIS_PREFIX"`
}

// KindConfig describes one logical cache namespace.
type KindConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Prompt string        `yaml:"prompt"`
	Fields []FieldConfig `yaml:"fields"`
}

// FieldConfig describes one request field used for key derivation.
type FieldConfig struct {
	Name string `yaml:"name"`
	// Type is "discrete", "text" or "range"
	Type  string    `yaml:"type"`
	Step  float64   `yaml:"step,omitempty"`
	Bands []float64 `yaml:"bands,omitempty"`
}

// UpstreamConfig configures the fact provider client.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url" env:"UPSTREAM_BASE_URL"`
	APIKey  string `yaml:"api_key" env:"UPSTREAM_API_KEY"`
	Model   string `yaml:"model" env:"UPSTREAM_MODEL"`

	SystemPrompt string `yaml:"system_prompt" env:"UPSTREAM_SYSTEM_PROMPT"`

	Timeout               time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" env:"UPSTREAM_RESPONSE_HEADER_TIMEOUT"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"CIRCUIT_BREAKER_SUCCESS_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"CIRCUIT_BREAKER_TIMEOUT"`
}

// VerifyConfig configures batch re-verification of the record catalog.
type VerifyConfig struct {
	Kind          string        `yaml:"kind" env:"VERIFY_KIND"`
	Deadline      time.Duration `yaml:"deadline" env:"VERIFY_DEADLINE"`
	RecordTimeout time.Duration `yaml:"record_timeout" env:"VERIFY_RECORD_TIMEOUT"`
	// Interval is the minimum gap between two upstream calls in a sweep.
	Interval time.Duration `yaml:"interval" env:"VERIFY_INTERVAL"`

	// Schedule is a cron expression (seconds field first) for the stale
	// sweep. Empty disables the scheduled sweep.
	Schedule  string `yaml:"schedule" env:"VERIFY_SCHEDULE"`
	StaleDays int    `yaml:"stale_days" env:"VERIFY_STALE_DAYS"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"METRICS_ENDPOINT"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level" env:"LOG_LEVEL"`
	// Format is "text", "json" or empty to pick by terminal detection
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Load reads configuration in layers: built-in defaults, then config.yaml
// (or the file named by FACTCACHE_CONFIG) with ${VAR:-default} expansion,
// then .env, then environment overrides.
func Load() (*Config, error) {
	// Optional .env; real environment variables take precedence over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	path := os.Getenv("FACTCACHE_CONFIG")
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := loadYAML(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, candidate := range []string{"config.yaml", "config/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := expandString(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "1M",
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/factcache.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "factcache"},
			Bolt:       BoltConfig{Path: "data/factcache.bolt"},
		},
		Cache: CacheConfig{
			Backend:      "storage",
			LocalPath:    "data/fact_cache.json",
			Redis:        RedisConfig{Prefix: "factcache:"},
			DefaultTTL:   24 * time.Hour,
			Retention:    30 * 24 * time.Hour,
			GCInterval:   time.Hour,
			FetchTimeout: 30 * time.Second,
		},
		Kinds: defaultKinds(),
		Upstream: UpstreamConfig{
			BaseURL:               "https://api.openai.com/v1",
			Model:                 "gpt-4o-search-preview",
			Timeout:               60 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Verify: VerifyConfig{
			Kind:          "verification",
			Deadline:      5 * time.Minute,
			RecordTimeout: 45 * time.Second,
			Interval:      500 * time.Millisecond,
			StaleDays:     30,
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

func defaultKinds() map[string]KindConfig {
	return map[string]KindConfig{
		"trending": {
			TTL:    time.Hour,
			Prompt: "List businesses currently trending in region {{region}} that need the skills {{skills}} and can start with a budget of about {{budget}}. Answer as JSON {\"businesses\": [...]}.",
			Fields: []FieldConfig{
				{Name: "region", Type: FieldDiscrete},
				{Name: "skills", Type: FieldText},
				{Name: "budget", Type: FieldRange, Step: 1000},
			},
		},
		"market": {
			TTL:    24 * time.Hour,
			Prompt: "Summarise current market conditions for {{industry}} in region {{region}}. Answer as JSON {\"summary\": \"...\", \"signals\": [...]}.",
			Fields: []FieldConfig{
				{Name: "region", Type: FieldDiscrete},
				{Name: "industry", Type: FieldText},
			},
		},
		"grants": {
			TTL:    72 * time.Hour,
			Prompt: "List open grants and funding programs in region {{region}} for {{sector}} ventures needing about {{amount}}. Answer as JSON {\"grants\": [...]}.",
			Fields: []FieldConfig{
				{Name: "region", Type: FieldDiscrete},
				{Name: "sector", Type: FieldText},
				{Name: "amount", Type: FieldRange, Bands: []float64{0, 5000, 25000, 100000, 500000}},
			},
		},
		"verification": {
			TTL:    24 * time.Hour,
			Prompt: "Check whether the program {{name}} run by {{organization}} in {{region}} ({{url}}) is still open. Answer as JSON {\"status\": \"open|closed|unknown\", \"notes\": \"...\"}.",
			Fields: []FieldConfig{
				{Name: "name", Type: FieldText},
				{Name: "organization", Type: FieldText},
				{Name: "region", Type: FieldDiscrete},
				{Name: "url", Type: FieldText},
			},
		},
	}
}

// applyEnvOverrides overwrites fields whose environment variable is set.
// Fields without a set variable keep their current value.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default} placeholders.
// A placeholder without a default whose variable is unset or empty is left
// untouched so a missing secret is visible rather than silently blank.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Validate checks the configuration for values that would fail at startup.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb", "bolt":
	default:
		return fmt.Errorf("invalid storage.type %q (valid: sqlite, postgresql, mongodb, bolt)", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgreSQL.URL == "" {
		return fmt.Errorf("storage.postgresql.url is required for postgresql storage")
	}
	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URL == "" {
		return fmt.Errorf("storage.mongodb.url is required for mongodb storage")
	}

	switch c.Cache.Backend {
	case "storage", "local", "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required for redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache.backend %q (valid: storage, local, memory, redis)", c.Cache.Backend)
	}
	if c.Cache.FetchTimeout <= 0 {
		return fmt.Errorf("cache.fetch_timeout must be positive")
	}
	if c.Cache.Retention < 0 || c.Cache.MaxStaleness < 0 {
		return fmt.Errorf("cache.retention and cache.max_staleness must not be negative")
	}

	for name, kind := range c.Kinds {
		if strings.Contains(name, "::") {
			return fmt.Errorf("kind %q must not contain \"::\"", name)
		}
		if kind.TTL < 0 {
			return fmt.Errorf("kinds.%s.ttl must not be negative", name)
		}
		for _, f := range kind.Fields {
			if f.Name == "" {
				return fmt.Errorf("kinds.%s has a field without a name", name)
			}
			switch f.Type {
			case FieldDiscrete, FieldText:
			case FieldRange:
				if f.Step < 0 {
					return fmt.Errorf("kinds.%s.%s step must not be negative", name, f.Name)
				}
			default:
				return fmt.Errorf("kinds.%s.%s has invalid type %q", name, f.Name, f.Type)
			}
		}
	}

	if c.Verify.Deadline <= 0 || c.Verify.RecordTimeout <= 0 {
		return fmt.Errorf("verify.deadline and verify.record_timeout must be positive")
	}
	if c.Verify.StaleDays < 0 {
		return fmt.Errorf("verify.stale_days must not be negative")
	}

	return ValidateBodySizeLimit(c.Server.BodySizeLimit)
}

// Body size limit bounds accepted by ValidateBodySizeLimit.
const (
	minBodySizeLimit = 1 << 10
	maxBodySizeLimit = 100 << 20
)

var bodySizePattern = regexp.MustCompile(`^(\d+)([KkMm]?)[Bb]?$`)

// ValidateBodySizeLimit checks a size string like "10M" or "512K".
// Empty is valid and means the default.
func ValidateBodySizeLimit(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil || (m[2] == "" && strings.HasSuffix(strings.ToUpper(s), "B")) {
		return fmt.Errorf("invalid body size limit %q (use e.g. 512K or 10M)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		n <<= 10
	case "M":
		n <<= 20
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return fmt.Errorf("body size limit %q out of range (1K to 100M)", s)
	}
	return nil
}
