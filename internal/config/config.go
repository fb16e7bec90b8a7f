package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Feature Flag Evaluation Service - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig points at the Postgres instance backing flag/rule
// definitions and persisted metrics buckets.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_sec"`
}

// RedisConfig is optional — when Addr is empty, the definition store,
// evaluation cache, and rate limiter all fall back to in-process state.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig is optional — when Enabled is false, the change bus stays
// purely in-process and never fans out across instances.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// CacheConfig carries the TTLs for the definition store and the
// evaluation result cache (spec §4.4, §4.5).
type CacheConfig struct {
	DefinitionHitTTLSec int `yaml:"definition_hit_ttl_sec"`
	DefinitionNegTTLSec int `yaml:"definition_negative_ttl_sec"`
	ResultTTLSec        int `yaml:"result_ttl_sec"`
}

func (c CacheConfig) DefinitionHitTTL() time.Duration {
	return time.Duration(c.DefinitionHitTTLSec) * time.Second
}

func (c CacheConfig) DefinitionNegTTL() time.Duration {
	return time.Duration(c.DefinitionNegTTLSec) * time.Second
}

func (c CacheConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSec) * time.Second
}

// RateLimitConfig configures the per-tenant fixed window (spec §4.9).
type RateLimitConfig struct {
	WindowMs int   `yaml:"window_ms"`
	Limit    int64 `yaml:"limit"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// MetricsConfig configures the aggregator's bucket width and flush
// cadence (spec §4.8).
type MetricsConfig struct {
	FlushIntervalSec int `yaml:"flush_interval_sec"`
	PeriodMin        int `yaml:"period_min"`
}

func (c MetricsConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

// PeriodWidth is the width of each "YYYY-MM-DD-HH-n" aggregation bucket.
func (c MetricsConfig) PeriodWidth() time.Duration {
	return time.Duration(c.PeriodMin) * time.Minute
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading config.yaml (or
// CONFIG_PATH) once and applying environment overrides on top.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever was loaded from YAML (or the zero value, if nothing was).
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("FLAGFORGE_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}
	if v := getEnvInt("DATABASE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConns = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	c.Kafka.Enabled = getEnvBool("KAFKA_ENABLED", c.Kafka.Enabled)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitCSV(brokers)
	}
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)

	if v := getEnvInt("DEFINITION_HIT_TTL_SEC", 0); v > 0 {
		c.Cache.DefinitionHitTTLSec = v
	}
	if v := getEnvInt("DEFINITION_NEGATIVE_TTL_SEC", 0); v > 0 {
		c.Cache.DefinitionNegTTLSec = v
	}
	if v := getEnvInt("RESULT_CACHE_TTL_SEC", 0); v > 0 {
		c.Cache.ResultTTLSec = v
	}

	if v := getEnvInt("RATE_LIMIT_WINDOW_MS", 0); v > 0 {
		c.RateLimit.WindowMs = v
	}
	if v := getEnvInt("RATE_LIMIT_LIMIT", 0); v > 0 {
		c.RateLimit.Limit = int64(v)
	}

	if v := getEnvInt("METRICS_FLUSH_INTERVAL_SEC", 0); v > 0 {
		c.Metrics.FlushIntervalSec = v
	}
	if v := getEnvInt("METRICS_PERIOD_MIN", 0); v > 0 {
		c.Metrics.PeriodMin = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 300
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "flag-changes"
	}
	if c.Cache.DefinitionHitTTLSec == 0 {
		c.Cache.DefinitionHitTTLSec = 300
	}
	if c.Cache.DefinitionNegTTLSec == 0 {
		c.Cache.DefinitionNegTTLSec = 60
	}
	if c.Cache.ResultTTLSec == 0 {
		c.Cache.ResultTTLSec = 60
	}
	if c.RateLimit.WindowMs == 0 {
		c.RateLimit.WindowMs = 1000
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 100
	}
	if c.Metrics.FlushIntervalSec == 0 {
		c.Metrics.FlushIntervalSec = 60
	}
	if c.Metrics.PeriodMin == 0 {
		c.Metrics.PeriodMin = 5
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
