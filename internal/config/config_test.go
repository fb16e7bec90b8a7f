package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowOrigins)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "flag-changes", cfg.Kafka.Topic)
	assert.Equal(t, 60*time.Second, cfg.Cache.DefinitionNegTTL())
	assert.Equal(t, int64(100), cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.Metrics.FlushInterval())
	assert.Equal(t, 5*time.Minute, cfg.Metrics.PeriodWidth())
}

func TestApplyEnvOverridesWinsOverYAMLDefaults(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("RATE_LIMIT_LIMIT", "250")
	os.Setenv("METRICS_PERIOD_MIN", "15")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("RATE_LIMIT_LIMIT")
	defer os.Unsetenv("METRICS_PERIOD_MIN")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, int64(250), cfg.RateLimit.Limit)
	assert.Equal(t, 15*time.Minute, cfg.Metrics.PeriodWidth())
}

func TestCacheConfigDurationHelpers(t *testing.T) {
	cfg := CacheConfig{DefinitionHitTTLSec: 300, DefinitionNegTTLSec: 60, ResultTTLSec: 45}
	assert.Equal(t, 300*time.Second, cfg.DefinitionHitTTL())
	assert.Equal(t, 60*time.Second, cfg.DefinitionNegTTL())
	assert.Equal(t, 45*time.Second, cfg.ResultTTL())
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Env: "production"}}
	assert.True(t, cfg.IsProduction())

	cfg.Server.Env = "development"
	assert.False(t, cfg.IsProduction())
}
