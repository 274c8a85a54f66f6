package config_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/rental-store/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Backend)
	assert.Equal(t, "@rental:", cfg.KeyPrefix)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.QueryCacheTTL)

	p := cfg.VerifyPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 200*time.Millisecond, p.Settle)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("VERIFY_ATTEMPTS", "5")
	t.Setenv("VERIFY_SETTLE", "300ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Load()
	require.NoError(t, err)
	opts := cfg.BackendOptions()
	assert.Equal(t, "redis", opts.Kind)
	assert.Equal(t, "cache:6380", opts.Redis.Address)
	assert.Equal(t, 2, opts.Redis.DB)
	assert.Equal(t, 5, cfg.VerifyPolicy().Attempts)
	assert.Equal(t, 300*time.Millisecond, cfg.VerifyPolicy().Settle)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("VERIFY_ATTEMPTS", "0")
	_, err := config.Load()
	assert.Error(t, err)

	t.Setenv("VERIFY_ATTEMPTS", "three")
	_, err = config.Load()
	assert.Error(t, err)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9090", config.Config{Host: "127.0.0.1", Port: "9090"}.Addr())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{LogLevel: "warn", LogFormat: "json"}
	log := cfg.NewLogger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
