package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Auth.CacheTTL)
	assert.Equal(t, WindowLimits{Minute: 1000, Hour: 10000, Day: 100000, Burst: 50}, cfg.RateLimit.Limits)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, int64(50<<20), cfg.Validation.MaxPayloadBytes)
	assert.Equal(t, 10, cfg.Validation.MaxDepth)
	assert.Equal(t, 1000, cfg.Validation.MaxArrayLen)
	assert.Equal(t, 500, cfg.Validation.MaxHeaderLen)
	assert.Equal(t, "partner.usage", cfg.Usage.Topic)
	assert.Equal(t, "partner.key_events", cfg.Outbox.KeyEventsTopic)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Zero(t, cfg.RateLimit.IPGuardRPS)
	assert.Empty(t, cfg.HTTP.TrustedProxies)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.SweepInterval)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  limits:\n    burst: 7\nlog:\n  level: debug\n"), 0o600))
	t.Setenv("PGW_RATE_LIMIT_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.RateLimit.Limits.Burst)
	assert.Equal(t, 1000, cfg.RateLimit.Limits.Minute)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.RateLimit.Backend = "memcached"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RateLimit.Limits.Burst = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Auth.CacheTTL = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.HTTP.TrustedProxies = []string{"10.0.0.0/8", "lb.internal"}
	assert.ErrorContains(t, bad.Validate(), "trusted_proxies")

	ok := cfg
	ok.HTTP.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1", "2001:db8::/32"}
	assert.NoError(t, ok.Validate())
}
