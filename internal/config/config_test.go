package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("DECARD_ALLOWED_IPS", "")
	t.Setenv("STREAM_PARTITIONS", "")
	t.Setenv("METRICS_PORT", "")
	t.Setenv("AUTO_MIGRATE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "3001", cfg.IngressPort)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "payment.webhook.decard", cfg.Topic)
	assert.Equal(t, 8, cfg.Partitions)
	assert.Equal(t, 10, cfg.MaxDeliveries)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, time.Minute, cfg.TrimInterval)
	assert.Len(t, cfg.AllowedIPs, 7)
	assert.Error(t, cfg.RequireDB())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://u:p@localhost:5432/ledger")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DECARD_ALLOWED_IPS", " 10.0.0.1, ,10.0.0.2 ")
	t.Setenv("STREAM_PARTITIONS", "4")
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.NoError(t, cfg.RequireDB())
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.AllowedIPList())
	assert.Equal(t, 4, cfg.Partitions)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.True(t, cfg.TrustProxyHeaders)

	list := cfg.AllowedIPList()
	list[0] = "mutated"
	assert.Equal(t, "10.0.0.1", cfg.AllowedIPs[0])
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STREAM_PARTITIONS", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STREAM_PARTITIONS", "")
	t.Setenv("LOCK_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)
}
