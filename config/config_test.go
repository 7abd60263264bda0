package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 90, cfg.IPAM.QuarantineDays)
	assert.Equal(t, 1024, cfg.IPAM.BulkLimit)
	assert.Equal(t, "10.0.0.0/8", cfg.IPAM.PrivateScope)
	assert.Equal(t, time.Hour, cfg.Sweeper.Interval)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("IPAMD_IPAM_QUARANTINE_DAYS", "30")
	t.Setenv("IPAMD_SWEEPER_INTERVAL", "5m")
	t.Setenv("IPAMD_DATABASE_DRIVER", "postgres")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.IPAM.QuarantineDays)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipamd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: "9090"
ipam:
  quarantine_days: 7
  private_scope: 172.16.0.0/12
lock:
  backend: redis
  redis_addr: redis:6379
`), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.HTTPPort)
	assert.Equal(t, 7, cfg.IPAM.QuarantineDays)
	assert.Equal(t, "172.16.0.0/12", cfg.IPAM.PrivateScope)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "redis:6379", cfg.Lock.RedisAddr)
	// untouched keys keep defaults
	assert.Equal(t, 1024, cfg.IPAM.BulkLimit)

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	bad := *cfg
	bad.IPAM.QuarantineDays = -1
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.IPAM.BulkLimit = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Lock.Backend = "zookeeper"
	assert.Error(t, bad.Validate())
}
