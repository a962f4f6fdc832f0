package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 1000, cfg.Scheduler.MaxSlotsPerWindow)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, 5, cfg.Dispatch.CASRetries)
	assert.Equal(t, ":8080", cfg.Web.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Redis.ClaimTTL)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: test.db
scheduler:
  tick_interval: 2s
  timezone: UTC
  catchup_max_age: 24h
gateway:
  base_url: http://localhost:3000
monitoring:
  recipients:
    - "6281"
    - "6282"
`), 0o644))
	t.Setenv("SCHEDULER_WORKERS", "3")
	t.Setenv("GATEWAY_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "test.db", cfg.Database.DSN)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.CatchUpMaxAge)
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, "http://localhost:3000", cfg.Gateway.BaseURL)
	assert.Equal(t, "from-env", cfg.Gateway.Token)
	assert.Equal(t, []string{"6281", "6282"}, cfg.Monitoring.Recipients)

	loc, err := cfg.Scheduler.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	_, err := Load("")
	assert.ErrorContains(t, err, "database.driver")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Database:  DatabaseConfig{Driver: "sqlite"},
		Scheduler: SchedulerConfig{TickInterval: time.Second, RefreshInterval: time.Minute},
	}
	require.NoError(t, cfg.Validate())

	cfg.Scheduler.TickInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.Scheduler.TickInterval = time.Second
	cfg.Scheduler.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())
}
