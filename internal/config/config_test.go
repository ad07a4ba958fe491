package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "/var/lib/helmsman", cfg.DataDir)
	assert.Equal(t, 10, cfg.RatePerMinute)
	assert.Equal(t, 10, cfg.MaxExecutionsPerHour)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 10*time.Minute, cfg.BreakerWindow)
	assert.Equal(t, 5*time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, 2*time.Minute, cfg.QuickCheckInterval)
	assert.Equal(t, 85.0, cfg.DiskWarnPercent)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HELMSMAN_DATA_DIR", t.TempDir())
	t.Setenv("HELMSMAN_RATE_PER_MINUTE", "5")
	t.Setenv("HELMSMAN_BREAKER_WINDOW", "15m")
	t.Setenv("HELMSMAN_DISK_WARN_PERCENT", "80")
	t.Setenv("HELMSMAN_LOG_LEVEL", "debug")
	t.Setenv("HELMSMAN_LOG_COMPRESS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RatePerMinute)
	assert.Equal(t, 15*time.Minute, cfg.BreakerWindow)
	assert.Equal(t, 80.0, cfg.DiskWarnPercent)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.LogCompress)
	assert.True(t, cfg.EnvOverrides["HELMSMAN_RATE_PER_MINUTE"])
	assert.False(t, cfg.EnvOverrides["HELMSMAN_MAX_PENDING_APPROVALS"])
}

func TestLoadBareSecondsDuration(t *testing.T) {
	t.Setenv("HELMSMAN_DATA_DIR", t.TempDir())
	t.Setenv("HELMSMAN_APPROVAL_TIMEOUT", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.ApprovalTimeout)
}

func TestLoadInvalidValuesIgnored(t *testing.T) {
	t.Setenv("HELMSMAN_DATA_DIR", t.TempDir())
	t.Setenv("HELMSMAN_RATE_PER_MINUTE", "not-a-number")
	t.Setenv("HELMSMAN_BREAKER_WINDOW", "sideways")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RatePerMinute)
	assert.Equal(t, 10*time.Minute, cfg.BreakerWindow)
	assert.False(t, cfg.EnvOverrides["HELMSMAN_RATE_PER_MINUTE"])
}

func TestDataDirDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HELMSMAN_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "actions"), cfg.ActionsDir)
	assert.Equal(t, filepath.Join(dir, "audit.jsonl"), cfg.AuditLog)
}

func TestDotEnvFileLoaded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("HELMSMAN_MAX_EXECUTIONS_PER_HOUR=25\n"), 0o600))
	t.Setenv("HELMSMAN_DATA_DIR", dir)
	// godotenv sets process env vars; make sure the key is cleared afterwards.
	t.Cleanup(func() { os.Unsetenv("HELMSMAN_MAX_EXECUTIONS_PER_HOUR") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxExecutionsPerHour)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Defaults()
	cfg.DiskCritPercent = 50 // below warn
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.BreakerThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.RatePerMinute = -1
	assert.Error(t, cfg.Validate())
}
