package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/eventflow/internal/engine"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := &cobra.Command{Use: "test"}
	setupFlags(cmd)
	setupServeFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cmd := newTestCommand(t)
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	home := os.Getenv("HOME")
	assert.Equal(t, filepath.Join(home, ".eventflow", "eventflow.db"), cfg.DBPath)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, engine.DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, engine.DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, "*/5 * * * *", cfg.HousekeepingCron)
	assert.True(t, cfg.LearnFields)
	assert.False(t, cfg.ImmediateDispatch)
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(settings, []byte(
		"pool_size: 3\nlisten_addr: \":9000\"\nretention: 48h\nlog_level: debug\n"), 0o600))

	cmd := newTestCommand(t, "--config-file", settings, "--listen-addr", ":9100")
	t.Setenv("EVENTFLOW_POOL_SIZE", "7")

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PoolSize, "env beats file")
	assert.Equal(t, ":9100", cfg.ListenAddr, "flag beats file")
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	cmd := newTestCommand(t, "--config-file", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := loadConfig(cmd)
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadBackoff(t *testing.T) {
	cmd := newTestCommand(t)
	t.Setenv("EVENTFLOW_RETRY_BACKOFF", "fibonacci")
	_, err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fibonacci")
}

func TestConfigDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db", Config{DBPath: "/tmp/a.db"}.dsn())
	assert.Equal(t, "file:/tmp/a.db", Config{DBPath: "file:/tmp/a.db"}.dsn())
	assert.Equal(t, "libsql://db.example.com", Config{DBPath: "libsql://db.example.com"}.dsn())
}

func TestConfigRetryPolicy(t *testing.T) {
	cfg := Config{MaxAttempts: 4, RetryBackoff: "linear", RetryDelay: 2 * time.Second, RetryMaxDelay: time.Minute}
	p := cfg.RetryPolicy()
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, "linear", p.Backoff)
	assert.Equal(t, "2s", p.Delay)
	assert.Equal(t, "1m0s", p.MaxDelay)
	assert.NoError(t, engine.ValidateRetryPolicy(p))
}
