package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 48, cfg.Scheduler.MaxSubscriptions)
	assert.Equal(t, "driver_group", cfg.Scheduler.Policy)
	assert.Equal(t, "/dev", cfg.DeviceDir)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdrived.yaml")
	contents := []byte(`
scheduler:
  max_workers: 4
  policy: least_busy
buses:
  - id: bus0
    conn_string: "mdrive:///dev/ttyUSB0@9600:1"
    auto_open: true
logging:
  level: debug
  file: /tmp/mdrived.log
`)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, "least_busy", cfg.Scheduler.Policy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Buses, 1)
	assert.Equal(t, "bus0", cfg.Buses[0].ID)
	assert.True(t, cfg.Buses[0].AutoOpen)
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdrived.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  policy: bogus\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/mdrived.yaml")
	require.Error(t, err)
}
