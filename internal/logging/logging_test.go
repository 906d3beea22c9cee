package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greezybacon/mdrived/internal/config"
)

func TestNew_FileAndConsole(t *testing.T) {
	log, err := New(config.LoggingConfig{
		Level:   "info",
		File:    filepath.Join(t.TempDir(), "mdrived.log"),
		Console: true,
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Info("hello")
}

func TestNew_NoSinksReturnsNop(t *testing.T) {
	log, err := New(config.LoggingConfig{Level: "info"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNew_RejectsBadLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "not-a-level"})
	require.Error(t, err)
}

func TestForBus_AddsField(t *testing.T) {
	log, err := New(config.LoggingConfig{Level: "info", Console: true})
	require.NoError(t, err)
	scoped := ForBus(log, "/dev/ttyUSB0")
	require.NotNil(t, scoped)
}
