package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nara/internal/config"
)

// withConfigPath points the global --config flag at a temp path for the
// duration of one test.
func withConfigPath(t *testing.T, path string) {
	t.Helper()
	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nara.yaml")
	withConfigPath(t, path)

	require.NoError(t, runInit(initCmd, nil))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Engine.Bin)
	assert.Equal(t, int64(50000), cfg.Budget.DailyLimit)
	assert.False(t, cfg.Telegram.Enabled)
	assert.Empty(t, cfg.Heartbeat.Tasks)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nara.yaml")
	withConfigPath(t, path)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  bin: mine\n"), 0600))

	err := runInit(initCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// Original content untouched
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mine")
}

func TestInitForceOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nara.yaml")
	withConfigPath(t, path)
	require.NoError(t, os.WriteFile(path, []byte("old: true\n"), 0600))

	initForce = true
	t.Cleanup(func() { initForce = false })

	require.NoError(t, runInit(initCmd, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "engine:")
}

func TestLoadConfigMissingFileSuggestsInit(t *testing.T) {
	withConfigPath(t, filepath.Join(t.TempDir(), "absent.yaml"))

	_, _, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nara init")
}
