package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nara.log")

	l, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)

	l.GetZerolog().Info().Str("k", "v").Msg("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	l, err := New(Config{Level: "nonsense", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.GetZerolog().GetLevel().String())
}

func TestComponentLoggerTagsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nara.log")
	l, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)

	l.Component("scheduler").Info().Msg("tick")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"scheduler"`)
}
