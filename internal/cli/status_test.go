package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusWhenStopped(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "    []")
	withConfigPath(t, path)

	// No pid file in the data dir, so the daemon reads as stopped
	require.NoError(t, runStatus(statusCmd, nil))
}

func TestStopWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "    []")
	withConfigPath(t, path)

	require.NoError(t, runStop(stopCmd, nil))
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{2*time.Minute + 3*time.Second, "2m3s"},
		{time.Hour + time.Minute + time.Second, "1h1m1s"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatDuration(tc.in))
	}
}
