package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleClaimAndRelease(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "nara.pid")
	lm := NewLifecycleManager(pidFile)

	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = lm.GetPID()
	assert.Error(t, err)
	assert.False(t, lm.IsRunning())

	// Stop on an already-released pid file is not an error
	require.NoError(t, lm.Stop())
}

func TestLifecycleIgnoresStalePid(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nara.pid")

	// A pid that cannot belong to a live process
	require.NoError(t, os.WriteFile(pidFile, []byte("999999"), 0644))

	lm := NewLifecycleManager(pidFile)
	assert.False(t, lm.IsRunning())
	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleRejectsGarbagePidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nara.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0644))

	lm := NewLifecycleManager(pidFile)
	_, err := lm.GetPID()
	assert.Error(t, err)
	assert.False(t, lm.IsRunning())

	// Start still succeeds, replacing the garbage
	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleTerminatesPreviousInstance(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nara.pid")

	prev := exec.Command("sleep", "60")
	require.NoError(t, prev.Start())
	t.Cleanup(func() { _ = prev.Process.Kill(); _, _ = prev.Process.Wait() })

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(prev.Process.Pid)), 0644))

	lm := NewLifecycleManager(pidFile)
	require.NoError(t, lm.Start())

	// The previous process was signalled and exits
	done := make(chan struct{})
	go func() { _, _ = prev.Process.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("previous instance was not terminated")
	}

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
