package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return store
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestLoadMissingFileYieldsZeroState(t *testing.T) {
	store := newTestStore(t)

	state, err := store.Load()
	require.NoError(t, err)

	assert.Zero(t, state.PID)
	assert.Empty(t, state.Sessions)
	assert.Empty(t, state.Tasks)
	assert.NotNil(t, state.Sessions)
	assert.NotNil(t, state.SessionNames)
}

func TestUpdatePersistsMutation(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(state *DaemonState) error {
		state.PID = 4242
		state.Sessions["chat-1"] = &Session{
			ChatID:          "chat-1",
			EngineSessionID: "abc",
			Cwd:             "/tmp",
			CreatedAt:       time.Now(),
		}
		return nil
	})
	require.NoError(t, err)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 4242, state.PID)
	require.Contains(t, state.Sessions, "chat-1")
	assert.Equal(t, "abc", state.Sessions["chat-1"].EngineSessionID)
}

func TestUpdateErrorDiscardsMutation(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(state *DaemonState) error {
		state.PID = 1
		return nil
	}))

	err := store.Update(func(state *DaemonState) error {
		state.PID = 2
		return os.ErrInvalid
	})
	require.Error(t, err)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, state.PID)
}

func TestLoadAlwaysReadsFresh(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(state *DaemonState) error {
		state.Budget = Budget{Date: "2026-08-28", TokensUsed: 10}
		return nil
	}))

	// Simulate another process writing the same file
	other, err := New(store.Path())
	require.NoError(t, err)
	require.NoError(t, other.Update(func(state *DaemonState) error {
		state.Budget.TokensUsed = 99
		return nil
	}))

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(99), state.Budget.TokensUsed)
}

func TestPersistLeavesNoTempFile(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(state *DaemonState) error {
		state.PID = 7
		return nil
	}))

	_, err := os.Stat(store.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
