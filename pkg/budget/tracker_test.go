package budget

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nara/pkg/statestore"
)

func newTestTracker(t *testing.T, limit int64, now *time.Time) *Tracker {
	t.Helper()
	store, err := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	tracker, err := NewTracker(store, limit, 0, WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return tracker
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(2), EstimateTokens("12345678"))
	assert.Equal(t, int64(3), EstimateTokens("1234567", "890123"))
}

func TestCheckAndRecord(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, 100, &now)

	ok, err := tracker.Check()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tracker.Record(100))

	ok, err = tracker.Check()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDayRolloverResetsCounter(t *testing.T) {
	now := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, 100, &now)

	require.NoError(t, tracker.Record(100))
	ok, err := tracker.Check()
	require.NoError(t, err)
	require.False(t, ok)

	// First access after midnight resets the counter
	now = now.Add(2 * time.Hour)
	ok, err = tracker.Check()
	require.NoError(t, err)
	assert.True(t, ok)

	used, limit, err := tracker.Usage()
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
	assert.Equal(t, int64(100), limit)
}

func TestNoResetMidDay(t *testing.T) {
	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, 1000, &now)

	require.NoError(t, tracker.Record(40))
	now = now.Add(5 * time.Hour)
	require.NoError(t, tracker.Record(20))

	used, _, err := tracker.Usage()
	require.NoError(t, err)
	assert.Equal(t, int64(60), used)
}

func TestWarningLevel(t *testing.T) {
	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, 100, &now)

	level, err := tracker.WarningLevel()
	require.NoError(t, err)
	assert.Equal(t, LevelOK, level)

	require.NoError(t, tracker.Record(80))
	level, err = tracker.WarningLevel()
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, level)

	require.NoError(t, tracker.Record(20))
	level, err = tracker.WarningLevel()
	require.NoError(t, err)
	assert.Equal(t, LevelExceeded, level)
}

func TestDefaultsApplied(t *testing.T) {
	store, err := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	tracker, err := NewTracker(store, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultDailyLimit), tracker.DailyLimit())
}
