// Package budget enforces a soft daily token cap shared by interactive
// and scheduled engine calls.
package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nara/pkg/statestore"
)

// ErrExceeded is returned when a spend would pass the daily limit
var ErrExceeded = errors.New("daily token budget exceeded")

// Level classifies current spend against the daily limit
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelExceeded Level = "exceeded"
)

const (
	// DefaultDailyLimit is the default daily token allowance
	DefaultDailyLimit = 50000
	// DefaultWarnFraction is the share of the limit that flips the
	// level to warning
	DefaultWarnFraction = 0.8
	// charsPerToken is the character-count heuristic divisor. Spend is
	// an estimate, not an exact count from the engine.
	charsPerToken = 4
)

// Tracker gates spawns against the persisted daily counter. Every call
// goes through the state store read-check-write cycle so the day
// rollover is race-safe across the daemon and one-shot commands.
type Tracker struct {
	store        *statestore.Store
	dailyLimit   int64
	warnFraction float64
	now          func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the wall clock, for tests
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over the shared state store. A zero
// dailyLimit or warnFraction selects the defaults.
func NewTracker(store *statestore.Store, dailyLimit int64, warnFraction float64, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	if warnFraction <= 0 || warnFraction > 1 {
		warnFraction = DefaultWarnFraction
	}
	t := &Tracker{
		store:        store,
		dailyLimit:   dailyLimit,
		warnFraction: warnFraction,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// DailyLimit returns the configured limit
func (t *Tracker) DailyLimit() int64 {
	return t.dailyLimit
}

// EstimateTokens converts prompt and output text into the heuristic
// token cost recorded against the budget.
func EstimateTokens(texts ...string) int64 {
	var chars int
	for _, s := range texts {
		chars += len(s)
	}
	return int64(chars / charsPerToken)
}

func (t *Tracker) dayKey() string {
	return t.now().Format("2006-01-02")
}

// rollover resets the counter when the stored date is not today.
// Idempotent within a day.
func (t *Tracker) rollover(b *statestore.Budget) {
	today := t.dayKey()
	if b.Date != today {
		if b.Date != "" {
			log.Info().Str("from", b.Date).Str("to", today).Msg("Budget day rollover, counter reset")
		}
		b.Date = today
		b.TokensUsed = 0
	}
}

// Check reports whether spend is still below the daily limit, rolling
// the date over first.
func (t *Tracker) Check() (bool, error) {
	var ok bool
	err := t.store.Update(func(state *statestore.DaemonState) error {
		t.rollover(&state.Budget)
		ok = state.Budget.TokensUsed < t.dailyLimit
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check budget: %w", err)
	}
	return ok, nil
}

// Record adds an estimated spend to today's counter
func (t *Tracker) Record(tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	err := t.store.Update(func(state *statestore.DaemonState) error {
		t.rollover(&state.Budget)
		state.Budget.TokensUsed += tokens
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record tokens: %w", err)
	}
	return nil
}

// Usage returns today's spend and the configured limit
func (t *Tracker) Usage() (used int64, limit int64, err error) {
	err = t.store.Update(func(state *statestore.DaemonState) error {
		t.rollover(&state.Budget)
		used = state.Budget.TokensUsed
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read budget: %w", err)
	}
	return used, t.dailyLimit, nil
}

// WarningLevel classifies today's spend. Observability only, the hard
// gate is Check.
func (t *Tracker) WarningLevel() (Level, error) {
	used, limit, err := t.Usage()
	if err != nil {
		return LevelOK, err
	}
	switch {
	case used >= limit:
		return LevelExceeded, nil
	case float64(used) >= t.warnFraction*float64(limit):
		return LevelWarning, nil
	default:
		return LevelOK, nil
	}
}
