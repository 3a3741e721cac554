package engine

import (
	"errors"
	"strings"
)

// ErrSpawnTimeout marks a spawn killed by its deadline, distinct from
// an engine-reported failure
var ErrSpawnTimeout = errors.New("engine spawn timed out")

// ErrSessionNotFound marks an engine rejection of a resume id, which
// the session manager recovers from exactly once
var ErrSessionNotFound = errors.New("engine session not found")

// sessionNotFoundMarkers are matched against the engine's combined
// output when a call fails.
var sessionNotFoundMarkers = []string{
	"No conversation found",
	"session not found",
}

// IsSessionNotFound reports whether err is the expired-session case
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsTimeout reports whether err is the spawn-deadline case
func IsTimeout(err error) bool {
	return errors.Is(err, ErrSpawnTimeout)
}

func outputIndicatesMissingSession(output string) bool {
	for _, marker := range sessionNotFoundMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
