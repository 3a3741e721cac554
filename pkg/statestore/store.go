// Package statestore persists the daemon's shared snapshot as a JSON file.
// Every access re-reads the file so the long-running daemon and one-shot
// CLI commands never disagree; there is no in-memory cache.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store reads and writes the daemon state file. The mutex only guards
// against concurrent mutation within one process; cross-process safety
// relies on atomic rename and read-fresh semantics.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store backed by the given file path
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file fresh. A missing file yields zero state.
func (s *Store) Load() (*DaemonState, error) {
	state := &DaemonState{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			state.ensureMaps()
			return state, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	state.ensureMaps()
	return state, nil
}

// Update runs a read-mutate-write cycle under the process-local lock.
// The mutation is discarded if fn returns an error.
func (s *Store) Update(fn func(*DaemonState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.persist(state)
}

func (s *Store) persist(state *DaemonState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	log.Debug().Str("path", s.path).Msg("Persisted daemon state")

	return nil
}
