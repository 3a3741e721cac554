package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry stores the enabled adapters and fans messages out to them.
type Registry struct {
	onMessage OnMessageFunc

	mu       sync.RWMutex
	adapters map[string]Adapter
	started  map[string]bool
}

// NewRegistry constructs an adapter registry. Inbound messages from
// every started adapter flow into onMessage.
func NewRegistry(onMessage OnMessageFunc) *Registry {
	return &Registry{
		onMessage: onMessage,
		adapters:  make(map[string]Adapter),
		started:   make(map[string]bool),
	}
}

// Register adds an adapter to the registry
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("adapter name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns a registered adapter by name
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.TrimSpace(name)]
	return a, ok
}

// Names returns sorted registered adapter names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every registered adapter. An adapter whose
// credentials are rejected is logged and left stopped; the remaining
// adapters still start.
func (r *Registry) StartAll(ctx context.Context) error {
	var started int
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				log.Error().Err(err).Str("adapter", name).Msg("Adapter auth failed, leaving it disabled")
				continue
			}
			return err
		}
		started++
	}
	if started == 0 && len(r.Names()) > 0 {
		return fmt.Errorf("no adapter could be started")
	}
	return nil
}

// StopAll stops started adapters in reverse registration order
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered adapter by name
func (r *Registry) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	a, ok := r.adapters[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("adapter %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := a.Start(ctx, r.onMessage); err != nil {
		return fmt.Errorf("failed to start adapter %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()

	log.Info().Str("adapter", name).Msg("Adapter started")
	return nil
}

// Stop stops a started adapter by name
func (r *Registry) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	a, ok := r.adapters[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("adapter %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := a.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop adapter %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()

	return nil
}

// Broadcast sends text to one chat on every started adapter. Used by
// task notifications.
func (r *Registry) Broadcast(ctx context.Context, chatID, text string) {
	r.mu.RLock()
	var active []Adapter
	for name, a := range r.adapters {
		if r.started[name] {
			active = append(active, a)
		}
	}
	r.mu.RUnlock()

	for _, a := range active {
		if err := a.SendMessage(ctx, chatID, text); err != nil {
			log.Error().Err(err).Str("adapter", a.Name()).Str("chat", chatID).Msg("Broadcast send failed")
		}
	}
}
