// Package session maps chat identities to persistent engine
// conversations and drives the create/resume state machine the engine
// contract requires.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/nara/pkg/engine"
	"github.com/harun/nara/pkg/statestore"
)

// Manager owns the sessions map inside the shared state store. A
// session is created with a fresh engine id and flips to started after
// its first successful spawn; from then on the id must be passed as a
// resume argument, never as a create argument.
type Manager struct {
	store      *statestore.Store
	spawner    *engine.Spawner
	defaultCwd string
	now        func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the wall clock, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager over the shared state store
func NewManager(store *statestore.Store, spawner *engine.Spawner, defaultCwd string, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	m := &Manager{
		store:      store,
		spawner:    spawner,
		defaultCwd: defaultCwd,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns the chat's session, or nil if none exists
func (m *Manager) Get(chatID string) (*statestore.Session, error) {
	state, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	return state.Sessions[chatID], nil
}

// Create allocates a fresh session for the chat, replacing any
// existing one. The new session has never incurred a spawn.
func (m *Manager) Create(chatID, cwd, name string) (*statestore.Session, error) {
	if cwd == "" {
		cwd = m.currentCwd(chatID)
	}
	sess := &statestore.Session{
		ChatID:          chatID,
		EngineSessionID: uuid.NewString(),
		Cwd:             cwd,
		Name:            name,
		Started:         false,
		CreatedAt:       m.now(),
		LastActiveAt:    m.now(),
	}
	err := m.store.Update(func(state *statestore.DaemonState) error {
		state.Sessions[chatID] = sess
		if name != "" {
			state.SessionNames[sess.EngineSessionID] = name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Info().Str("chat", chatID).Str("session", sess.EngineSessionID).Str("cwd", cwd).Msg("Created session")
	return sess, nil
}

// ResumeByIDOrName attaches the chat to an existing session found by
// exact name, substring name, cwd-scoped id prefix, or global id
// prefix, in that order. Ties go to the most recently active session.
func (m *Manager) ResumeByIDOrName(chatID, query string) (*statestore.Session, error) {
	if query == "" {
		return nil, fmt.Errorf("resume query is empty")
	}
	state, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	all := sessionsByRecency(state)
	cwd := m.currentCwd(chatID)

	match := findFirst(all,
		func(s *statestore.Session) bool { return nameOf(state, s) == query },
		func(s *statestore.Session) bool {
			n := nameOf(state, s)
			return n != "" && strings.Contains(n, query)
		},
		func(s *statestore.Session) bool {
			return s.Cwd == cwd && strings.HasPrefix(s.EngineSessionID, query)
		},
		func(s *statestore.Session) bool { return strings.HasPrefix(s.EngineSessionID, query) },
	)
	if match == nil {
		return nil, fmt.Errorf("no session matches %q", query)
	}
	return m.attach(chatID, match)
}

// SmartResumeLast picks the most recent session in the chat's current
// working directory, then the globally most recent one, then falls
// back to the engine's own most-recent-conversation lookup.
func (m *Manager) SmartResumeLast(chatID string) (*statestore.Session, error) {
	state, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	all := sessionsByRecency(state)
	cwd := m.currentCwd(chatID)

	match := findFirst(all,
		func(s *statestore.Session) bool { return s.Cwd == cwd },
		func(s *statestore.Session) bool { return true },
	)
	if match != nil {
		return m.attach(chatID, match)
	}

	log.Info().Str("chat", chatID).Msg("No indexed sessions, deferring to engine continue")
	return m.Continue(chatID)
}

// Continue attaches the chat to the engine's own most recent
// conversation without consulting the index.
func (m *Manager) Continue(chatID string) (*statestore.Session, error) {
	sess := &statestore.Session{
		ChatID:          chatID,
		EngineSessionID: statestore.ContinueSentinel,
		Cwd:             m.currentCwd(chatID),
		Started:         true,
		CreatedAt:       m.now(),
		LastActiveAt:    m.now(),
	}
	err := m.store.Update(func(state *statestore.DaemonState) error {
		state.Sessions[chatID] = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// MarkStarted flips the session to started after its first successful
// spawn. Subsequent calls resume rather than create.
func (m *Manager) MarkStarted(chatID string) error {
	return m.touch(chatID, func(s *statestore.Session) {
		s.Started = true
	})
}

// Rename labels the chat's session and records the label in the
// engine-id name index so resume-by-name finds it.
func (m *Manager) Rename(chatID, name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	return m.store.Update(func(state *statestore.DaemonState) error {
		sess, ok := state.Sessions[chatID]
		if !ok {
			return fmt.Errorf("chat %s has no session", chatID)
		}
		sess.Name = name
		if sess.EngineSessionID != statestore.ContinueSentinel {
			state.SessionNames[sess.EngineSessionID] = name
		}
		return nil
	})
}

// SetCwd changes the working directory future spawns for this chat run
// in. Creates a not-started session if the chat has none.
func (m *Manager) SetCwd(chatID, path string) error {
	state, err := m.store.Load()
	if err != nil {
		return err
	}
	if _, ok := state.Sessions[chatID]; !ok {
		_, err := m.Create(chatID, path, "")
		return err
	}
	return m.touch(chatID, func(s *statestore.Session) {
		s.Cwd = path
	})
}

// AskOptions carry per-call spawn parameters
type AskOptions struct {
	Model        string
	AllowedTools []string
	Timeout      time.Duration
}

// Ask runs one conversational turn for the chat, creating a session on
// first contact. An expired engine session is replaced and the request
// retried exactly once; a second failure is returned to the caller.
func (m *Manager) Ask(ctx context.Context, chatID, prompt string, opts AskOptions) (string, error) {
	sess, err := m.Get(chatID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		sess, err = m.Create(chatID, "", "")
		if err != nil {
			return "", err
		}
	}

	out, err := m.askOnce(ctx, sess, prompt, opts)
	if err == nil {
		return out, nil
	}
	if !engine.IsSessionNotFound(err) {
		return "", err
	}

	log.Warn().Str("chat", chatID).Str("session", sess.EngineSessionID).Msg("Engine session expired, re-creating")
	sess, err = m.Create(chatID, sess.Cwd, sess.Name)
	if err != nil {
		return "", err
	}
	out, err = m.askOnce(ctx, sess, prompt, opts)
	if err != nil {
		return "", fmt.Errorf("retry after session re-creation failed: %w", err)
	}
	return out, nil
}

func (m *Manager) askOnce(ctx context.Context, sess *statestore.Session, prompt string, opts AskOptions) (string, error) {
	inv := engine.Invocation{
		Prompt:       prompt,
		Model:        opts.Model,
		AllowedTools: opts.AllowedTools,
		Dir:          sess.Cwd,
		Timeout:      opts.Timeout,
	}
	switch {
	case sess.EngineSessionID == statestore.ContinueSentinel:
		inv.Continue = true
	case !sess.Started:
		inv.SessionID = sess.EngineSessionID
	default:
		inv.Resume = sess.EngineSessionID
	}

	res := m.spawner.Run(ctx, inv)
	if res.Err != nil {
		return "", res.Err
	}
	if err := m.MarkStarted(sess.ChatID); err != nil {
		log.Error().Err(err).Str("chat", sess.ChatID).Msg("Failed to mark session started")
	}
	return res.Output, nil
}

// attach points the chat at an existing session record, moving it from
// its previous chat so an engine id never serves two chats at once.
func (m *Manager) attach(chatID string, match *statestore.Session) (*statestore.Session, error) {
	var attached *statestore.Session
	err := m.store.Update(func(state *statestore.DaemonState) error {
		if match.ChatID != "" && match.ChatID != chatID {
			delete(state.Sessions, match.ChatID)
		}
		sess := *match
		sess.ChatID = chatID
		sess.LastActiveAt = m.now()
		state.Sessions[chatID] = &sess
		attached = &sess
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach session: %w", err)
	}
	log.Info().Str("chat", chatID).Str("session", attached.EngineSessionID).Msg("Resumed session")
	return attached, nil
}

func (m *Manager) touch(chatID string, fn func(*statestore.Session)) error {
	return m.store.Update(func(state *statestore.DaemonState) error {
		sess, ok := state.Sessions[chatID]
		if !ok {
			return fmt.Errorf("chat %s has no session", chatID)
		}
		fn(sess)
		sess.LastActiveAt = m.now()
		return nil
	})
}

func (m *Manager) currentCwd(chatID string) string {
	if state, err := m.store.Load(); err == nil {
		if sess, ok := state.Sessions[chatID]; ok && sess.Cwd != "" {
			return sess.Cwd
		}
	}
	return m.defaultCwd
}

func nameOf(state *statestore.DaemonState, s *statestore.Session) string {
	if s.Name != "" {
		return s.Name
	}
	return state.SessionNames[s.EngineSessionID]
}

func sessionsByRecency(state *statestore.DaemonState) []*statestore.Session {
	all := make([]*statestore.Session, 0, len(state.Sessions))
	for _, s := range state.Sessions {
		if s.EngineSessionID == statestore.ContinueSentinel {
			continue
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActiveAt.After(all[j].LastActiveAt)
	})
	return all
}

func findFirst(all []*statestore.Session, preds ...func(*statestore.Session) bool) *statestore.Session {
	for _, pred := range preds {
		for _, s := range all {
			if pred(s) {
				return s
			}
		}
	}
	return nil
}
