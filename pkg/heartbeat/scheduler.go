package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nara/pkg/statestore"
)

// DefaultTick is the fixed check interval, independent of task
// intervals
const DefaultTick = 30 * time.Second

// ExecuteFunc runs one due task. Invoked in its own goroutine so a
// slow task never blocks the tick.
type ExecuteFunc func(ctx context.Context, task Task)

// Scheduler holds the configured task list and fires tasks whose
// nextRunAt has passed on every tick.
type Scheduler struct {
	store   *statestore.Store
	execute ExecuteFunc
	tick    time.Duration
	now     func() time.Time

	mu    sync.Mutex
	tasks []Task
	next  map[string]time.Time
	wg    sync.WaitGroup
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithTick overrides the fixed check interval
func WithTick(tick time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tick = tick }
}

// WithSchedulerClock overrides the wall clock, for tests
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler over the given task list
func NewScheduler(store *statestore.Store, execute ExecuteFunc, tasks []Task, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if execute == nil {
		return nil, fmt.Errorf("execute callback is required")
	}
	s := &Scheduler{
		store:   store,
		execute: execute,
		tick:    DefaultTick,
		now:     time.Now,
		tasks:   tasks,
		next:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Lock()
	s.plan()
	s.mu.Unlock()
	return s, nil
}

// plan computes nextRunAt for every task from persisted run history.
// Callers hold s.mu.
//
// A task with history is due at lastRun + interval, but an overdue
// task is clamped into the next tick window: it fires once promptly,
// never once per missed interval. A task with no history first runs
// one tick after start so a fresh daemon does not fire everything at
// boot.
func (s *Scheduler) plan() {
	now := s.now()
	history := map[string]statestore.RunRecord{}
	if state, err := s.store.Load(); err == nil {
		history = state.Tasks
	} else {
		log.Warn().Err(err).Msg("Failed to load run history, scheduling all tasks fresh")
	}

	next := make(map[string]time.Time, len(s.tasks))
	for _, task := range s.tasks {
		rec, ran := history[task.Name]
		switch {
		case !ran || rec.LastRun.IsZero():
			next[task.Name] = now.Add(s.tick)
		default:
			at := nextAfter(task, rec.LastRun)
			if at.Before(now) {
				at = now.Add(s.tick)
			}
			next[task.Name] = at
		}
		log.Debug().Str("task", task.Name).Time("nextRunAt", next[task.Name]).Msg("Scheduled task")
	}
	s.next = next
}

// Run drives the tick loop until the context is cancelled, then waits
// for in-flight executions.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Int("tasks", len(s.tasks)).Dur("tick", s.tick).Msg("Scheduler started")
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue launches every due task and immediately advances its
// nextRunAt regardless of execution outcome, so failed or skipped runs
// still consume their slot.
func (s *Scheduler) fireDue(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []Task
	for _, task := range s.tasks {
		at, ok := s.next[task.Name]
		if !ok || now.Before(at) {
			continue
		}
		due = append(due, task)
		s.next[task.Name] = nextAfter(task, now)
	}
	s.mu.Unlock()

	for _, task := range due {
		task := task
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, task)
		}()
	}
}

// Reload swaps the task list without dropping in-flight executions.
// Next-run times are recomputed from run history as on a restart.
func (s *Scheduler) Reload(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = tasks
	s.plan()
	log.Info().Int("tasks", len(tasks)).Msg("Scheduler reloaded")
}

// Tasks returns a snapshot of the configured tasks with their next
// firing times.
func (s *Scheduler) Tasks() ([]Task, map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	next := make(map[string]time.Time, len(s.next))
	for k, v := range s.next {
		next[k] = v
	}
	return tasks, next
}

// Find returns the configured task by name
func (s *Scheduler) Find(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.Name == name {
			return task, true
		}
	}
	return Task{}, false
}
