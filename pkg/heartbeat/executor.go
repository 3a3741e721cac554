package heartbeat

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/nara/pkg/budget"
	"github.com/harun/nara/pkg/engine"
	"github.com/harun/nara/pkg/runlog"
	"github.com/harun/nara/pkg/statestore"
)

const (
	preconditionTimeout = 30 * time.Second
	previewLimit        = 400
)

// NotifyFunc pushes a finished run to the chat backends
type NotifyFunc func(task Task, record statestore.RunRecord)

// Executor runs one task to completion and records the outcome. Errors
// never escape Execute; a bad task must not take down the scheduler
// tick.
type Executor struct {
	store   *statestore.Store
	budget  *budget.Tracker
	spawner *engine.Spawner
	history *runlog.Log
	notify  NotifyFunc
	now     func() time.Time
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithHistory attaches the append-only run log
func WithHistory(l *runlog.Log) ExecutorOption {
	return func(e *Executor) { e.history = l }
}

// WithNotify attaches the notification fan-out
func WithNotify(fn NotifyFunc) ExecutorOption {
	return func(e *Executor) { e.notify = fn }
}

// WithExecutorClock overrides the wall clock, for tests
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates a task executor
func NewExecutor(store *statestore.Store, tracker *budget.Tracker, spawner *engine.Spawner, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("budget tracker is required")
	}
	if spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	e := &Executor{
		store:   store,
		budget:  tracker,
		spawner: spawner,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the task, persists its run record, and fans out the
// notification when the task asks for one. Skipped runs never notify.
func (e *Executor) Execute(ctx context.Context, task Task) statestore.RunRecord {
	started := e.now()
	log.Info().Str("task", task.Name).Str("kind", task.Kind()).Msg("Executing task")

	record := e.run(ctx, task)
	record.LastRun = started

	if err := e.store.Update(func(state *statestore.DaemonState) error {
		state.Tasks[task.Name] = record
		return nil
	}); err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("Failed to persist run record")
	}

	if e.history != nil {
		entry := runlog.Entry{
			Task:          task.Name,
			Status:        string(record.Status),
			Detail:        record.Detail,
			OutputPreview: record.OutputPreview,
			StepsDone:     record.StepsCompleted,
			StepsTotal:    record.StepsTotal,
			StartedAt:     started,
			Duration:      e.now().Sub(started),
		}
		if err := e.history.Append(entry); err != nil {
			log.Error().Err(err).Str("task", task.Name).Msg("Failed to append run history")
		}
	}

	if task.Notify && e.notify != nil && record.Status != statestore.RunSkipped {
		e.notify(task, record)
	}

	log.Info().
		Str("task", task.Name).
		Str("status", string(record.Status)).
		Str("detail", record.Detail).
		Msg("Task finished")

	return record
}

func (e *Executor) run(ctx context.Context, task Task) statestore.RunRecord {
	extra, err := e.checkPrecondition(ctx, task)
	if err != nil {
		return statestore.RunRecord{Status: statestore.RunSkipped, Detail: "precondition_not_met"}
	}

	switch task.Kind() {
	case KindScript:
		return e.runScript(ctx, task)
	case KindWorkflow:
		return e.runWorkflow(ctx, task, extra)
	default:
		return e.runPrompt(ctx, task, extra)
	}
}

// checkPrecondition evaluates the task's shell predicate. Nonzero exit
// or empty stdout skips the task at zero cost; nonempty stdout is
// returned as extra prompt context.
func (e *Executor) checkPrecondition(ctx context.Context, task Task) (string, error) {
	if task.Precondition == "" {
		return "", nil
	}
	cctx, cancel := context.WithTimeout(ctx, preconditionTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", task.Precondition)
	cmd.Dir = task.Cwd
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		log.Debug().Str("task", task.Name).Err(err).Msg("Precondition command failed, skipping")
		return "", ErrPreconditionNotMet
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		log.Debug().Str("task", task.Name).Msg("Precondition produced no output, skipping")
		return "", ErrPreconditionNotMet
	}
	return out, nil
}

// runScript executes the shell command directly; no engine, no budget
func (e *Executor) runScript(ctx context.Context, task Task) statestore.RunRecord {
	timeout := task.SpawnTimeout()
	if timeout <= 0 {
		timeout = engine.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", task.Command)
	cmd.Dir = task.Cwd
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	preview := truncate(strings.TrimSpace(combined.String()), previewLimit)
	if err != nil {
		return statestore.RunRecord{Status: statestore.RunError, Detail: err.Error(), OutputPreview: preview}
	}
	return statestore.RunRecord{Status: statestore.RunSuccess, OutputPreview: preview}
}

func (e *Executor) runPrompt(ctx context.Context, task Task, extra string) statestore.RunRecord {
	if rec, blocked := e.gateBudget(task); blocked {
		return rec
	}

	prompt := task.Prompt
	if extra != "" {
		prompt = prompt + "\n\nContext:\n" + extra
	}

	res := e.spawner.Run(ctx, engine.Invocation{
		Prompt:       prompt,
		Model:        task.Model,
		AllowedTools: task.AllowedTools,
		Dir:          task.Cwd,
		Timeout:      task.SpawnTimeout(),
	})
	e.recordSpend(task, prompt, res.Output)
	if res.Err != nil {
		return statestore.RunRecord{
			Status:        statestore.RunError,
			Detail:        res.Err.Error(),
			OutputPreview: truncate(res.Output, previewLimit),
		}
	}
	return statestore.RunRecord{Status: statestore.RunSuccess, OutputPreview: truncate(res.Output, previewLimit)}
}

// runWorkflow executes the steps in order inside one continued engine
// session. The first step creates the session id, later steps resume
// it, so each step sees its predecessors' output as context.
func (e *Executor) runWorkflow(ctx context.Context, task Task, extra string) statestore.RunRecord {
	if rec, blocked := e.gateBudget(task); blocked {
		return rec
	}

	sessionID := uuid.NewString()
	total := len(task.Steps)
	var stepLog []string
	var lastOutput string

	for i, step := range task.Steps {
		prompt := step.Prompt
		if step.Skill != "" {
			prompt = fmt.Sprintf("Use the %s skill.\n%s", step.Skill, prompt)
		}
		if i == 0 && extra != "" {
			prompt = prompt + "\n\nContext:\n" + extra
		}

		inv := engine.Invocation{
			Prompt:       prompt,
			Model:        task.Model,
			AllowedTools: task.AllowedTools,
			Dir:          task.Cwd,
			Timeout:      task.SpawnTimeout(),
		}
		if i == 0 {
			inv.SessionID = sessionID
		} else {
			inv.Resume = sessionID
		}

		res := e.spawner.Run(ctx, inv)
		e.recordSpend(task, prompt, res.Output)

		if res.Err != nil {
			stepLog = append(stepLog, fmt.Sprintf("step %d (%s): failed: %v", i+1, stepName(step, i), res.Err))
			if !step.Optional {
				return statestore.RunRecord{
					Status:         statestore.RunError,
					Detail:         fmt.Sprintf("%s: step %d", ErrStepFailed.Error(), i+1),
					OutputPreview:  truncate(strings.Join(stepLog, "\n"), previewLimit),
					StepsCompleted: i,
					StepsTotal:     total,
				}
			}
			log.Warn().Str("task", task.Name).Int("step", i+1).Err(res.Err).Msg("Optional step failed, continuing")
			continue
		}

		lastOutput = res.Output
		stepLog = append(stepLog, fmt.Sprintf("step %d (%s): ok", i+1, stepName(step, i)))

		// Exhausting the budget mid-workflow stops early without a
		// hard error; it is not a step-logic failure.
		if ok, err := e.budget.Check(); err == nil && !ok && i < total-1 {
			log.Warn().Str("task", task.Name).Int("completed", i+1).Msg("Budget exhausted mid-workflow, stopping early")
			return statestore.RunRecord{
				Status:         statestore.RunSuccess,
				Detail:         "budget_exhausted",
				OutputPreview:  truncate(lastOutput, previewLimit),
				StepsCompleted: i + 1,
				StepsTotal:     total,
			}
		}
	}

	return statestore.RunRecord{
		Status:         statestore.RunSuccess,
		OutputPreview:  truncate(lastOutput+"\n"+strings.Join(stepLog, "\n"), previewLimit),
		StepsCompleted: total,
		StepsTotal:     total,
	}
}

func (e *Executor) gateBudget(task Task) (statestore.RunRecord, bool) {
	ok, err := e.budget.Check()
	if err != nil {
		return statestore.RunRecord{Status: statestore.RunError, Detail: err.Error()}, true
	}
	if !ok {
		log.Warn().Str("task", task.Name).Msg("Daily budget exceeded, task not spawned")
		return statestore.RunRecord{Status: statestore.RunError, Detail: "budget_exceeded"}, true
	}
	return statestore.RunRecord{}, false
}

func (e *Executor) recordSpend(task Task, prompt, output string) {
	if err := e.budget.Record(budget.EstimateTokens(prompt, output)); err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("Failed to record token spend")
	}
}

func stepName(step Step, i int) string {
	if step.Skill != "" {
		return step.Skill
	}
	return fmt.Sprintf("#%d", i+1)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
