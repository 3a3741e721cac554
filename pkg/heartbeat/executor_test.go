package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nara/pkg/budget"
	"github.com/harun/nara/pkg/engine"
	"github.com/harun/nara/pkg/statestore"
)

type execFixture struct {
	store    *statestore.Store
	executor *Executor
	tracker  *budget.Tracker
	argsLog  string
	notified []statestore.RunRecord
}

func newExecFixture(t *testing.T, script string, dailyLimit int64) *execFixture {
	t.Helper()
	dir := t.TempDir()
	f := &execFixture{argsLog: filepath.Join(dir, "args.log")}

	bin := filepath.Join(dir, "engine")
	body := "#!/bin/sh\necho \"$@\" >> " + f.argsLog + "\n" + script + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(body), 0755))

	store, err := statestore.New(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	f.store = store

	tracker, err := budget.NewTracker(store, dailyLimit, 0)
	require.NoError(t, err)
	f.tracker = tracker

	spawner, err := engine.NewSpawner(bin, time.Minute)
	require.NoError(t, err)

	executor, err := NewExecutor(store, tracker, spawner,
		WithNotify(func(_ Task, record statestore.RunRecord) {
			f.notified = append(f.notified, record)
		}))
	require.NoError(t, err)
	f.executor = executor
	return f
}

func (f *execFixture) spawnCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(f.argsLog)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func (f *execFixture) spawnArgs(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.argsLog)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestPreconditionEmptyStdoutSkips(t *testing.T) {
	f := newExecFixture(t, `read p; echo ok`, 0)

	record := f.executor.Execute(context.Background(), Task{
		Name:         "gated",
		Prompt:       "anything new?",
		Precondition: "true",
		Notify:       true,
	})

	assert.Equal(t, statestore.RunSkipped, record.Status)
	assert.Equal(t, 0, f.spawnCount(t))
	assert.Empty(t, f.notified)

	used, _, err := f.tracker.Usage()
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestPreconditionNonzeroExitSkips(t *testing.T) {
	f := newExecFixture(t, `read p; echo ok`, 0)

	record := f.executor.Execute(context.Background(), Task{
		Name:         "gated",
		Prompt:       "check",
		Precondition: "exit 1",
	})

	assert.Equal(t, statestore.RunSkipped, record.Status)
	assert.Equal(t, "precondition_not_met", record.Detail)
	assert.Equal(t, 0, f.spawnCount(t))
}

func TestPreconditionOutputBecomesContext(t *testing.T) {
	f := newExecFixture(t, `cat -; echo ""; echo replied`, 0)

	record := f.executor.Execute(context.Background(), Task{
		Name:         "mail",
		Prompt:       "summarize new mail",
		Precondition: "echo '3 unread'",
	})

	require.Equal(t, statestore.RunSuccess, record.Status)
	assert.Contains(t, record.OutputPreview, "3 unread")
}

func TestPromptTaskSuccessRecordsSpend(t *testing.T) {
	f := newExecFixture(t, `read p; echo "the answer is long enough to cost tokens"`, 0)

	record := f.executor.Execute(context.Background(), Task{Name: "ask", Prompt: "hello", Notify: true})

	assert.Equal(t, statestore.RunSuccess, record.Status)
	assert.Contains(t, record.OutputPreview, "the answer")
	assert.Len(t, f.notified, 1)

	used, _, err := f.tracker.Usage()
	require.NoError(t, err)
	assert.Positive(t, used)

	state, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, statestore.RunSuccess, state.Tasks["ask"].Status)
}

func TestBudgetExceededBlocksSpawn(t *testing.T) {
	f := newExecFixture(t, `read p; echo ok`, 10)
	require.NoError(t, f.tracker.Record(10))

	record := f.executor.Execute(context.Background(), Task{Name: "ask", Prompt: "hello"})

	assert.Equal(t, statestore.RunError, record.Status)
	assert.Equal(t, "budget_exceeded", record.Detail)
	assert.Equal(t, 0, f.spawnCount(t))
}

func TestScriptTaskBypassesEngineAndBudget(t *testing.T) {
	f := newExecFixture(t, `read p; echo ok`, 10)
	require.NoError(t, f.tracker.Record(10))

	record := f.executor.Execute(context.Background(), Task{Name: "backup", Command: "echo copied 42 files"})

	assert.Equal(t, statestore.RunSuccess, record.Status)
	assert.Contains(t, record.OutputPreview, "copied 42 files")
	assert.Equal(t, 0, f.spawnCount(t))
}

func TestScriptTaskFailureRecorded(t *testing.T) {
	f := newExecFixture(t, `read p; echo ok`, 0)

	record := f.executor.Execute(context.Background(), Task{Name: "backup", Command: "echo oops >&2; exit 2"})

	assert.Equal(t, statestore.RunError, record.Status)
	assert.Contains(t, record.OutputPreview, "oops")
}

func TestWorkflowSharesOneEngineSession(t *testing.T) {
	f := newExecFixture(t, `read p; echo done`, 0)

	record := f.executor.Execute(context.Background(), Task{
		Name: "report",
		Steps: []Step{
			{Prompt: "gather data"},
			{Prompt: "write summary"},
			{Prompt: "file it"},
		},
	})

	require.Equal(t, statestore.RunSuccess, record.Status)
	assert.Equal(t, 3, record.StepsCompleted)
	assert.Equal(t, 3, record.StepsTotal)

	calls := f.spawnArgs(t)
	require.Len(t, calls, 3)
	require.Contains(t, calls[0], "--session-id")
	id := strings.Fields(calls[0])[2]
	assert.Contains(t, calls[1], "--resume "+id)
	assert.Contains(t, calls[2], "--resume "+id)
}

func TestWorkflowOptionalStepFailureContinues(t *testing.T) {
	script := `read p
case "$p" in
  *flaky*) echo "step broke" >&2; exit 1 ;;
  *) echo done ;;
esac`
	f := newExecFixture(t, script, 0)

	record := f.executor.Execute(context.Background(), Task{
		Name: "pipeline",
		Steps: []Step{
			{Prompt: "solid first step"},
			{Prompt: "flaky middle step", Optional: true},
			{Prompt: "solid last step"},
		},
	})

	assert.Equal(t, statestore.RunSuccess, record.Status)
	assert.Equal(t, 3, record.StepsTotal)
	assert.Contains(t, record.OutputPreview, "step 2")
	assert.Contains(t, record.OutputPreview, "failed")
	assert.Equal(t, 3, f.spawnCount(t))
}

func TestWorkflowRequiredStepFailureAborts(t *testing.T) {
	f := newExecFixture(t, `read p; echo "step broke" >&2; exit 1`, 0)

	record := f.executor.Execute(context.Background(), Task{
		Name: "pipeline",
		Steps: []Step{
			{Prompt: "first"},
			{Prompt: "never reached"},
		},
	})

	assert.Equal(t, statestore.RunError, record.Status)
	assert.Contains(t, record.Detail, "step 1")
	assert.Equal(t, 0, record.StepsCompleted)
	assert.Equal(t, 1, f.spawnCount(t))
}

func TestWorkflowStopsEarlyWhenBudgetRunsOut(t *testing.T) {
	// Limit is small enough that step one's spend exhausts it
	f := newExecFixture(t, `read p; echo "a fairly long reply that costs a few tokens"`, 5)

	record := f.executor.Execute(context.Background(), Task{
		Name: "pipeline",
		Steps: []Step{
			{Prompt: "first step prompt"},
			{Prompt: "second"},
			{Prompt: "third"},
		},
	})

	assert.Equal(t, statestore.RunSuccess, record.Status)
	assert.Equal(t, "budget_exhausted", record.Detail)
	assert.Equal(t, 1, record.StepsCompleted)
	assert.Equal(t, 3, record.StepsTotal)
	assert.Equal(t, 1, f.spawnCount(t))
}
