package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/nara/internal/config"
	"github.com/harun/nara/internal/metrics"
	"github.com/harun/nara/pkg/budget"
	"github.com/harun/nara/pkg/channels"
	"github.com/harun/nara/pkg/heartbeat"
	"github.com/harun/nara/pkg/runlog"
	"github.com/harun/nara/pkg/session"
	"github.com/harun/nara/pkg/statestore"
)

const helpText = `Commands:
/new [path] [name] - start a fresh session
/resume [query] - resume a session by name or id prefix
/continue - continue the engine's most recent conversation
/last - resume the most recent session for this directory
/cd <path> - change the session working directory
/name <label> - name the current session
/session - show the current session
/status - daemon status
/tasks - scheduled tasks and their last runs
/tasks history [task] - recent run history
/run <task> - run a scheduled task now
/budget - today's token budget
/reload - reload the config file
/browse <cd|new> [path] - pick a directory with buttons
/quiet, /unquiet - toggle task notifications for this chat

Anything else is sent to the engine.`

// Dispatcher parses inbound chat payloads and routes them to session
// operations, scheduler operations, or the engine. It is stateless
// between messages apart from the per-chat cooldown stamps; errors
// never propagate past it into the receive loop.
type Dispatcher struct {
	cfg       *config.Config
	store     *statestore.Store
	sessions  *session.Manager
	budget    *budget.Tracker
	scheduler *heartbeat.Scheduler
	executor  *heartbeat.Executor
	registry  *channels.Registry
	history   *runlog.Log
	metrics   *metrics.Metrics
	reload    func() error
	startTime time.Time

	cooldown time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastAsk  map[string]time.Time
}

// DispatcherDeps bundles the dispatcher's collaborators
type DispatcherDeps struct {
	Config    *config.Config
	Store     *statestore.Store
	Sessions  *session.Manager
	Budget    *budget.Tracker
	Scheduler *heartbeat.Scheduler
	Executor  *heartbeat.Executor
	Registry  *channels.Registry
	History   *runlog.Log
	Metrics   *metrics.Metrics
	Reload    func() error
}

// NewDispatcher creates a dispatcher
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("config is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("state store is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session manager is required")
	case deps.Budget == nil:
		return nil, fmt.Errorf("budget tracker is required")
	}

	cooldown := time.Duration(deps.Config.Dispatcher.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}

	return &Dispatcher{
		cfg:       deps.Config,
		store:     deps.Store,
		sessions:  deps.Sessions,
		budget:    deps.Budget,
		scheduler: deps.Scheduler,
		executor:  deps.Executor,
		registry:  deps.Registry,
		history:   deps.History,
		metrics:   deps.Metrics,
		reload:    deps.Reload,
		startTime: time.Now(),
		cooldown:  cooldown,
		now:       time.Now,
		lastAsk:   make(map[string]time.Time),
	}, nil
}

// HandleMessage is the single entry point for typed commands and
// callback button presses alike. Adapters invoke it once per inbound
// payload, each on its own goroutine.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg channels.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("chat", msg.ChatID).Msg("Dispatcher recovered from panic")
		}
	}()

	if d.metrics != nil {
		d.metrics.MessagesReceivedTotal.WithLabelValues(msg.Channel).Inc()
	}

	cmd := ParseCommand(msg.Text)
	log.Debug().Str("channel", msg.Channel).Str("chat", msg.ChatID).Int("kind", int(cmd.Kind)).Msg("Dispatching message")

	switch cmd.Kind {
	case CmdAsk:
		d.handleAsk(ctx, msg, cmd.Raw)
	case CmdNew:
		d.handleNew(ctx, msg, cmd)
	case CmdResume:
		d.handleResume(ctx, msg, cmd)
	case CmdContinue:
		d.handleContinue(ctx, msg)
	case CmdLast:
		d.handleLast(ctx, msg)
	case CmdCd:
		d.handleCd(ctx, msg, cmd)
	case CmdName:
		d.handleName(ctx, msg, cmd)
	case CmdSession:
		d.handleSession(ctx, msg)
	case CmdStatus:
		d.handleStatus(ctx, msg)
	case CmdTasks:
		if cmd.Arg(0) == "history" {
			d.handleTaskHistory(ctx, msg, cmd.Arg(1))
		} else {
			d.handleTasks(ctx, msg)
		}
	case CmdRun:
		d.handleRun(ctx, msg, cmd)
	case CmdBudget:
		d.handleBudget(ctx, msg)
	case CmdReload:
		d.handleReload(ctx, msg)
	case CmdQuiet:
		d.handleQuiet(ctx, msg, true)
	case CmdUnquiet:
		d.handleQuiet(ctx, msg, false)
	case CmdBrowse:
		d.handleBrowse(ctx, msg, cmd)
	case CmdHelp:
		d.reply(ctx, msg, helpText)
	}
}

func chatKey(msg channels.Inbound) string {
	return msg.Channel + ":" + msg.ChatID
}

// checkCooldown rejects a second natural-language request inside the
// cooldown window, and stamps the window otherwise.
func (d *Dispatcher) checkCooldown(msg channels.Inbound) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := chatKey(msg)
	now := d.now()
	if last, ok := d.lastAsk[key]; ok {
		if wait := d.cooldown - now.Sub(last); wait > 0 {
			return wait, false
		}
	}
	d.lastAsk[key] = now
	return 0, true
}

func (d *Dispatcher) handleAsk(ctx context.Context, msg channels.Inbound, prompt string) {
	if prompt == "" {
		return
	}

	if wait, ok := d.checkCooldown(msg); !ok {
		if d.metrics != nil {
			d.metrics.CooldownRejectsTotal.Inc()
		}
		d.reply(ctx, msg, fmt.Sprintf("Easy there. Try again in %ds.", int(wait.Seconds())+1))
		return
	}

	ok, err := d.budget.Check()
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	if !ok {
		d.reply(ctx, msg, "Daily token budget is exhausted. It resets at midnight.")
		return
	}

	if adapter, found := d.adapter(msg); found {
		_ = adapter.SendTyping(ctx, msg.ChatID)
	}

	start := time.Now()
	out, err := d.sessions.Ask(ctx, chatKey(msg), prompt, session.AskOptions{
		Model:        d.cfg.Engine.Model,
		AllowedTools: d.cfg.Engine.AllowedTools,
		Timeout:      time.Duration(d.cfg.Engine.TimeoutSeconds) * time.Second,
	})
	if d.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		d.metrics.SpawnsTotal.WithLabelValues("chat", status).Inc()
		d.metrics.SpawnDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}

	if err := d.budget.Record(budget.EstimateTokens(prompt, out)); err != nil {
		log.Error().Err(err).Msg("Failed to record token spend")
	}
	if d.metrics != nil {
		d.metrics.TokensUsed.Add(float64(budget.EstimateTokens(prompt, out)))
	}

	d.replyMarkdown(ctx, msg, out)
	d.warnIfNearLimit(ctx, msg)
}

// warnIfNearLimit appends a one-line heads-up when spend crosses the
// warning fraction.
func (d *Dispatcher) warnIfNearLimit(ctx context.Context, msg channels.Inbound) {
	level, err := d.budget.WarningLevel()
	if err != nil || level != budget.LevelWarning {
		return
	}
	used, limit, err := d.budget.Usage()
	if err != nil {
		return
	}
	d.reply(ctx, msg, fmt.Sprintf("Heads up: %d of %d daily tokens used.", used, limit))
}

func (d *Dispatcher) handleNew(ctx context.Context, msg channels.Inbound, cmd Command) {
	path := cmd.Arg(0)
	name := strings.Join(cmd.Args[min(1, len(cmd.Args)):], " ")
	sess, err := d.sessions.Create(chatKey(msg), path, name)
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	d.reply(ctx, msg, fmt.Sprintf("New session %s in %s", shortID(sess.EngineSessionID), sess.Cwd))
}

func (d *Dispatcher) handleResume(ctx context.Context, msg channels.Inbound, cmd Command) {
	if len(cmd.Args) == 0 {
		d.handleLast(ctx, msg)
		return
	}
	sess, err := d.sessions.ResumeByIDOrName(chatKey(msg), strings.Join(cmd.Args, " "))
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	d.reply(ctx, msg, "Resumed "+describeSession(sess))
}

func (d *Dispatcher) handleContinue(ctx context.Context, msg channels.Inbound) {
	if _, err := d.sessions.Continue(chatKey(msg)); err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	d.reply(ctx, msg, "Continuing the engine's most recent conversation.")
}

func (d *Dispatcher) handleLast(ctx context.Context, msg channels.Inbound) {
	sess, err := d.sessions.SmartResumeLast(chatKey(msg))
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	if sess.EngineSessionID == statestore.ContinueSentinel {
		d.reply(ctx, msg, "No sessions on record, continuing whatever the engine remembers.")
		return
	}
	d.reply(ctx, msg, "Resumed "+describeSession(sess))
}

func (d *Dispatcher) handleCd(ctx context.Context, msg channels.Inbound, cmd Command) {
	path := cmd.Arg(0)
	if path == "" {
		d.reply(ctx, msg, "Usage: /cd <path>")
		return
	}
	if err := d.sessions.SetCwd(chatKey(msg), path); err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	d.reply(ctx, msg, "Working directory is now "+path)
}

func (d *Dispatcher) handleName(ctx context.Context, msg channels.Inbound, cmd Command) {
	name := strings.Join(cmd.Args, " ")
	if name == "" {
		d.reply(ctx, msg, "Usage: /name <label>")
		return
	}
	if err := d.sessions.Rename(chatKey(msg), name); err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	d.reply(ctx, msg, "Session named "+name)
}

func (d *Dispatcher) handleSession(ctx context.Context, msg channels.Inbound) {
	sess, err := d.sessions.Get(chatKey(msg))
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	if sess == nil {
		d.reply(ctx, msg, "No session yet. Say something or use /new.")
		return
	}
	d.reply(ctx, msg, describeSession(sess))
}

func (d *Dispatcher) handleStatus(ctx context.Context, msg channels.Inbound) {
	state, err := d.store.Load()
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	level, _ := d.budget.WarningLevel()
	used, limit, _ := d.budget.Usage()

	var b strings.Builder
	fmt.Fprintf(&b, "Up %s, pid %d\n", time.Since(d.startTime).Round(time.Second), os.Getpid())
	if d.registry != nil {
		fmt.Fprintf(&b, "Adapters: %s\n", strings.Join(d.registry.Names(), ", "))
	}
	fmt.Fprintf(&b, "Budget: %d/%d (%s)\n", used, limit, level)
	fmt.Fprintf(&b, "Sessions: %d", len(state.Sessions))
	d.reply(ctx, msg, b.String())
}

func (d *Dispatcher) handleTasks(ctx context.Context, msg channels.Inbound) {
	if d.scheduler == nil {
		d.reply(ctx, msg, "No scheduler running.")
		return
	}
	tasks, next := d.scheduler.Tasks()
	if len(tasks) == 0 {
		d.reply(ctx, msg, "No tasks configured.")
		return
	}
	state, err := d.store.Load()
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	var b strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&b, "%s (%s)", task.Name, task.Kind())
		if rec, ok := state.Tasks[task.Name]; ok {
			fmt.Fprintf(&b, " last: %s %s", rec.Status, rec.LastRun.Format("15:04"))
			if rec.Detail != "" {
				fmt.Fprintf(&b, " [%s]", rec.Detail)
			}
		} else {
			b.WriteString(" never run")
		}
		if at, ok := next[task.Name]; ok {
			fmt.Fprintf(&b, ", next %s", at.Format("15:04"))
		}
		b.WriteString("\n")
	}
	d.reply(ctx, msg, strings.TrimSpace(b.String()))
}

// handleTaskHistory reads the sqlite run log rather than the last-run
// snapshot, so it sees runs older than the most recent one.
func (d *Dispatcher) handleTaskHistory(ctx context.Context, msg channels.Inbound, task string) {
	if d.history == nil {
		d.reply(ctx, msg, "No run history available.")
		return
	}
	entries, err := d.history.Recent(task, 10)
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	if len(entries) == 0 {
		d.reply(ctx, msg, "No recorded runs yet.")
		return
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s: %s", e.StartedAt.Format("Jan 2 15:04"), e.Task, e.Status)
		if e.Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Detail)
		}
		b.WriteString("\n")
	}
	d.reply(ctx, msg, strings.TrimSpace(b.String()))
}

func (d *Dispatcher) handleRun(ctx context.Context, msg channels.Inbound, cmd Command) {
	name := cmd.Arg(0)
	if name == "" {
		d.reply(ctx, msg, "Usage: /run <task>")
		return
	}
	if d.scheduler == nil || d.executor == nil {
		d.reply(ctx, msg, "No scheduler running.")
		return
	}
	task, ok := d.scheduler.Find(name)
	if !ok {
		d.reply(ctx, msg, fmt.Sprintf("No task named %q. See /tasks.", name))
		return
	}

	d.reply(ctx, msg, "Running "+name+"…")
	record := d.executor.Execute(ctx, task)
	text := fmt.Sprintf("%s: %s", name, record.Status)
	if record.Detail != "" {
		text += " (" + record.Detail + ")"
	}
	if record.OutputPreview != "" {
		text += "\n" + record.OutputPreview
	}
	d.reply(ctx, msg, text)
}

func (d *Dispatcher) handleBudget(ctx context.Context, msg channels.Inbound) {
	used, limit, err := d.budget.Usage()
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	level, _ := d.budget.WarningLevel()
	d.reply(ctx, msg, fmt.Sprintf("Today: %d of %d tokens (%s)", used, limit, level))
}

func (d *Dispatcher) handleReload(ctx context.Context, msg channels.Inbound) {
	if d.reload == nil {
		d.reply(ctx, msg, "Reload is not available.")
		return
	}
	if err := d.reload(); err != nil {
		d.reply(ctx, msg, "Reload failed, previous config stays active: "+err.Error())
		return
	}
	d.reply(ctx, msg, "Config reloaded.")
}

func (d *Dispatcher) handleQuiet(ctx context.Context, msg channels.Inbound, quiet bool) {
	err := d.store.Update(func(state *statestore.DaemonState) error {
		if quiet {
			state.Quiet[chatKey(msg)] = true
		} else {
			delete(state.Quiet, chatKey(msg))
		}
		return nil
	})
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}
	if quiet {
		d.reply(ctx, msg, "Task notifications muted for this chat.")
	} else {
		d.reply(ctx, msg, "Task notifications back on.")
	}
}

// handleBrowse lists subdirectories of a path as buttons. Each button
// payload is itself a /browse command, and the final pick dispatches
// the target command (/cd or /new) through the same entry point.
func (d *Dispatcher) handleBrowse(ctx context.Context, msg channels.Inbound, cmd Command) {
	mode := cmd.Arg(0)
	if mode != "cd" && mode != "new" {
		d.reply(ctx, msg, "Usage: /browse <cd|new> [path]")
		return
	}
	path := cmd.Arg(1)
	if path == "" {
		path = d.cfg.Engine.DefaultCwd
	}
	path = filepath.Clean(path)

	entries, err := os.ReadDir(path)
	if err != nil {
		d.replyErr(ctx, msg, err)
		return
	}

	rows := []channels.ButtonRow{
		{
			{Label: "✓ use " + path, Payload: "/" + mode + " " + path},
			{Label: "..", Payload: fmt.Sprintf("/browse %s %s", mode, filepath.Dir(path))},
		},
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sub := filepath.Join(path, entry.Name())
		rows = append(rows, channels.ButtonRow{
			{Label: entry.Name() + "/", Payload: fmt.Sprintf("/browse %s %s", mode, sub)},
		})
		if len(rows) >= 12 {
			break
		}
	}

	adapter, found := d.adapter(msg)
	if !found {
		return
	}
	if err := adapter.SendButtons(ctx, msg.ChatID, "Pick a directory under "+path, rows); err != nil {
		log.Error().Err(err).Str("chat", msg.ChatID).Msg("Failed to send browse buttons")
	}
}

func (d *Dispatcher) adapter(msg channels.Inbound) (channels.Adapter, bool) {
	if d.registry == nil {
		return nil, false
	}
	return d.registry.Get(msg.Channel)
}

func (d *Dispatcher) reply(ctx context.Context, msg channels.Inbound, text string) {
	adapter, found := d.adapter(msg)
	if !found {
		return
	}
	if err := adapter.SendMessage(ctx, msg.ChatID, text); err != nil {
		log.Error().Err(err).Str("chat", msg.ChatID).Msg("Failed to send reply")
		return
	}
	if d.metrics != nil {
		d.metrics.MessagesSentTotal.WithLabelValues(msg.Channel).Inc()
	}
}

func (d *Dispatcher) replyMarkdown(ctx context.Context, msg channels.Inbound, text string) {
	adapter, found := d.adapter(msg)
	if !found {
		return
	}
	if err := adapter.SendMarkdown(ctx, msg.ChatID, text); err != nil {
		log.Error().Err(err).Str("chat", msg.ChatID).Msg("Failed to send reply")
		return
	}
	if d.metrics != nil {
		d.metrics.MessagesSentTotal.WithLabelValues(msg.Channel).Inc()
	}
}

func (d *Dispatcher) replyErr(ctx context.Context, msg channels.Inbound, err error) {
	log.Warn().Err(err).Str("chat", msg.ChatID).Msg("Command failed")
	d.reply(ctx, msg, "Sorry, that failed: "+err.Error())
}

func describeSession(sess *statestore.Session) string {
	label := shortID(sess.EngineSessionID)
	if sess.Name != "" {
		label = sess.Name + " (" + label + ")"
	}
	state := "not started"
	if sess.Started {
		state = "started"
	}
	return fmt.Sprintf("session %s in %s, %s", label, sess.Cwd, state)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
