// Package daemon wires the assistant's components together and runs
// them as one supervised process group.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"

	"github.com/harun/nara/internal/config"
	"github.com/harun/nara/internal/feishu"
	"github.com/harun/nara/internal/metrics"
	"github.com/harun/nara/internal/telegram"
	"github.com/harun/nara/pkg/budget"
	"github.com/harun/nara/pkg/channels"
	"github.com/harun/nara/pkg/engine"
	"github.com/harun/nara/pkg/heartbeat"
	"github.com/harun/nara/pkg/runlog"
	"github.com/harun/nara/pkg/session"
	"github.com/harun/nara/pkg/statestore"
)

// Daemon is the long-running assistant process
type Daemon struct {
	cfg    *config.Config
	loader *config.Loader

	store      *statestore.Store
	budget     *budget.Tracker
	spawner    *engine.Spawner
	sessions   *session.Manager
	history    *runlog.Log
	executor   *heartbeat.Executor
	scheduler  *heartbeat.Scheduler
	registry   *channels.Registry
	dispatcher *Dispatcher
	lifecycle  *LifecycleManager
	metrics    *metrics.Metrics
	watcher    *config.Watcher
}

// New builds a daemon from configuration. The loader is kept for hot
// reloads.
func New(cfg *config.Config, loader *config.Loader) (*Daemon, error) {
	d := &Daemon{cfg: cfg, loader: loader}

	store, err := statestore.New(cfg.StateFile())
	if err != nil {
		return nil, err
	}
	d.store = store

	tracker, err := budget.NewTracker(store, cfg.Budget.DailyLimit, cfg.Budget.WarnFraction)
	if err != nil {
		return nil, err
	}
	d.budget = tracker

	spawner, err := engine.NewSpawner(cfg.Engine.Bin, time.Duration(cfg.Engine.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	d.spawner = spawner

	sessions, err := session.NewManager(store, spawner, cfg.Engine.DefaultCwd)
	if err != nil {
		return nil, err
	}
	d.sessions = sessions

	history, err := runlog.Open(cfg.RunLogFile())
	if err != nil {
		return nil, err
	}
	d.history = history

	d.metrics = metrics.NewMetrics()

	executor, err := heartbeat.NewExecutor(store, tracker, spawner,
		heartbeat.WithHistory(history),
		heartbeat.WithNotify(d.notifyTask))
	if err != nil {
		return nil, err
	}
	d.executor = executor

	tick := time.Duration(cfg.Heartbeat.TickSeconds) * time.Second
	if tick <= 0 {
		tick = heartbeat.DefaultTick
	}
	scheduler, err := heartbeat.NewScheduler(store, d.executeTask, cfg.Heartbeat.Tasks, heartbeat.WithTick(tick))
	if err != nil {
		return nil, err
	}
	d.scheduler = scheduler

	d.registry = channels.NewRegistry(d.onMessage)
	if cfg.Telegram.Enabled {
		bot, err := telegram.NewAdapter(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		if err := d.registry.Register(bot); err != nil {
			return nil, err
		}
	}
	if cfg.Feishu.Enabled {
		app, err := feishu.NewAdapter(cfg.Feishu)
		if err != nil {
			return nil, err
		}
		if err := d.registry.Register(app); err != nil {
			return nil, err
		}
	}

	dispatcher, err := NewDispatcher(DispatcherDeps{
		Config:    cfg,
		Store:     store,
		Sessions:  sessions,
		Budget:    tracker,
		Scheduler: scheduler,
		Executor:  executor,
		Registry:  d.registry,
		History:   history,
		Metrics:   d.metrics,
		Reload:    d.Reload,
	})
	if err != nil {
		return nil, err
	}
	d.dispatcher = dispatcher

	d.lifecycle = NewLifecycleManager(cfg.PidFile())

	return d, nil
}

// onMessage fans each inbound payload into the dispatcher on its own
// goroutine so one slow engine call never blocks a receive loop.
func (d *Daemon) onMessage(ctx context.Context, msg channels.Inbound) {
	go d.dispatcher.HandleMessage(ctx, msg)
}

// executeTask runs one due task and counts the outcome
func (d *Daemon) executeTask(ctx context.Context, task heartbeat.Task) {
	start := time.Now()
	record := d.executor.Execute(ctx, task)
	d.metrics.TaskRunsTotal.WithLabelValues(task.Name, string(record.Status)).Inc()
	if task.Kind() != heartbeat.KindScript {
		d.metrics.SpawnsTotal.WithLabelValues("task", string(record.Status)).Inc()
		d.metrics.SpawnDuration.WithLabelValues("task").Observe(time.Since(start).Seconds())
	}
}

// notifyTask pushes a finished run to the configured notify chats,
// honoring per-chat quiet flags.
func (d *Daemon) notifyTask(task heartbeat.Task, record statestore.RunRecord) {
	text := fmt.Sprintf("Task %s: %s", task.Name, record.Status)
	if record.Detail != "" {
		text += " (" + record.Detail + ")"
	}
	if record.OutputPreview != "" {
		text += "\n" + record.OutputPreview
	}

	quiet := map[string]bool{}
	if state, err := d.store.Load(); err == nil {
		quiet = state.Quiet
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	targets := []struct {
		adapter string
		chat    string
	}{
		{"telegram", fmt.Sprintf("%d", d.cfg.Telegram.NotifyChat)},
		{"feishu", d.cfg.Feishu.NotifyChat},
	}
	for _, target := range targets {
		if target.chat == "" || target.chat == "0" {
			continue
		}
		if quiet[target.adapter+":"+target.chat] {
			continue
		}
		adapter, ok := d.registry.Get(target.adapter)
		if !ok {
			continue
		}
		if err := adapter.SendMessage(ctx, target.chat, text); err != nil {
			log.Error().Err(err).Str("adapter", target.adapter).Msg("Task notification failed")
		}
	}
}

// Reload re-reads the config file and swaps the task list. All-or-
// nothing: any load or validation error keeps the previous
// configuration active.
func (d *Daemon) Reload() error {
	cfg, err := d.loader.Load()
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed, previous configuration remains active")
		return err
	}
	d.scheduler.Reload(cfg.Heartbeat.Tasks)
	d.cfg.Heartbeat = cfg.Heartbeat
	d.cfg.Budget = cfg.Budget
	d.cfg.Dispatcher = cfg.Dispatcher
	log.Info().Int("tasks", len(cfg.Heartbeat.Tasks)).Msg("Config reloaded")
	return nil
}

// Run starts every component and blocks until a signal or a fatal
// component error.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.lifecycle.Start(); err != nil {
		return err
	}
	defer func() {
		if err := d.lifecycle.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to release pid file")
		}
	}()
	defer d.history.Close()

	if err := d.store.Update(func(state *statestore.DaemonState) error {
		state.PID = os.Getpid()
		state.StartedAt = time.Now()
		return nil
	}); err != nil {
		return err
	}

	if err := d.registry.StartAll(ctx); err != nil {
		return err
	}

	configPath, err := d.loader.Path()
	if err != nil {
		return err
	}
	watcher, err := config.NewWatcher(configPath, func() {
		if err := d.Reload(); err != nil {
			log.Warn().Err(err).Msg("Hot reload rejected")
		}
	})
	if err != nil {
		return err
	}
	d.watcher = watcher

	var group run.Group

	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	schedCtx, schedCancel := context.WithCancel(ctx)
	group.Add(func() error {
		return d.scheduler.Run(schedCtx)
	}, func(error) {
		schedCancel()
	})

	if d.cfg.Metrics.Enabled {
		server := &http.Server{Addr: d.cfg.Metrics.Listen, Handler: d.metricsMux()}
		group.Add(func() error {
			log.Info().Str("listen", d.cfg.Metrics.Listen).Msg("Metrics endpoint up")
			return server.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	log.Info().Msg("Daemon started")
	err = group.Run()

	d.watcher.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := d.registry.StopAll(stopCtx); stopErr != nil {
		log.Error().Err(stopErr).Msg("Adapter shutdown reported an error")
	}

	if _, ok := err.(run.SignalError); ok {
		log.Info().Msg("Daemon stopped on signal")
		return nil
	}
	return err
}

func (d *Daemon) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	return mux
}
