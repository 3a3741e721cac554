package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon
type Metrics struct {
	registry *prometheus.Registry

	// Engine spawn metrics
	SpawnsTotal   *prometheus.CounterVec
	SpawnDuration *prometheus.HistogramVec
	TokensUsed    prometheus.Counter

	// Scheduled task metrics
	TaskRunsTotal *prometheus.CounterVec

	// Chat metrics
	MessagesReceivedTotal *prometheus.CounterVec
	MessagesSentTotal     *prometheus.CounterVec
	CooldownRejectsTotal  prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SpawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_spawns_total",
				Help: "Total number of engine spawns",
			},
			[]string{"mode", "status"},
		),
		SpawnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_spawn_duration_seconds",
				Help:    "Duration of engine spawns in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		TokensUsed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "budget_tokens_used_total",
				Help: "Estimated tokens recorded against the budget",
			},
		),
		TaskRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartbeat_task_runs_total",
				Help: "Total number of scheduled task runs",
			},
			[]string{"task", "status"},
		),
		MessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_received_total",
				Help: "Total number of inbound chat messages",
			},
			[]string{"channel"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_sent_total",
				Help: "Total number of outbound chat messages",
			},
			[]string{"channel"},
		),
		CooldownRejectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_cooldown_rejects_total",
				Help: "Requests rejected by the per-chat cooldown",
			},
		),
	}

	registry.MustRegister(
		m.SpawnsTotal,
		m.SpawnDuration,
		m.TokensUsed,
		m.TaskRunsTotal,
		m.MessagesReceivedTotal,
		m.MessagesSentTotal,
		m.CooldownRejectsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
