package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector exported by the server and the bot CLI.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	votes          *prometheus.CounterVec
	lootEntries    *prometheus.CounterVec
	stuckDetected  *prometheus.CounterVec
	recoveryAction *prometheus.CounterVec
	watchdogAlerts *prometheus.CounterVec
	botsOnline     prometheus.Gauge
	activeSessions prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swgdb_http_requests_total",
				Help: "HTTP requests handled, by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swgdb_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		votes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swgdb_votes_total",
				Help: "Vote submissions by target type and outcome",
			},
			[]string{"target_type", "outcome"}, // accepted, rate_limited, duplicate, invalid
		),
		lootEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swgdb_loot_entries_total",
				Help: "Loot entries stored, by category",
			},
			[]string{"category"},
		),
		stuckDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ms11_stuck_detections_total",
				Help: "Stuck incidents opened, by kind",
			},
			[]string{"kind"},
		),
		recoveryAction: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ms11_recovery_actions_total",
				Help: "Recovery actions dispatched, by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		watchdogAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ms11_watchdog_alerts_total",
				Help: "PvP watchdog alerts, by threat level",
			},
			[]string{"level"},
		),
		botsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swgdb_bots_online",
			Help: "Bots connected over the telemetry WebSocket",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swgdb_active_sessions",
			Help: "Bot sessions in the active state",
		}),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.votes,
		m.lootEntries,
		m.stuckDetected,
		m.recoveryAction,
		m.watchdogAlerts,
		m.botsOnline,
		m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the promhttp handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *Metrics) Vote(targetType, outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(targetType, outcome).Inc()
}

func (m *Metrics) LootStored(category string) {
	if m == nil {
		return
	}
	m.lootEntries.WithLabelValues(category).Inc()
}

func (m *Metrics) StuckDetected(kind string) {
	if m == nil {
		return
	}
	m.stuckDetected.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecoveryAction(action, outcome string) {
	if m == nil {
		return
	}
	m.recoveryAction.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) WatchdogAlert(level string) {
	if m == nil {
		return
	}
	m.watchdogAlerts.WithLabelValues(level).Inc()
}

func (m *Metrics) SetBotsOnline(n int) {
	if m == nil {
		return
	}
	m.botsOnline.Set(float64(n))
}

func (m *Metrics) SetActiveSessions(n int64) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
