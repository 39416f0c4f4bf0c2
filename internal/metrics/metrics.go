package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for herald
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	QuotaDeniedTotal    *prometheus.CounterVec
	SendRetriesTotal    *prometheus.CounterVec
	SessionsTotal       *prometheus.CounterVec

	// Gauges
	SessionActive        prometheus.Gauge
	SessionSentCount     prometheus.Gauge
	PendingConfirmations prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_sent_total",
				Help: "Total number of messages confirmed sent",
			},
			[]string{"channel"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_failed_total",
				Help: "Total number of messages that exhausted their retries",
			},
			[]string{"channel"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_quota_denied_total",
				Help: "Total number of sends skipped because the daily quota was exhausted",
			},
			[]string{"channel"},
		),
		SendRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_send_retries_total",
				Help: "Total number of send retry attempts",
			},
			[]string{"channel"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_sessions_total",
				Help: "Total number of finished dispatch sessions by terminal status",
			},
			[]string{"status"},
		),
		SessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_session_active",
				Help: "Whether a dispatch session is currently running (0 or 1)",
			},
		),
		SessionSentCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_session_sent_count",
				Help: "Messages sent so far in the active session",
			},
		),
		PendingConfirmations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_pending_confirmations",
				Help: "Logical messages awaiting asynchronous sent confirmation",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.QuotaDeniedTotal,
		m.SendRetriesTotal,
		m.SessionsTotal,
		m.SessionActive,
		m.SessionSentCount,
		m.PendingConfirmations,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
