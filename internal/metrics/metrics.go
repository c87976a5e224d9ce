// Package metrics defines the Prometheus collectors for the coaching
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "volc"

// Turn outcomes.
const (
	TurnOK        = "ok"
	TurnError     = "error"
	TurnCancelled = "cancelled"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	turns             *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	firstToken        prometheus.Histogram
	toolCalls         *prometheus.CounterVec
	modelRetries      prometheus.Counter
	activeConnections prometheus.Gauge
	heartbeatTimeouts prometheus.Counter
	rateLimitDenials  *prometheus.CounterVec
	memoryExtractions *prometheus.CounterVec
	catalogueRefresh  *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coach",
			Name:      "turns_total",
			Help:      "Coaching turns by outcome",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coach",
			Name:      "turn_duration_seconds",
			Help:      "Wall time from message receipt to done frame",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		firstToken: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coach",
			Name:      "time_to_first_content_seconds",
			Help:      "Wall time from message receipt to the first content frame",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 10, 20},
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Catalogue tool executions by tool and status",
		}, []string{"tool", "status"}),
		modelRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "rate_limit_retries_total",
			Help:      "Model calls retried after a provider rate limit",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Open coaching sockets",
		}),
		heartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "heartbeat_timeouts_total",
			Help:      "Sockets closed for missing heartbeats",
		}),
		rateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denials_total",
			Help:      "Requests denied by the rate limit gate",
		}, []string{"action"}),
		memoryExtractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "extractions_total",
			Help:      "Memory extraction runs by outcome",
		}, []string{"outcome"}),
		catalogueRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalogue",
			Name:      "refreshes_total",
			Help:      "Exercise catalogue refreshes by status",
		}, []string{"status"}),
	}
}

// Turn records one finished turn.
func (m *Metrics) Turn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// FirstContent records the latency to the first visible content.
func (m *Metrics) FirstContent(d time.Duration) {
	if m == nil {
		return
	}
	m.firstToken.Observe(d.Seconds())
}

// ToolCall records a tool execution.
func (m *Metrics) ToolCall(tool string, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status(err)).Inc()
}

// ModelRetry records a rate-limit retry.
func (m *Metrics) ModelRetry() {
	if m == nil {
		return
	}
	m.modelRetries.Inc()
}

// SetActiveConnections sets the open socket gauge.
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

// HeartbeatTimeout records a connection timed out by the monitor.
func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// RateLimitDenied records a gate denial.
func (m *Metrics) RateLimitDenied(action string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(action).Inc()
}

// MemoryExtraction records an extraction outcome.
func (m *Metrics) MemoryExtraction(outcome string) {
	if m == nil {
		return
	}
	m.memoryExtractions.WithLabelValues(outcome).Inc()
}

// CatalogueRefresh records a catalogue refresh.
func (m *Metrics) CatalogueRefresh(err error) {
	if m == nil {
		return
	}
	m.catalogueRefresh.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
