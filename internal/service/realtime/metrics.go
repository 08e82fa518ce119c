package realtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knightrooks/agenthub/internal/domain"
)

var processingBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the real-time collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	admissions    *prometheus.CounterVec
	messages      *prometheus.CounterVec
	processing    prometheus.Histogram
	events        *prometheus.CounterVec
	handlerErrors prometheus.Counter
	alerts        *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg. A nil reg disables
// metrics and returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agenthub",
			Subsystem: "realtime",
			Name:      "connected_clients",
			Help:      "Number of currently admitted websocket sessions",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthub",
			Subsystem: "realtime",
			Name:      "connections_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthub",
			Subsystem: "realtime",
			Name:      "messages_total",
			Help:      "Inbound messages by outcome",
		}, []string{"outcome"}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agenthub",
			Subsystem: "realtime",
			Name:      "processing_duration_seconds",
			Help:      "Controller processing time per message",
			Buckets:   processingBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthub",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus by type",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agenthub",
			Subsystem: "events",
			Name:      "handler_errors_total",
			Help:      "Event handler failures",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthub",
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
	}
	m.connections = register(reg, m.connections)
	m.admissions = register(reg, m.admissions)
	m.messages = register(reg, m.messages)
	m.processing = register(reg, m.processing)
	m.events = register(reg, m.events)
	m.handlerErrors = register(reg, m.handlerErrors)
	m.alerts = register(reg, m.alerts)
	return m
}

// register returns the already registered collector when an equal one
// exists, so that building a second Metrics against the same registry works.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) message(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.processing.Observe(seconds)
	}
}

func (m *Metrics) alert(a domain.Alert) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

// EventPublished implements events.Observer.
func (m *Metrics) EventPublished(ev domain.Event, handlerErrors int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Type)).Inc()
	if handlerErrors > 0 {
		m.handlerErrors.Add(float64(handlerErrors))
	}
}
