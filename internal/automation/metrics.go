package automation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pending    prometheus.Gauge
	ticks      prometheus.Counter
	coalesced  prometheus.Counter
	events     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcana",
			Subsystem: "automation",
			Name:      "executions_total",
			Help:      "Rule executions by action kind and status.",
		}, []string{"action", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arcana",
			Subsystem: "automation",
			Name:      "execution_duration_seconds",
			Help:      "Action execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcana",
			Subsystem: "automation",
			Name:      "pending_delayed",
			Help:      "Delayed executions waiting for their timer.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcana",
			Subsystem: "automation",
			Name:      "ticks_total",
			Help:      "Scheduler ticks processed.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcana",
			Subsystem: "automation",
			Name:      "ticks_coalesced_total",
			Help:      "Ticks dropped because the previous tick was still running.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcana",
			Subsystem: "automation",
			Name:      "events_total",
			Help:      "Domain events received by event type.",
		}, []string{"event_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.duration, m.pending, m.ticks, m.coalesced, m.events)
	}
	return m
}

func (m *Metrics) observeExecution(action ActionKind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(action), status).Inc()
	m.duration.WithLabelValues(string(action)).Observe(d.Seconds())
}

func (m *Metrics) pendingAdd(delta float64) {
	if m == nil {
		return
	}
	m.pending.Add(delta)
}

func (m *Metrics) tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) coalesce() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
