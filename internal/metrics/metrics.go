// Package metrics exposes engine counters and histograms to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Rogers-F/threadline/internal/domain"
)

const namespace = "threadline"

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	retries     *prometheus.CounterVec
	calls       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Thread events appended, by type.",
		}, []string{"type"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_outcomes_total",
			Help:      "Threads reaching a terminal event, by outcome.",
		}, []string{"outcome"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints raised, by kind and severity.",
		}, []string{"kind", "severity"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_retries_total",
			Help:      "Local retries of failed executor calls, by operation.",
		}, []string{"op"}),
		calls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_call_seconds",
			Help:      "Executor call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "kind", "success"}),
	}
	for _, c := range []prometheus.Collector{m.events, m.outcomes, m.checkpoints, m.retries, m.calls} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveEvents counts appended events and the outcomes and checkpoints
// they carry.
func (m *Metrics) ObserveEvents(events []domain.Event) {
	if m == nil {
		return
	}
	for _, ev := range events {
		m.events.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type.Terminal() {
			m.outcomes.WithLabelValues(string(ev.Type)).Inc()
		}
		if ev.Type == domain.EventCheckpointReached {
			var cp domain.CheckpointReached
			if err := ev.Decode(&cp); err == nil {
				m.checkpoints.WithLabelValues(string(cp.Kind), string(cp.Severity)).Inc()
			}
		}
	}
}

// ObserveCall records one executor call.
func (m *Metrics) ObserveCall(op, kind string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	ok := "false"
	if success {
		ok = "true"
	}
	m.calls.WithLabelValues(op, kind, ok).Observe(d.Seconds())
}

// Retry counts one local retry of op.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}
