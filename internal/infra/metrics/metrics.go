// Package metrics holds the Prometheus collectors of the runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// Metrics groups the collectors shared by the topic bus, the registry and
// the actors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PublishFailures  *prometheus.CounterVec
	EnvelopesRouted  *prometheus.CounterVec
	EnvelopesDropped *prometheus.CounterVec
	MailboxDepth     *prometheus.GaugeVec
	Iterations       *prometheus.CounterVec
	ActiveActors     prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use to read values in isolation.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Envelopes that could not be published, by event type.",
		}, []string{"event"}),
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_routed_total",
			Help:      "Envelopes delivered to actor mailboxes, by event type.",
		}, []string{"event"}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes discarded by mailbox overflow or guards, by reason.",
		}, []string{"reason"}),
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_depth",
			Help:      "Envelopes waiting in an actor mailbox.",
		}, []string{"agent"}),
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Finished iteration contexts, by outcome.",
		}, []string{"outcome"}),
		ActiveActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_actors",
			Help:      "Actors currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PublishFailures,
			m.EnvelopesRouted,
			m.EnvelopesDropped,
			m.MailboxDepth,
			m.Iterations,
			m.ActiveActors,
		)
	}
	return m
}

// PublishFailed counts a swallowed publish error.
func (m *Metrics) PublishFailed(event string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(event).Inc()
}

// Routed counts an envelope pushed onto a mailbox.
func (m *Metrics) Routed(event string) {
	if m == nil {
		return
	}
	m.EnvelopesRouted.WithLabelValues(event).Inc()
}

// Dropped counts a discarded envelope.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// SetMailboxDepth records the depth of agentID's mailbox.
func (m *Metrics) SetMailboxDepth(agentID string, depth int) {
	if m == nil {
		return
	}
	m.MailboxDepth.WithLabelValues(agentID).Set(float64(depth))
}

// ForgetAgent removes the per-agent series of a stopped actor.
func (m *Metrics) ForgetAgent(agentID string) {
	if m == nil {
		return
	}
	m.MailboxDepth.DeleteLabelValues(agentID)
}

// IterationFinished counts an iteration by outcome (complete, interrupted,
// skipped, error).
func (m *Metrics) IterationFinished(outcome string) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(outcome).Inc()
}

// ActorStarted increments the running actor gauge.
func (m *Metrics) ActorStarted() {
	if m == nil {
		return
	}
	m.ActiveActors.Inc()
}

// ActorStopped decrements the running actor gauge.
func (m *Metrics) ActorStopped() {
	if m == nil {
		return
	}
	m.ActiveActors.Dec()
}
