package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the control core.
type Metrics struct {
	registry *prometheus.Registry

	Transitions         *prometheus.CounterVec
	RejectedTransitions *prometheus.CounterVec
	ReconnectAttempts   *prometheus.CounterVec
	ChannelStatus       *prometheus.GaugeVec
	StaleMessages       *prometheus.CounterVec
	Captures            *prometheus.CounterVec
	FaceSearches        *prometheus.CounterVec
	HeartbeatsSent      prometheus.Counter
	FailsafeEntries     prometheus.Counter
	ActuatorCommands    *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "robotcore"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Applied interaction state transitions",
		}, []string{"from", "to"}),
		RejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_rejected_total",
			Help:      "Transition requests outside the documented edges",
		}, []string{"from", "to"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Transport reconnect attempts",
		}, []string{"link"}),
		ChannelStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_up",
			Help:      "1 when the link is usable",
		}, []string{"link"}),
		StaleMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_messages_total",
			Help:      "Backend messages dropped for not matching the open request",
		}, []string{"type"}),
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_captures_total",
			Help:      "Voice captures by outcome",
		}, []string{"outcome"}),
		FaceSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "face_searches_total",
			Help:      "Face searches by outcome",
		}, []string{"outcome"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_heartbeats_total",
			Help:      "Heartbeats written to the actuator link",
		}),
		FailsafeEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_failsafe_total",
			Help:      "Times the actuator link entered failsafe",
		}),
		ActuatorCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_commands_total",
			Help:      "Actuator commands by kind and result",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(
		m.Transitions,
		m.RejectedTransitions,
		m.ReconnectAttempts,
		m.ChannelStatus,
		m.StaleMessages,
		m.Captures,
		m.FaceSearches,
		m.HeartbeatsSent,
		m.FailsafeEntries,
		m.ActuatorCommands,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetLinkUp records whether a link is usable.
func (m *Metrics) SetLinkUp(link string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.ChannelStatus.WithLabelValues(link).Set(value)
}
