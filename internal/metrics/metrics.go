// Package metrics exposes Prometheus collectors for the control channel, the
// target registry and the world bridge.
//
// A nil *Metrics is valid and records nothing, so components can take one as
// an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Control channel
	RequestsSent    *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RepliesReceived prometheus.Counter
	StaleReplies    prometheus.Counter
	MalformedFrames prometheus.Counter
	EventsReceived  *prometheus.CounterVec
	PendingRequests prometheus.Gauge

	// Targets
	AttachAttempts  prometheus.Counter
	AttachFailures  *prometheus.CounterVec
	AttachedTargets prometheus.Gauge

	// World relay
	RelayCalls   *prometheus.CounterVec
	BackendCalls *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbridge_requests_sent_total",
				Help: "Commands written to the control channel",
			},
			[]string{"method"},
		),
		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbridge_request_errors_total",
				Help: "Commands that failed, by error kind",
			},
			[]string{"kind"},
		),
		RepliesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shellbridge_replies_received_total",
				Help: "Replies matched to a pending request",
			},
		),
		StaleReplies: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shellbridge_stale_replies_total",
				Help: "Replies with no pending request",
			},
		),
		MalformedFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shellbridge_malformed_frames_total",
				Help: "Inbound frames that could not be decoded",
			},
		),
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbridge_events_received_total",
				Help: "Inbound events by method",
			},
			[]string{"method"},
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shellbridge_pending_requests",
				Help: "Requests awaiting a reply",
			},
		),
		AttachAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shellbridge_attach_attempts_total",
				Help: "Attach sequences started",
			},
		),
		AttachFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbridge_attach_failures_total",
				Help: "Attach sequences aborted, by failed step",
			},
			[]string{"step"},
		),
		AttachedTargets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shellbridge_attached_targets",
				Help: "Targets with a live isolated world",
			},
		),
		RelayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbridge_relay_calls_total",
				Help: "Calls relayed out of isolated worlds, by outcome",
			},
			[]string{"outcome"},
		),
		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbridge_backend_calls_total",
				Help: "Plugin backend calls, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestSent records an outbound command.
func (m *Metrics) RequestSent(method string) {
	if m == nil {
		return
	}
	m.RequestsSent.WithLabelValues(method).Inc()
}

// RequestFailed records a failed command by kind ("transport", "remote", "closed", "canceled").
func (m *Metrics) RequestFailed(kind string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(kind).Inc()
}

// ReplyReceived records a matched reply.
func (m *Metrics) ReplyReceived() {
	if m == nil {
		return
	}
	m.RepliesReceived.Inc()
}

// StaleReply records a reply with no pending request.
func (m *Metrics) StaleReply() {
	if m == nil {
		return
	}
	m.StaleReplies.Inc()
}

// MalformedFrame records an undecodable frame.
func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// EventReceived records an inbound event.
func (m *Metrics) EventReceived(method string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(method).Inc()
}

// SetPending records the current number of pending requests.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// AttachStarted records the start of an attach sequence.
func (m *Metrics) AttachStarted() {
	if m == nil {
		return
	}
	m.AttachAttempts.Inc()
}

// AttachFailed records an aborted attach sequence.
func (m *Metrics) AttachFailed(step string) {
	if m == nil {
		return
	}
	m.AttachFailures.WithLabelValues(step).Inc()
}

// SetAttached records the number of bridged targets.
func (m *Metrics) SetAttached(n int) {
	if m == nil {
		return
	}
	m.AttachedTargets.Set(float64(n))
}

// RelayCall records a relayed world call ("ok", "error", "malformed").
func (m *Metrics) RelayCall(outcome string) {
	if m == nil {
		return
	}
	m.RelayCalls.WithLabelValues(outcome).Inc()
}

// BackendCall records a backend call ("ok", "error").
func (m *Metrics) BackendCall(outcome string) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(outcome).Inc()
}
