// Package metrics provides Prometheus metrics for s5tunnel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "s5tunnel"

// Direction labels. Up is toward the destination, down is toward the client.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	Sessions         *prometheus.CounterVec
	HandshakeErrors  *prometheus.CounterVec
	AuthFailures     prometheus.Counter
	HandshakeLatency prometheus.Histogram

	BytesRelayed     *prometheus.CounterVec
	DatagramsRelayed *prometheus.CounterVec
	DatagramsDropped *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently relaying",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions that completed a handshake, by kind",
		}, []string{"kind"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Failed handshakes by reason",
		}, []string{"reason"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Username/password authentication failures",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from accept to reply sent",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes relayed by session kind and direction",
		}, []string{"kind", "direction"}),
		DatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_relayed_total",
			Help:      "UDP datagrams relayed by direction",
		}, []string{"direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "UDP datagrams dropped by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind).Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) ObserveHandshake(seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(seconds)
}

func (m *Metrics) AddBytes(kind, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(kind, direction).Add(float64(n))
}

func (m *Metrics) AddDatagrams(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DatagramsRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) DatagramDropped(reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}
