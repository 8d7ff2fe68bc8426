package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionStarted("tcp")
	m.SessionStarted("udp-in-udp")
	m.SessionEnded()
	m.AddBytes("tcp", DirectionUp, 100)
	m.AddBytes("tcp", DirectionUp, 0)
	m.AuthFailed()
	m.HandshakeFailed("auth")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("sessions active %v", got)
	}
	if got := testutil.ToFloat64(m.Sessions.WithLabelValues("tcp")); got != 1 {
		t.Fatalf("tcp sessions %v", got)
	}
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("tcp", DirectionUp)); got != 100 {
		t.Fatalf("bytes %v", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Fatalf("auth failures %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionStarted("tcp")
	m.SessionEnded()
	m.AddDatagrams(DirectionDown, 1)
	m.DatagramDropped("malformed")
	m.ObserveHandshake(0.1)
}
