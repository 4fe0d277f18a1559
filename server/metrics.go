package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go-tunnel/protocol"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sessions  prometheus.Gauge
	inFlight  prometheus.Gauge
	requests  *prometheus.CounterVec
	frames    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	bodyBytes prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "sessions",
			Help:      "Open tunnel sessions.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "requests_in_flight",
			Help:      "Requests accepted and not yet answered with End.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "requests_total",
			Help:      "Requests answered, by outcome.",
		}, []string{"outcome"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "frames_sent_total",
			Help:      "Frames sent to clients, by opcode.",
		}, []string{"opcode"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "frames_dropped_total",
			Help:      "Incoming frames dropped, by reason.",
		}, []string{"reason"}),
		bodyBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "body_bytes_sent_total",
			Help:      "Response body bytes sent in chunk frames.",
		}),
	}
}

const (
	outcomeOK        = "ok"
	outcomeFetchErr  = "fetch_error"
	outcomeInternal  = "internal_error"
	outcomeAborted   = "aborted"
	dropShortFrame   = "short_frame"
	dropBadPayload   = "bad_payload"
	dropReservedOp   = "reserved_opcode"
	dropUnknownOp    = "unknown_opcode"
	dropSessionClose = "session_closed"
)

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) requestStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) requestDone(outcome string) {
	if m != nil {
		m.inFlight.Dec()
		m.requests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) frameSent(op protocol.S2C, payload int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(op.String()).Inc()
	if op == protocol.S2CHTTPResponseChunk {
		m.bodyBytes.Add(float64(payload))
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}
