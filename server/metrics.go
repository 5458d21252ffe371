package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slurm-rpc/message"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	malformedFrames prometheus.Counter
	unknownMessages prometheus.Counter
	connections     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registerer
// unless it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	const (
		namespace = "slurmrpc"
		subsystem = "server"
	)

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Number of requests served, by message type and return code",
		}, []string{"type", "rc"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time spent in handlers, by message type",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_frames_total",
			Help:      "Number of connections dropped for malformed frames",
		}),
		unknownMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unknown_messages_total",
			Help:      "Number of frames with a message type outside the codec table",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of open client connections",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.requests,
			m.requestDuration,
			m.malformedFrames,
			m.unknownMessages,
			m.connections,
		)
	}
	return m
}

func (m *Metrics) observe(t message.MsgType, rc message.ReturnCode, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(t.String(), strconv.Itoa(int(rc))).Inc()
	m.requestDuration.WithLabelValues(t.String()).Observe(d.Seconds())
}

func (m *Metrics) malformedFrame() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) unknownMessage() {
	if m != nil {
		m.unknownMessages.Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}
