package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stepherg/omi"
)

// Metrics holds the Prometheus collectors shared by every connector and
// scheduler of a process. A nil *Metrics records nothing.
type Metrics struct {
	messagesSent      *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	responses         *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	requests          *prometheus.CounterVec
	writesForwarded   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omi",
			Subsystem: "connector",
			Name:      "messages_sent_total",
			Help:      "Total envelopes written to the node",
		}, []string{"endpoint"}),

		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omi",
			Subsystem: "connector",
			Name:      "messages_dropped_total",
			Help:      "Total envelopes dropped without being written",
		}, []string{"endpoint", "reason"}),

		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omi",
			Subsystem: "connector",
			Name:      "responses_total",
			Help:      "Total responses received by return code",
		}, []string{"endpoint", "code"}),

		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omi",
			Subsystem: "connector",
			Name:      "connect_failures_total",
			Help:      "Total failed connection attempts",
		}, []string{"endpoint"}),

		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "omi",
			Subsystem: "connector",
			Name:      "state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
		}, []string{"endpoint"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omi",
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Total read requests issued by polling loops",
		}, []string{"endpoint", "mode"}),

		writesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omi",
			Subsystem: "scheduler",
			Name:      "writes_forwarded_total",
			Help:      "Total write requests forwarded from registry changes",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent,
			m.messagesDropped,
			m.responses,
			m.reconnectAttempts,
			m.connectionState,
			m.requests,
			m.writesForwarded,
		)
	}
	return m
}

func (m *Metrics) sent(endpoint string) {
	if m != nil {
		m.messagesSent.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) dropped(endpoint, reason string) {
	if m != nil {
		m.messagesDropped.WithLabelValues(endpoint, reason).Inc()
	}
}

func (m *Metrics) response(endpoint, code string) {
	if m != nil {
		m.responses.WithLabelValues(endpoint, code).Inc()
	}
}

func (m *Metrics) connectFailed(endpoint string) {
	if m != nil {
		m.reconnectAttempts.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) state(endpoint string, s omi.ConnectionState) {
	if m != nil {
		m.connectionState.WithLabelValues(endpoint).Set(float64(s))
	}
}

func (m *Metrics) request(endpoint string, mode omi.Mode) {
	if m != nil {
		m.requests.WithLabelValues(endpoint, mode.String()).Inc()
	}
}

func (m *Metrics) writeForwarded(endpoint string) {
	if m != nil {
		m.writesForwarded.WithLabelValues(endpoint).Inc()
	}
}
