package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by a Loop.
type Metrics struct {
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	Unrouted          prometheus.Counter
	UnknownHandle     prometheus.Counter
	RecvErrors        prometheus.Counter
	SendErrors        prometheus.Counter

	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsActive  prometheus.Gauge

	PollCycles      prometheus.Counter
	TimeoutsFired   prometheus.Counter
	AppEvents       *prometheus.CounterVec
	StreamsAccepted prometheus.Counter
	StreamChunks    prometheus.Counter
	StreamBytes     prometheus.Counter
}

// NewMetrics creates the collectors for one loop.
// If reg is not nil they are registered with it.
// The loop label distinguishes the loops of one process.
func NewMetrics(reg prometheus.Registerer, loop string) *Metrics {
	labels := prometheus.Labels{"loop": loop}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "shoal",
			Subsystem:   "transport",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &Metrics{
		DatagramsReceived: counter("datagrams_received_total", "UDP datagrams read from the socket."),
		DatagramsSent:     counter("datagrams_sent_total", "UDP datagrams written to the socket."),
		BytesReceived:     counter("bytes_received_total", "Bytes read from the socket."),
		BytesSent:         counter("bytes_sent_total", "Bytes written to the socket."),
		Unrouted:          counter("datagrams_unrouted_total", "Datagrams the engine did not route to any session."),
		UnknownHandle:     counter("datagrams_unknown_handle_total", "Datagrams routed to a handle which is not in the session table."),
		RecvErrors:        counter("recv_errors_total", "Errors reading from the socket."),
		SendErrors:        counter("send_errors_total", "Errors writing to the socket."),

		SessionsCreated: counter("sessions_created_total", "Sessions inserted into the session table."),
		SessionsClosed:  counter("sessions_closed_total", "Sessions discarded after reaching a terminal state."),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "shoal",
			Subsystem:   "transport",
			Name:        "sessions_active",
			Help:        "Sessions currently tracked by the loop.",
			ConstLabels: labels,
		}),

		PollCycles:    counter("poll_cycles_total", "Poll cycles run."),
		TimeoutsFired: counter("timeouts_fired_total", "Session timer deadlines delivered to sessions."),
		AppEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "shoal",
			Subsystem:   "transport",
			Name:        "app_events_total",
			Help:        "Application events consumed, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		StreamsAccepted: counter("streams_accepted_total", "Incoming bidirectional streams accepted."),
		StreamChunks:    counter("stream_chunks_total", "Chunks read from streams."),
		StreamBytes:     counter("stream_bytes_total", "Bytes read from streams."),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			reg.MustRegister(c)
		}
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DatagramsReceived, m.DatagramsSent, m.BytesReceived, m.BytesSent,
		m.Unrouted, m.UnknownHandle, m.RecvErrors, m.SendErrors,
		m.SessionsCreated, m.SessionsClosed, m.SessionsActive,
		m.PollCycles, m.TimeoutsFired, m.AppEvents,
		m.StreamsAccepted, m.StreamChunks, m.StreamBytes,
	}
}
