package registry

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics holds the server-wide instruments shared across components.
// Component-specific instruments (cache gauges, pool stats) are registered by
// the owning component instead.
type CoreMetrics struct {
	// ConnectionsOpen tracks currently open client connections by protocol
	// (http, plaintext, websocket).
	ConnectionsOpen *prometheus.GaugeVec

	// ConnectionsTotal counts accepted client connections by protocol.
	ConnectionsTotal *prometheus.CounterVec

	// ProtocolRejections counts connections closed because the first bytes
	// matched no known protocol.
	ProtocolRejections prometheus.Counter

	// TracesIngested counts successfully decoded trace submissions by
	// transport (plaintext, http, websocket).
	TracesIngested *prometheus.CounterVec

	// DecodeErrors counts trace payloads that failed to decode, by transport.
	DecodeErrors *prometheus.CounterVec

	// EventsDispatched counts cache events fanned out to subscribers, by
	// event kind.
	EventsDispatched *prometheus.CounterVec

	// ErrorsTotal counts errors by component and classification.
	ErrorsTotal *prometheus.CounterVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ConnectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsdblite_connections_open",
			Help: "Currently open client connections by protocol",
		}, []string{"protocol"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdblite_connections_total",
			Help: "Accepted client connections by protocol",
		}, []string{"protocol"}),
		ProtocolRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsdblite_protocol_rejections_total",
			Help: "Connections closed because the protocol could not be identified",
		}),
		TracesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdblite_traces_ingested_total",
			Help: "Successfully decoded trace submissions by transport",
		}, []string{"transport"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdblite_decode_errors_total",
			Help: "Trace payloads that failed to decode by transport",
		}, []string{"transport"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdblite_events_dispatched_total",
			Help: "Cache events dispatched to subscribers by kind",
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdblite_errors_total",
			Help: "Errors by component and classification",
		}, []string{"component", "class"}),
	}
}

func (m *CoreMetrics) mustRegisterAll(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ConnectionsOpen,
		m.ConnectionsTotal,
		m.ProtocolRejections,
		m.TracesIngested,
		m.DecodeErrors,
		m.EventsDispatched,
		m.ErrorsTotal,
	)
}
