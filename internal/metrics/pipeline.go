package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality: topic class, drop reason and provider
// only, never camera_id or request_id.

var (
	// BusMessagesTotal counts inbound bus messages by topic class.
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_received_total",
			Help: "Inbound bus messages by topic class",
		},
		[]string{"class"},
	)

	// BusMessagesDroppedTotal counts messages dropped before handling.
	BusMessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_dropped_total",
			Help: "Messages dropped by reason (malformed, incomplete, duplicate, bad_topic)",
		},
		[]string{"reason"},
	)

	// BusConnected reports broker connectivity.
	BusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_connected",
			Help: "Bus connection status (1=connected, 0=down)",
		},
	)

	// FrameRequestsTotal counts frame_request publishes.
	FrameRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frame_requests_sent_total",
			Help: "Frame requests published to cameras",
		},
	)

	// AnalysesTotal counts analysis jobs by provider and outcome.
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyses_total",
			Help: "Analysis jobs by provider and outcome (completed, failed, empty, dropped)",
		},
		[]string{"provider", "outcome"},
	)

	// AnalysisDuration tracks provider round-trip latency.
	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_duration_ms",
			Help:    "Vision provider call duration in milliseconds",
			Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 20000, 30000},
		},
		[]string{"provider"},
	)

	// AnalysisQueueDepth is the dispatcher backlog.
	AnalysisQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysis_queue_depth",
			Help: "Jobs waiting for an analysis worker",
		},
	)

	// EventsStoredTotal counts metadata events persisted.
	EventsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_stored_total",
			Help: "Camera metadata events persisted",
		},
	)

	// AlertsRaisedTotal counts alert messages persisted.
	AlertsRaisedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_raised_total",
			Help: "Camera alerts received and persisted",
		},
	)

	// NotifyDroppedTotal counts fan-out events dropped on slow subscribers.
	NotifyDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_dropped_total",
			Help: "Notification events dropped due to slow subscribers",
		},
	)

	// WSClients is the number of connected event-stream clients.
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Connected websocket event-stream clients",
		},
	)
)

func RecordMessage(class string) {
	BusMessagesTotal.WithLabelValues(class).Inc()
}

func RecordDrop(reason string) {
	BusMessagesDroppedTotal.WithLabelValues(reason).Inc()
}

func SetBusConnected(up bool) {
	if up {
		BusConnected.Set(1)
	} else {
		BusConnected.Set(0)
	}
}

func RecordAnalysis(provider, outcome string) {
	AnalysesTotal.WithLabelValues(provider, outcome).Inc()
}

func ObserveAnalysisDuration(provider string, ms float64) {
	AnalysisDuration.WithLabelValues(provider).Observe(ms)
}
