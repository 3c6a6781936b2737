// Package metrics implements Prometheus metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReadTotal counts frames read from the transport by session mode
	FramesReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_frames_read_total",
			Help: "Total number of frames read from the bus or sent from a trace",
		},
		[]string{"mode"},
	)

	// FramesDecodedTotal counts frames whose id was found in the catalog
	FramesDecodedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_frames_decoded_total",
			Help: "Total number of frames decoded with the signal catalog",
		},
		[]string{"mode"},
	)

	// FramesUnknownTotal counts frames whose id is not in the catalog
	FramesUnknownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_frames_unknown_total",
			Help: "Total number of frames with an id missing from the catalog",
		},
		[]string{"mode"},
	)

	// QueueDroppedTotal counts events discarded by the head-drop policy
	QueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_queue_dropped_total",
			Help: "Total number of events dropped because the queue was full",
		},
		[]string{"mode"},
	)

	// QueueDepth tracks the number of events waiting for the consumer
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canlens_queue_depth",
			Help: "Current number of events waiting in the session queue",
		},
		[]string{"mode"},
	)

	// TransportErrorsTotal counts transport failures by status code
	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_transport_errors_total",
			Help: "Total number of transport errors by status code",
		},
		[]string{"mode", "status"},
	)

	// SinkEventsTotal counts events dispatched per sink
	SinkEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_sink_events_total",
			Help: "Total number of events delivered to each sink",
		},
		[]string{"sink"},
	)

	// SinkErrorsTotal counts sink failures
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_sink_errors_total",
			Help: "Total number of sink errors",
		},
		[]string{"sink"},
	)

	// DispatchLatencySeconds measures time from read to sink dispatch
	DispatchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canlens_dispatch_latency_seconds",
			Help:    "Latency between enqueue and dispatch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"mode"},
	)

	// SessionState tracks the state of the session manager
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canlens_session_state",
			Help: "Current session state (0=idle, 1=running, 2=paused, 3=stopping)",
		},
	)

	// BusStatus holds the last status code reported by the CAN controller
	BusStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canlens_bus_status",
			Help: "Last controller status code (0=ok, 0x4=bus light, 0x8=bus heavy, 0x10=bus off, 0x40000=bus passive)",
		},
	)

	// TransmitFramesTotal counts frames sent by the periodic transmit task
	TransmitFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canlens_transmit_frames_total",
			Help: "Total number of frames sent by the periodic transmit task",
		},
		[]string{"id", "result"},
	)
)

// SessionStateValue represents session state as a numeric value for the gauge
const (
	SessionStateIdle     = 0
	SessionStateRunning  = 1
	SessionStatePaused   = 2
	SessionStateStopping = 3
)

var sessionState atomic.Uint32

// SetSessionState updates the SessionState gauge.
func SetSessionState(v float64) {
	sessionState.Store(uint32(v))
	SessionState.Set(v)
}

var sessionStateNames = [...]string{"idle", "running", "paused", "stopping"}

// SessionStateName names the last value passed to SetSessionState.
func SessionStateName() string {
	v := int(sessionState.Load())
	if v >= len(sessionStateNames) {
		return "unknown"
	}
	return sessionStateNames[v]
}
