package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-session pipeline counters.
type Metrics struct {
	Read            atomic.Uint64
	Decoded         atomic.Uint64
	Unknown         atomic.Uint64
	Discarded       atomic.Uint64
	Enqueued        atomic.Uint64
	Dispatched      atomic.Uint64
	SinkErrors      atomic.Uint64
	TransportErrors atomic.Uint64
	Overruns        atomic.Uint64
}
