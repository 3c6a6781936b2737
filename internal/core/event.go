package core

import "time"

// EventSource tells where a decoded event came from.
type EventSource uint8

const (
	// SourceLive marks events read from the bus.
	SourceLive EventSource = iota
	// SourceReplay marks events re-sent from a recorded trace.
	SourceReplay
)

func (s EventSource) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// SignalValue is one decoded physical value.
type SignalValue struct {
	Name  string
	Value float64
	Unit  string
}

// DecodedEvent is the unit handed from producer to consumer.
// Ownership transfers on enqueue: the consumer is the only reader after dequeue.
type DecodedEvent struct {
	Frame   Frame
	Signals []SignalValue
	Source  EventSource
	Session string

	// Timestamp is the capture wall-clock time (live events).
	Timestamp time.Time
	// Offset is the recorded trace offset relative to the first entry (replay events).
	Offset time.Duration
}

// Time returns the instant the recorder should use for this event.
// Replay events are anchored at the Unix epoch so that relative offsets survive.
func (e *DecodedEvent) Time() time.Time {
	if e.Source == SourceReplay {
		return time.Unix(0, 0).Add(e.Offset)
	}
	return e.Timestamp
}

// Signal looks up a decoded value by name.
func (e *DecodedEvent) Signal(name string) (SignalValue, bool) {
	for _, s := range e.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalValue{}, false
}
