package sink

import (
	"time"

	"firestige.xyz/canlens/internal/core"
)

// Record is the serialized form of a decoded event shared by the kafka and
// export sinks. cbor falls back to the json tags.
type Record struct {
	ID       uint32         `json:"id" msgpack:"id"`
	Extended bool           `json:"extended,omitempty" msgpack:"extended,omitempty"`
	DLC      uint8          `json:"dlc" msgpack:"dlc"`
	Data     []byte         `json:"data" msgpack:"data"`
	Source   string         `json:"source" msgpack:"source"`
	Time     time.Time      `json:"time" msgpack:"time"`
	OffsetMs float64        `json:"offset_ms,omitempty" msgpack:"offset_ms,omitempty"`
	Signals  []SignalRecord `json:"signals,omitempty" msgpack:"signals,omitempty"`
}

// SignalRecord is one decoded value inside a Record.
type SignalRecord struct {
	Name  string  `json:"name" msgpack:"name"`
	Value float64 `json:"value" msgpack:"value"`
	Unit  string  `json:"unit,omitempty" msgpack:"unit,omitempty"`
}

// NewRecord flattens ev.
func NewRecord(ev *core.DecodedEvent) Record {
	r := Record{
		ID:       ev.Frame.ID,
		Extended: ev.Frame.Extended,
		DLC:      ev.Frame.DLC,
		Data:     append([]byte(nil), ev.Frame.Payload()...),
		Source:   ev.Source.String(),
		Time:     ev.Time().UTC(),
	}
	if ev.Source == core.SourceReplay {
		r.OffsetMs = float64(ev.Offset.Microseconds()) / 1000
	}
	if len(ev.Signals) > 0 {
		r.Signals = make([]SignalRecord, len(ev.Signals))
		for i, s := range ev.Signals {
			r.Signals[i] = SignalRecord{Name: s.Name, Value: s.Value, Unit: s.Unit}
		}
	}
	return r
}
