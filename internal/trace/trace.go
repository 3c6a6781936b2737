// Package trace reads, writes and replays PCAN-style .trc trace files.
//
// A trace is a header of ';' comment lines followed by one line per frame:
//
//	<seq> <offset ms> DT <bus> <id hex> Rx - <dlc> <byte> ...
package trace

import (
	"time"

	"firestige.xyz/canlens/internal/core"
)

// FileVersion is the trace format version this package writes.
const FileVersion = "2.1"

// oleEpoch is day zero of an OLE automation date.
var oleEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Entry is one parsed data line.
type Entry struct {
	Seq      int
	OffsetMs float64
	ID       uint32
	DLC      uint8
	Data     []byte
}

// Frame returns the frame to put on the bus for e.
func (e Entry) Frame() core.Frame {
	f := core.NewFrame(e.ID, e.Data)
	if int(e.DLC) < int(f.DLC) {
		f.DLC = e.DLC
	}
	return f
}

// Offset returns the recorded offset as a duration.
func (e Entry) Offset() time.Duration {
	return time.Duration(e.OffsetMs * float64(time.Millisecond))
}

// toOLE converts t to fractional days since 1899-12-30, counting wall-clock
// time in t's location.
func toOLE(t time.Time) float64 {
	_, off := t.Zone()
	wall := t.UTC().Add(time.Duration(off) * time.Second)
	return wall.Sub(oleEpoch).Hours() / 24
}

// fromOLE is the inverse of toOLE for the local zone.
func fromOLE(days float64, loc *time.Location) time.Time {
	wall := oleEpoch.Add(time.Duration(days * 24 * float64(time.Hour)))
	return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(),
		wall.Second(), wall.Nanosecond(), loc)
}
