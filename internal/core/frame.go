// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"strings"
	"time"
)

// MaxDLC is the largest classic CAN payload length.
const MaxDLC = 8

// MaxStandardID is the largest 11-bit identifier.
const MaxStandardID = 0x7FF

// MaxExtendedID is the largest 29-bit identifier.
const MaxExtendedID = 0x1FFFFFFF

// Frame is one bus message as read from or written to a transport.
type Frame struct {
	ID        uint32
	Extended  bool // 29-bit identifier
	DLC       uint8
	Data      [MaxDLC]byte
	Timestamp time.Time // Capture time (zero for frames built locally)
}

// NewFrame builds a frame from an id and up to 8 payload bytes.
// Extended is derived from the id range.
func NewFrame(id uint32, payload []byte) Frame {
	f := Frame{ID: id, Extended: id > MaxStandardID}
	n := copy(f.Data[:], payload)
	f.DLC = uint8(n)
	return f
}

// Payload returns the valid bytes of the frame.
func (f Frame) Payload() []byte {
	dlc := int(f.DLC)
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	return f.Data[:dlc]
}

// String renders the frame as "123 [3] 01 02 03".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.DLC)
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}
