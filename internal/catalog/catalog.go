// Package catalog parses DBC signal dictionaries and decodes CAN payloads into
// named physical values.
//
// A Catalog is immutable once Load returns. It is safe for concurrent use by any
// number of decoders; reloading produces a new Catalog.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"firestige.xyz/canlens/internal/core"
)

// ByteOrder is the bit-numbering convention of a signal.
type ByteOrder uint8

const (
	// LittleEndian is the Intel layout (DBC "@1").
	LittleEndian ByteOrder = iota
	// BigEndian is the Motorola layout (DBC "@0").
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big_endian"
	}
	return "little_endian"
}

// ErrSignalLayout is returned by strict loads whose signals overlap or leave the payload.
var ErrSignalLayout = errors.New("catalog: invalid signal layout")

// Signal describes one bit range inside a message payload.
type Signal struct {
	Name      string
	StartBit  int
	BitLength int
	ByteOrder ByteOrder
	Signed    bool
	Scale     float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string
	Receivers []string
	Mux       string // multiplexer indicator as written ("M", "m3"), informational only
	Comment   string
}

// Receiver returns the receiving nodes joined by commas.
func (s *Signal) Receiver() string {
	return strings.Join(s.Receivers, ",")
}

// Message describes one CAN message and its signals in file order.
type Message struct {
	ID          uint32
	Extended    bool
	Name        string
	Length      int
	Sender      string
	Description string
	Signals     []Signal
}

// Signal looks up a signal by name.
func (m *Message) Signal(name string) (*Signal, bool) {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i], true
		}
	}
	return nil, false
}

// msgKey tells a standard 0x100 apart from an extended 0x100.
type msgKey struct {
	id       uint32
	extended bool
}

// keyOf keys id; ids above the 11-bit range are always extended.
func keyOf(id uint32, extended bool) msgKey {
	return msgKey{id: id, extended: extended || id > core.MaxStandardID}
}

// Catalog is a parsed signal dictionary.
type Catalog struct {
	messages []*Message
	index    map[msgKey]*Message
	warnings []*ParseError
	problems []Problem
}

func newCatalog() *Catalog {
	return &Catalog{index: make(map[msgKey]*Message)}
}

// Messages returns the messages in the order they appeared. Callers must not modify them.
func (c *Catalog) Messages() []*Message {
	return c.messages
}

// Message returns the definition for id. Ids up to 0x7FF name standard
// frames; use Lookup for an extended message with a small id.
func (c *Catalog) Message(id uint32) (*Message, bool) {
	return c.Lookup(id, false)
}

// Lookup returns the definition for id in the given frame format.
func (c *Catalog) Lookup(id uint32, extended bool) (*Message, bool) {
	m, ok := c.index[keyOf(id, extended)]
	return m, ok
}

// Len returns the number of messages.
func (c *Catalog) Len() int {
	return len(c.messages)
}

// Warnings lists the records skipped while parsing.
func (c *Catalog) Warnings() []*ParseError {
	return c.warnings
}

// Problems lists layout problems found at load time.
func (c *Catalog) Problems() []Problem {
	return c.problems
}

// DecodeFrame decodes payload with the definition of message id.
// An unknown id yields nil. Bits past the end of payload read as zero.
func (c *Catalog) DecodeFrame(id uint32, payload []byte) []core.SignalValue {
	m, ok := c.Message(id)
	if !ok {
		return nil
	}
	return m.decode(payload)
}

// Decode decodes f with the message of the same id and frame format.
func (c *Catalog) Decode(f core.Frame) []core.SignalValue {
	m, ok := c.Lookup(f.ID, f.Extended)
	if !ok {
		return nil
	}
	return m.decode(f.Payload())
}

func (m *Message) decode(payload []byte) []core.SignalValue {
	if len(m.Signals) == 0 {
		return nil
	}
	out := make([]core.SignalValue, len(m.Signals))
	for i := range m.Signals {
		s := &m.Signals[i]
		out[i] = core.SignalValue{
			Name:  s.Name,
			Value: s.Physical(ExtractRaw(s, payload)),
			Unit:  s.Unit,
		}
	}
	return out
}

// Encode builds a payload for message id from physical signal values.
// Signals not named in values are left zero.
func (c *Catalog) Encode(id uint32, values map[string]float64) ([]byte, error) {
	m, ok := c.Message(id)
	if !ok {
		return nil, fmt.Errorf("encode: unknown message id 0x%X", id)
	}
	return m.Encode(values)
}
