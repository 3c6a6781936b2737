package catalog

import (
	"fmt"
	"math"
)

// payloadBits is the widest classic CAN payload in bits.
const payloadBits = 64

// nextBit returns the payload bit that follows pos when walking a signal from its
// most significant bit. Motorola numbering runs down inside a byte and continues at
// bit 7 of the next byte.
func nextBit(order ByteOrder, pos int) int {
	if order == LittleEndian {
		return pos + 1
	}
	if pos%8 == 0 {
		return pos + 15
	}
	return pos - 1
}

func bitAt(payload []byte, pos int) uint64 {
	if pos < 0 || pos/8 >= len(payload) {
		return 0
	}
	return uint64(payload[pos/8]>>(uint(pos)%8)) & 1
}

// ExtractRaw returns the unsigned raw value of s in payload. The result always fits
// in BitLength bits; bits beyond the payload read as zero.
func ExtractRaw(s *Signal, payload []byte) uint64 {
	var raw uint64
	pos := s.StartBit
	if s.ByteOrder == LittleEndian {
		for i := 0; i < s.BitLength; i++ {
			raw |= bitAt(payload, pos) << uint(i)
			pos = nextBit(LittleEndian, pos)
		}
		return raw
	}
	for i := 0; i < s.BitLength; i++ {
		raw = raw<<1 | bitAt(payload, pos)
		pos = nextBit(BigEndian, pos)
	}
	return raw
}

// Physical converts a raw value into the scaled physical value, sign-extending
// signed signals.
func (s *Signal) Physical(raw uint64) float64 {
	var v float64
	if s.Signed {
		v = float64(signExtend(raw, s.BitLength))
	} else {
		v = float64(raw)
	}
	return v*s.Scale + s.Offset
}

func signExtend(raw uint64, bits int) int64 {
	if bits >= 64 {
		return int64(raw)
	}
	if raw&(1<<uint(bits-1)) != 0 {
		return int64(raw | ^(uint64(1)<<uint(bits) - 1))
	}
	return int64(raw)
}

// Raw converts a physical value into the raw bit pattern, rounding to the nearest
// step and clamping to what the signal can hold.
func (s *Signal) Raw(physical float64) (uint64, error) {
	if s.Scale == 0 {
		return 0, fmt.Errorf("signal %s has zero scale", s.Name)
	}
	v := math.Round((physical - s.Offset) / s.Scale)
	if s.Signed {
		lo, hi := -math.Ldexp(1, s.BitLength-1), math.Ldexp(1, s.BitLength-1)-1
		v = math.Max(lo, math.Min(hi, v))
		return uint64(int64(v)) & mask(s.BitLength), nil
	}
	hi := math.Ldexp(1, s.BitLength) - 1
	v = math.Max(0, math.Min(hi, v))
	if v >= math.Ldexp(1, 63) {
		return uint64(v), nil
	}
	return uint64(int64(v)) & mask(s.BitLength), nil
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return uint64(1)<<uint(bits) - 1
}

// insertRaw writes raw into payload using the layout of s. Bits beyond the payload are dropped.
func insertRaw(s *Signal, payload []byte, raw uint64) {
	set := func(pos int, bit uint64) {
		if pos < 0 || pos/8 >= len(payload) {
			return
		}
		b := byte(1) << (uint(pos) % 8)
		if bit != 0 {
			payload[pos/8] |= b
		} else {
			payload[pos/8] &^= b
		}
	}

	pos := s.StartBit
	for i := 0; i < s.BitLength; i++ {
		var bit uint64
		if s.ByteOrder == LittleEndian {
			bit = raw >> uint(i) & 1
		} else {
			bit = raw >> uint(s.BitLength-1-i) & 1
		}
		set(pos, bit)
		pos = nextBit(s.ByteOrder, pos)
	}
}

// Encode builds a payload of the message length from physical values.
func (m *Message) Encode(values map[string]float64) ([]byte, error) {
	n := m.Length
	if n > 8 {
		n = 8
	}
	payload := make([]byte, n)
	for name, v := range values {
		s, ok := m.Signal(name)
		if !ok {
			return nil, fmt.Errorf("encode %s: unknown signal %s", m.Name, name)
		}
		raw, err := s.Raw(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Name, err)
		}
		insertRaw(s, payload, raw)
	}
	return payload, nil
}
