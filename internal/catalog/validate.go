package catalog

import "fmt"

// ProblemKind classifies a layout problem.
type ProblemKind string

const (
	ProblemOverlap    ProblemKind = "overlap"
	ProblemOutOfRange ProblemKind = "out_of_range"
)

// Problem is a signal layout defect found by Validate.
type Problem struct {
	Kind      ProblemKind
	MessageID uint32
	Message   string
	Signal    string
	Other     string // second signal for overlaps
}

func (p Problem) String() string {
	if p.Kind == ProblemOverlap {
		return fmt.Sprintf("message %s (0x%X): signals %s and %s overlap", p.Message, p.MessageID, p.Signal, p.Other)
	}
	return fmt.Sprintf("message %s (0x%X): signal %s extends past 64 bits", p.Message, p.MessageID, p.Signal)
}

// bitMask returns the payload bits covered by s and whether all of them fall inside 64 bits.
func bitMask(s *Signal) (uint64, bool) {
	var m uint64
	inside := true
	pos := s.StartBit
	for i := 0; i < s.BitLength; i++ {
		if pos < 0 || pos >= payloadBits {
			inside = false
		} else {
			m |= 1 << uint(pos)
		}
		pos = nextBit(s.ByteOrder, pos)
	}
	return m, inside
}

// Validate reports overlapping signals and signals that leave the 8-byte payload.
// Multiplexed signals share bits by construction and are only checked against
// non-multiplexed ones.
func (c *Catalog) Validate() []Problem {
	var problems []Problem
	for _, m := range c.messages {
		masks := make([]uint64, len(m.Signals))
		for i := range m.Signals {
			s := &m.Signals[i]
			bits, inside := bitMask(s)
			masks[i] = bits
			if !inside {
				problems = append(problems, Problem{Kind: ProblemOutOfRange, MessageID: m.ID, Message: m.Name, Signal: s.Name})
			}
			for j := 0; j < i; j++ {
				o := &m.Signals[j]
				if isMuxed(s) && isMuxed(o) {
					continue
				}
				if masks[j]&bits != 0 {
					problems = append(problems, Problem{Kind: ProblemOverlap, MessageID: m.ID, Message: m.Name, Signal: o.Name, Other: s.Name})
				}
			}
		}
	}
	return problems
}

func isMuxed(s *Signal) bool {
	return len(s.Mux) > 0 && s.Mux[0] == 'm'
}
