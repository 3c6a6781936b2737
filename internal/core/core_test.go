package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewFrame(t *testing.T) {
	t.Run("standard", func(t *testing.T) {
		f := NewFrame(0x123, []byte{0x01, 0x02, 0x03})
		if f.Extended {
			t.Errorf("expected standard frame for id 0x123")
		}
		if f.DLC != 3 {
			t.Errorf("expected DLC=3, got %d", f.DLC)
		}
		if got := f.Payload(); len(got) != 3 || got[2] != 0x03 {
			t.Errorf("unexpected payload %v", got)
		}
	})

	t.Run("extended", func(t *testing.T) {
		f := NewFrame(0x18FEF100, nil)
		if !f.Extended {
			t.Errorf("expected extended frame for id 0x18FEF100")
		}
		if f.DLC != 0 {
			t.Errorf("expected DLC=0, got %d", f.DLC)
		}
	})

	t.Run("payload truncated to 8 bytes", func(t *testing.T) {
		f := NewFrame(0x10, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
		if f.DLC != 8 {
			t.Errorf("expected DLC=8, got %d", f.DLC)
		}
	})
}

func TestFrameString(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{NewFrame(0x100, []byte{0xAB, 0x01}), "100 [2] AB 01"},
		{NewFrame(0x7, nil), "007 [0]"},
		{NewFrame(0x18FEF100, []byte{0xFF}), "18FEF100 [1] FF"},
	}
	for _, tt := range tests {
		if got := tt.frame.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDecodedEventTime(t *testing.T) {
	now := time.Now()
	live := DecodedEvent{Source: SourceLive, Timestamp: now}
	if !live.Time().Equal(now) {
		t.Errorf("live event time = %v, want %v", live.Time(), now)
	}

	replay := DecodedEvent{Source: SourceReplay, Offset: 250 * time.Millisecond, Timestamp: now}
	want := time.Unix(0, 0).Add(250 * time.Millisecond)
	if !replay.Time().Equal(want) {
		t.Errorf("replay event time = %v, want %v", replay.Time(), want)
	}
}

func TestDecodedEventSignal(t *testing.T) {
	ev := DecodedEvent{Signals: []SignalValue{{Name: "Speed", Value: 42}, {Name: "Rpm", Value: 900}}}
	s, ok := ev.Signal("Rpm")
	if !ok || s.Value != 900 {
		t.Errorf("Signal(Rpm) = %v, %v", s, ok)
	}
	if _, ok := ev.Signal("Missing"); ok {
		t.Errorf("expected Missing to be absent")
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("start replay: %w", ErrSessionActive)
	if !errors.Is(err, ErrSessionActive) {
		t.Errorf("expected wrapped error to match ErrSessionActive")
	}
	if errors.Is(err, ErrNoCatalog) {
		t.Errorf("did not expect ErrNoCatalog to match")
	}
}
