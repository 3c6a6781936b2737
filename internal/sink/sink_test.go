package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
)

type stubSink struct {
	Callback
	cfg map[string]any
}

func (s *stubSink) Init(cfg map[string]any) error {
	if cfg["fail"] == true {
		return errors.New("boom")
	}
	s.cfg = cfg
	return nil
}

func init() {
	Register("stub", func() Sink { return &stubSink{Callback: Callback{name: "stub"}} })
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() { Register("stub", func() Sink { return nil }) })
}

func TestBuild(t *testing.T) {
	sinks, err := Build([]config.SinkConfig{{Type: "stub", Config: map[string]any{"a": 1}}})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "stub", sinks[0].Name())
	assert.Contains(t, Types(), "stub")

	_, err = Build([]config.SinkConfig{{Type: "nope"}})
	assert.ErrorIs(t, err, core.ErrPluginNotFound)

	_, err = Build([]config.SinkConfig{{Type: "stub", Config: map[string]any{"fail": true}}})
	assert.ErrorIs(t, err, core.ErrPluginInitFailed)
}

func TestDecodeConfig(t *testing.T) {
	var out struct {
		Size    int           `mapstructure:"size"`
		Enabled bool          `mapstructure:"enabled"`
		Every   time.Duration `mapstructure:"every"`
	}
	require.NoError(t, DecodeConfig(map[string]any{"size": "12", "enabled": "true", "every": "250ms"}, &out))
	assert.Equal(t, 12, out.Size)
	assert.True(t, out.Enabled)
	assert.Equal(t, 250*time.Millisecond, out.Every)

	assert.Error(t, DecodeConfig(map[string]any{"unknown": 1}, &out))
}

func TestCallback(t *testing.T) {
	var got []uint32
	cb := NewCallback("ui", func(ev *core.DecodedEvent) { got = append(got, ev.Frame.ID) })
	assert.Equal(t, "ui", cb.Name())
	for _, id := range []uint32{3, 1, 2} {
		require.NoError(t, cb.OnDecodedEvent(context.Background(), &core.DecodedEvent{Frame: core.NewFrame(id, nil)}))
	}
	assert.Equal(t, []uint32{3, 1, 2}, got)
}

func TestNewRecord(t *testing.T) {
	ev := &core.DecodedEvent{
		Frame:   core.NewFrame(0x18FEF100, []byte{1, 2}),
		Signals: []core.SignalValue{{Name: "S", Value: 1.5, Unit: "V"}},
		Source:  core.SourceReplay,
		Offset:  1250 * time.Microsecond,
	}
	r := NewRecord(ev)
	assert.True(t, r.Extended)
	assert.Equal(t, uint8(2), r.DLC)
	assert.Equal(t, "replay", r.Source)
	assert.Equal(t, 1.25, r.OffsetMs)
	assert.Equal(t, time.Unix(0, 0).Add(1250*time.Microsecond).UTC(), r.Time)
	assert.Equal(t, []SignalRecord{{Name: "S", Value: 1.5, Unit: "V"}}, r.Signals)

	r.Data[0] = 0xFF
	assert.Equal(t, byte(1), ev.Frame.Data[0])
}
