package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/sink"
)

func TestExportSink_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{name: "missing path", config: map[string]any{}, wantErr: true},
		{name: "bad format", config: map[string]any{"path": "x.bin", "format": "xml"}, wantErr: true},
		{name: "default cbor", config: map[string]any{"path": "x.cbor"}},
		{name: "msgpack", config: map[string]any{"path": "x.mp", "format": "msgpack"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Sink{}).Init(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func events() []*core.DecodedEvent {
	return []*core.DecodedEvent{
		{
			Frame:     core.NewFrame(0x100, []byte{0x40, 0x1F}),
			Signals:   []core.SignalValue{{Name: "EngineSpeed", Value: 2000, Unit: "rpm"}},
			Source:    core.SourceLive,
			Timestamp: time.Date(2026, 5, 1, 8, 0, 0, 123_456_000, time.UTC),
		},
		{
			Frame:  core.NewFrame(0x18FEF100, []byte{1, 2, 3}),
			Source: core.SourceReplay,
			Offset: 2500 * time.Microsecond,
		},
	}
}

func TestExportSink_RoundTrip(t *testing.T) {
	for _, format := range []string{FormatCBOR, FormatMsgpack} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", "events."+format)
			s := &Sink{}
			require.NoError(t, s.Init(map[string]any{"path": path, "format": format}))
			require.NoError(t, s.Start(context.Background()))

			var want []sink.Record
			for _, ev := range events() {
				require.NoError(t, s.OnDecodedEvent(context.Background(), ev))
				want = append(want, sink.NewRecord(ev))
			}
			require.NoError(t, s.Flush(context.Background()))
			require.NoError(t, s.Stop(context.Background()))
			assert.Equal(t, uint64(2), s.Written())

			got, err := ReadAll(path, format)
			require.NoError(t, err)
			require.Len(t, got, 2)
			for i := range want {
				assert.True(t, want[i].Time.Equal(got[i].Time), "record %d time", i)
				got[i].Time = want[i].Time
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, 2.5, got[1].OffsetMs)
		})
	}
}

func TestExportSink_NotStarted(t *testing.T) {
	s := &Sink{}
	require.NoError(t, s.Init(map[string]any{"path": filepath.Join(t.TempDir(), "x")}))
	assert.Error(t, s.OnDecodedEvent(context.Background(), events()[0]))
	assert.NoError(t, s.Stop(context.Background()))
}
