package trace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/sink"
)

func TestRecorderSink(t *testing.T) {
	dir := t.TempDir()
	s, err := sink.New(SinkName, map[string]any{"dir": dir, "bitrate": 250000})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	replay := []*core.DecodedEvent{
		{Frame: core.NewFrame(0x10, []byte{1}), Source: core.SourceReplay, Offset: 100 * time.Millisecond},
		{Frame: core.NewFrame(0x11, []byte{2}), Source: core.SourceReplay, Offset: 350 * time.Millisecond},
	}
	for _, ev := range replay {
		require.NoError(t, s.OnDecodedEvent(ctx, ev))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Stop(ctx))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, ".trc", filepath.Ext(files[0].Name()))

	f, err := LoadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	require.Len(t, f.Entries, 2)
	assert.Equal(t, 0.0, f.Entries[0].OffsetMs)
	assert.Equal(t, 250.0, f.Entries[1].OffsetMs)
}

func TestRecorderSinkInit(t *testing.T) {
	assert.Error(t, NewRecorderSink("").Init(map[string]any{}))
	assert.Error(t, NewRecorderSink("").Init(map[string]any{"dir": "x", "colour": 1}))

	path := filepath.Join(t.TempDir(), "fixed.trc")
	s := NewRecorderSink("")
	require.NoError(t, s.Init(map[string]any{"path": path}))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, path, s.Recorder().Path())
	assert.Error(t, s.OnDecodedEvent(context.Background(), nil))
}
