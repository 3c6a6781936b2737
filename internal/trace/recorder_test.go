package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/core"
)

func TestFormatLine(t *testing.T) {
	line := FormatLine(1, 0, 1, core.NewFrame(0x100, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Equal(t, "      1      0.000 DT 1 0100 Rx -  8 01 02 03 04 05 06 07 08", line)

	line = FormatLine(42, 1234.5678, 2, core.NewFrame(0x7, nil))
	assert.Equal(t, "     42   1234.568 DT 2 0007 Rx -  0", line)
}

func TestRecorderLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.trc")
	r := NewRecorder(RecorderOptions{Bitrate: 500000})

	assert.ErrorIs(t, r.RecordFrame(core.NewFrame(1, nil), time.Now()), core.ErrRecorderStopped)

	require.NoError(t, r.Start(path))
	assert.True(t, r.Recording())
	assert.Error(t, r.Start(path))

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordFrame(core.NewFrame(0x100, []byte{0xAA}), t0))
	require.NoError(t, r.RecordFrame(core.NewFrame(0x200, []byte{0x01, 0x02}), t0.Add(1500*time.Microsecond)))
	// out of order input keeps offsets non-decreasing
	require.NoError(t, r.RecordFrame(core.NewFrame(0x300, nil), t0.Add(time.Millisecond)))
	require.NoError(t, r.RecordFrame(core.NewFrame(0x400, nil), t0.Add(10*time.Millisecond)))
	assert.Equal(t, 4, r.Count())

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.False(t, r.Recording())
	assert.Equal(t, path, r.Path())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	assert.Equal(t, ";$FILEVERSION=2.1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], ";$STARTTIME="))
	assert.Equal(t, ";$COLUMNS=N,O,T,B,I,d,R,L,D", lines[2])
	assert.Contains(t, text, "500 kbit/s")

	f, err := Read(strings.NewReader(text))
	require.NoError(t, err)
	assert.Zero(t, f.Skipped)
	assert.Equal(t, FileVersion, f.Version)
	assert.False(t, f.StartTime.IsZero())
	require.Len(t, f.Entries, 4)

	var offsets []float64
	for i, e := range f.Entries {
		assert.Equal(t, i+1, e.Seq)
		offsets = append(offsets, e.OffsetMs)
	}
	assert.Equal(t, []float64{0, 1.5, 1.5, 10}, offsets)
	assert.Equal(t, []byte{0x01, 0x02}, f.Entries[1].Data)
}

func TestRecorderRestartResetsSequence(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(RecorderOptions{})
	for _, name := range []string{"a.trc", "b.trc"} {
		require.NoError(t, r.Start(filepath.Join(dir, name)))
		require.NoError(t, r.RecordFrame(core.NewFrame(1, nil), time.Now()))
		require.NoError(t, r.Stop())
	}
	f, err := LoadFile(filepath.Join(dir, "b.trc"))
	require.NoError(t, err)
	require.Len(t, f.Entries, 1)
	assert.Equal(t, 1, f.Entries[0].Seq)
}

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 10, 19, 8, 9, 10, 42_000_000, time.UTC)
	assert.Equal(t, "2026-10-19_08-09-10_042.trc", FileName(ts))
}
