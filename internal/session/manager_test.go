package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/metrics"
	"firestige.xyz/canlens/internal/sink"
	"firestige.xyz/canlens/internal/trace"
	"firestige.xyz/canlens/internal/transport"
)

const testDBC = `
BO_ 256 Engine: 2 ECU
 SG_ Speed : 0|16@1+ (0.25,0) [0|16383.75] "rpm" DASH
`

func newManager(t *testing.T) (*Manager, *transport.Virtual) {
	t.Helper()
	bus := transport.NewVirtual(transport.VirtualOptions{})
	require.NoError(t, bus.Open())
	t.Cleanup(func() { bus.Close() })

	m := NewManager(bus)
	cat, err := catalog.Parse(testDBC)
	require.NoError(t, err)
	require.NoError(t, m.SetCatalog(cat))
	return m, bus
}

type counter struct {
	mu  sync.Mutex
	ids []uint32
}

func (c *counter) sink() sink.Sink {
	return sink.NewCallback("counter", func(ev *core.DecodedEvent) {
		c.mu.Lock()
		c.ids = append(c.ids, ev.Frame.ID)
		c.mu.Unlock()
	})
}

func (c *counter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func fastOpts(sinks ...sink.Sink) Options {
	return Options{Sinks: sinks, ReadTimeout: 5 * time.Millisecond, ConsumerWait: 10 * time.Millisecond}
}

func TestLiveSessionLifecycle(t *testing.T) {
	m, bus := newManager(t)
	assert.Equal(t, StateIdle, m.State())

	var c counter
	id, err := m.StartLive(context.Background(), fastOpts(c.sink()))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, float64(metrics.SessionStateRunning), testutil.ToFloat64(metrics.SessionState))

	_, err = m.StartLive(context.Background(), fastOpts())
	assert.ErrorIs(t, err, core.ErrSessionActive)
	assert.ErrorIs(t, m.LoadCatalog("whatever.dbc", catalog.Options{}), core.ErrSessionActive)
	assert.ErrorIs(t, m.SetCatalog(nil), core.ErrSessionActive)

	require.NoError(t, m.Pause())
	assert.Equal(t, StatePaused, m.State())
	require.NoError(t, m.Pause())
	bus.Inject(core.NewFrame(0x100, []byte{1, 2}))
	require.Eventually(t, func() bool { return m.Stats().Discarded == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Resume())
	assert.Equal(t, StateRunning, m.State())
	bus.Inject(core.NewFrame(0x100, []byte{1, 2}), core.NewFrame(0x200, nil))
	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, time.Millisecond)

	info := m.Info()
	assert.Equal(t, id, info.ID)
	assert.Equal(t, StateRunning, info.State)

	require.NoError(t, m.Stop())
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, float64(metrics.SessionStateIdle), testutil.ToFloat64(metrics.SessionState))
	assert.Equal(t, uint64(2), m.Stats().Dispatched)
	assert.Equal(t, id, m.Info().ID)
	assert.False(t, m.Info().StoppedAt.IsZero())

	assert.ErrorIs(t, m.Stop(), core.ErrNoSession)
	assert.ErrorIs(t, m.Pause(), core.ErrNoSession)
	assert.ErrorIs(t, m.Resume(), core.ErrNoSession)
}

func TestStartWithoutCatalog(t *testing.T) {
	bus := transport.NewVirtual(transport.VirtualOptions{})
	require.NoError(t, bus.Open())
	defer bus.Close()

	m := NewManager(bus)
	_, err := m.StartLive(context.Background(), fastOpts())
	assert.ErrorIs(t, err, core.ErrNoCatalog)
	assert.Equal(t, StateIdle, m.State())
}

func TestReplayReturnsToIdle(t *testing.T) {
	m, bus := newManager(t)
	var c counter

	entries := []trace.Entry{
		{Seq: 1, OffsetMs: 0, ID: 0x100, DLC: 2, Data: []byte{0x40, 0x1F}},
		{Seq: 2, OffsetMs: 20, ID: 0x100, DLC: 2, Data: []byte{0x40, 0x1F}},
	}
	_, err := m.StartReplay(context.Background(), entries, fastOpts(c.sink()))
	require.NoError(t, err)

	require.NoError(t, m.Wait())
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 2, c.len())
	assert.Len(t, bus.Written(), 2)
	assert.NoError(t, m.LastError())

	_, err = m.StartReplay(context.Background(), nil, fastOpts())
	assert.ErrorIs(t, err, core.ErrEmptyTrace)
}

func TestReplayPauseResume(t *testing.T) {
	m, bus := newManager(t)
	var c counter

	data := []byte{0x40, 0x1F}
	entries := []trace.Entry{
		{Seq: 1, OffsetMs: 0, ID: 0x100, DLC: 2, Data: data},
		{Seq: 2, OffsetMs: 60, ID: 0x100, DLC: 2, Data: data},
		{Seq: 3, OffsetMs: 120, ID: 0x100, DLC: 2, Data: data},
	}
	_, err := m.StartReplay(context.Background(), entries, fastOpts(c.sink()))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Pause())
	assert.Equal(t, StatePaused, m.State())
	assert.Equal(t, float64(metrics.SessionStatePaused), testutil.ToFloat64(metrics.SessionState))

	const hold = 150 * time.Millisecond
	time.Sleep(hold)
	assert.Len(t, bus.Written(), 1, "sender kept writing while paused")
	assert.Equal(t, 1, c.len())

	require.NoError(t, m.Resume())
	assert.Equal(t, StateRunning, m.State())
	require.NoError(t, m.Wait())
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 3, c.len())

	written := bus.Written()
	require.Len(t, written, 3)
	// the pause shifts the second send, the spacing after it is unchanged
	assert.GreaterOrEqual(t, written[1].Timestamp.Sub(written[0].Timestamp), hold)
	gap := written[2].Timestamp.Sub(written[1].Timestamp)
	assert.GreaterOrEqual(t, gap, 50*time.Millisecond)
	assert.Less(t, gap, 110*time.Millisecond)
}

func TestReplayFailureKeepsError(t *testing.T) {
	m, bus := newManager(t)
	bus.FailWritesAfter(0, transport.StatusBusOff)

	_, err := m.StartReplay(context.Background(), []trace.Entry{{Seq: 1, ID: 1, DLC: 0}}, fastOpts())
	require.NoError(t, err)

	err = m.Wait()
	require.Error(t, err)
	assert.Equal(t, transport.StatusBusOff, transport.StatusOf(m.LastError()))
	assert.Equal(t, StateIdle, m.State())
}

type fakeTx struct{ running atomic.Bool }

func (f *fakeTx) Running() bool { return f.running.Load() }

func TestReplayRefusedWhileTransmitting(t *testing.T) {
	m, _ := newManager(t)
	tx := &fakeTx{}
	tx.running.Store(true)
	m.SetTransmitter(tx)

	entries := []trace.Entry{{Seq: 1, ID: 1}}
	_, err := m.StartReplay(context.Background(), entries, fastOpts())
	assert.ErrorIs(t, err, core.ErrTransmitActive)

	// live reading may coexist with transmit
	_, err = m.StartLive(context.Background(), fastOpts())
	require.NoError(t, err)
	require.NoError(t, m.Stop())

	tx.running.Store(false)
	_, err = m.StartReplay(context.Background(), entries, fastOpts())
	require.NoError(t, err)
	require.NoError(t, m.Wait())
}

func TestContextCancelStopsSession(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.StartLive(ctx, fastOpts())
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
	assert.NoError(t, m.Wait())
}

func TestLoadCatalog(t *testing.T) {
	bus := transport.NewVirtual(transport.VirtualOptions{})
	m := NewManager(bus)

	path := filepath.Join(t.TempDir(), "bus.dbc")
	require.NoError(t, os.WriteFile(path, []byte(testDBC), 0o644))
	require.NoError(t, m.LoadCatalog(path, catalog.Options{}))
	require.NotNil(t, m.Catalog())
	assert.Equal(t, 1, m.Catalog().Len())
	assert.Equal(t, path, m.CatalogPath())

	// a failed load keeps the published catalog
	bad := filepath.Join(t.TempDir(), "empty.dbc")
	require.NoError(t, os.WriteFile(bad, []byte("VERSION \"\"\n"), 0o644))
	assert.ErrorIs(t, m.LoadCatalog(bad, catalog.Options{}), core.ErrNoMessages)
	assert.Equal(t, 1, m.Catalog().Len())
	assert.Equal(t, path, m.CatalogPath())
}

func TestStartReplayFile(t *testing.T) {
	m, bus := newManager(t)
	path := filepath.Join(t.TempDir(), "run.trc")
	content := ";$FILEVERSION=2.1\n      1     0.000 DT 1 0100 Rx -  2 40 1F\nbroken\n      2     5.000 DT 1 0100 Rx -  2 40 1F\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := m.StartReplayFile(context.Background(), path, fastOpts())
	require.NoError(t, err)
	require.NoError(t, m.Wait())
	assert.Len(t, bus.Written(), 2)

	_, err = m.StartReplayFile(context.Background(), filepath.Join(t.TempDir(), "missing.trc"), fastOpts())
	assert.Error(t, err)
}
