package transport

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/canlens/internal/metrics"
)

func TestWatchBusStatus(t *testing.T) {
	bus := NewVirtual(VirtualOptions{})
	require.NoError(t, bus.Open())
	defer bus.Close()

	type change struct{ prev, cur Status }
	changes := make(chan change, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchBusStatus(ctx, bus, 2*time.Millisecond, func(prev, cur Status) {
			changes <- change{prev, cur}
		})
	}()

	next := func() change {
		t.Helper()
		select {
		case c := <-changes:
			return c
		case <-time.After(time.Second):
			t.Fatal("no bus status change reported")
			return change{}
		}
	}

	bus.SetBusStatus(StatusBusHeavy)
	assert.Equal(t, change{StatusOK, StatusBusHeavy}, next())
	assert.Equal(t, float64(StatusBusHeavy), testutil.ToFloat64(metrics.BusStatus))

	bus.SetBusStatus(StatusBusOff)
	assert.Equal(t, change{StatusBusHeavy, StatusBusOff}, next())

	bus.SetBusStatus(StatusOK)
	assert.Equal(t, change{StatusBusOff, StatusOK}, next())
	assert.Zero(t, testutil.ToFloat64(metrics.BusStatus))

	// unchanged status is not reported again
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, changes)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
