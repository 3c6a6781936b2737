package transport

import (
	"context"
	"time"

	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/metrics"
)

// DefaultWatchInterval is how often WatchBusStatus polls the controller.
const DefaultWatchInterval = time.Second

// WatchBusStatus polls t.BusStatus every interval until ctx is done. Each change
// is logged, published on the bus status gauge and passed to onChange when set.
func WatchBusStatus(ctx context.Context, t Transport, interval time.Duration, onChange func(prev, cur Status)) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	logger := log.GetLogger()
	last := StatusOK
	metrics.BusStatus.Set(float64(last))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := t.BusStatus()
		if cur == last {
			continue
		}
		metrics.BusStatus.Set(float64(cur))
		entry := logger.WithFields(map[string]interface{}{
			"status":   uint32(cur),
			"previous": uint32(last),
		})
		switch cur {
		case StatusOK:
			entry.Info("bus status: " + cur.Description())
		case StatusBusOff:
			entry.Error("bus status: " + cur.Description())
		default:
			entry.Warn("bus status: " + cur.Description())
		}
		if onChange != nil {
			onChange(last, cur)
		}
		last = cur
	}
}
