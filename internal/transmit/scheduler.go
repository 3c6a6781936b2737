package transmit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/metrics"
	"firestige.xyz/canlens/internal/transport"
)

const defaultTick = time.Millisecond

type rowState struct {
	row    Row
	frame  core.Frame
	label  string
	last   time.Time
	status transport.Status

	sent   atomic.Uint64
	failed atomic.Uint64
}

// RowStats is the send counter of one plan row.
type RowStats struct {
	Label  string
	ID     uint32
	Sent   uint64
	Failed uint64
}

// Scheduler sends every enabled row whose cycle has elapsed, checking once per
// tick. A failed write is logged and the row retried on the next tick.
type Scheduler struct {
	transport transport.Transport
	rows      []*rowState
	tick      time.Duration
	logger    log.Logger

	running atomic.Bool
	paused  atomic.Bool
	mu      sync.Mutex // serializes Run
}

// NewScheduler builds the frames of plan. Signal rows are encoded through cat.
func NewScheduler(t transport.Transport, cat *catalog.Catalog, plan *Plan) (*Scheduler, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{transport: t, tick: defaultTick, logger: log.GetLogger()}
	for i, r := range plan.Rows {
		f, err := r.Frame(cat)
		if err != nil {
			return nil, fmt.Errorf("messages[%d] (%s): %w", i, r.Label(), err)
		}
		s.rows = append(s.rows, &rowState{row: r, frame: f, label: r.Label()})
	}
	return s, nil
}

// Run sends until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.mu.TryLock() {
		return fmt.Errorf("transmit: %w", core.ErrTransmitActive)
	}
	defer s.mu.Unlock()

	s.running.Store(true)
	defer s.running.Store(false)
	s.logger.WithField("rows", len(s.rows)).Info("transmit started")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("transmit stopped")
			return nil
		case now := <-ticker.C:
			if s.paused.Load() {
				continue
			}
			s.sendDue(now)
		}
	}
}

func (s *Scheduler) sendDue(now time.Time) {
	for _, rs := range s.rows {
		if !rs.row.IsEnabled() || now.Sub(rs.last) < rs.row.Cycle() {
			continue
		}
		id := fmt.Sprintf("%X", rs.frame.ID)
		if err := s.transport.Write(rs.frame); err != nil {
			rs.failed.Add(1)
			metrics.TransmitFramesTotal.WithLabelValues(id, "error").Inc()
			if status := transport.StatusOf(err); status != rs.status {
				rs.status = status
				s.logger.WithError(err).WithField("row", rs.label).Warn("transmit write failed")
			}
			continue
		}
		rs.status = transport.StatusOK
		rs.last = now
		rs.sent.Add(1)
		metrics.TransmitFramesTotal.WithLabelValues(id, "ok").Inc()
	}
}

// Pause stops sending without losing the counters.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume continues after Pause. Overdue rows go out on the next tick.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports whether sending is suspended.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Running reports whether Run is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Stats returns per-row counters in plan order.
func (s *Scheduler) Stats() []RowStats {
	out := make([]RowStats, len(s.rows))
	for i, rs := range s.rows {
		out[i] = RowStats{Label: rs.label, ID: rs.frame.ID, Sent: rs.sent.Load(), Failed: rs.failed.Load()}
	}
	return out
}
