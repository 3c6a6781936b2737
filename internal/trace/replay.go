package trace

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/transport"
)

const (
	defaultPollInterval = 500 * time.Microsecond
	pausePoll           = 10 * time.Millisecond
)

// Replayer re-sends trace entries with their recorded spacing.
type Replayer struct {
	Transport transport.Transport
	Catalog   *catalog.Catalog
	// Speed scales playback; 2 plays twice as fast. Zero means 1.
	Speed float64
	// PollInterval bounds a single wait slice. Zero means 500µs.
	PollInterval time.Duration

	paused atomic.Bool
	sent   atomic.Int64
}

// Pause suspends sending. Time spent paused shifts every later send.
func (r *Replayer) Pause() { r.paused.Store(true) }

// Resume continues after Pause.
func (r *Replayer) Resume() { r.paused.Store(false) }

// Paused reports whether the sender is paused.
func (r *Replayer) Paused() bool { return r.paused.Load() }

// Sent returns how many entries were written in the current or last run.
func (r *Replayer) Sent() int { return int(r.sent.Load()) }

// Run sends entries in order. Entry i goes out at
//
//	start + (offset_i - offset_0)/speed + paused
//
// and is then decoded and handed to emit. Cancelling ctx stops the run with
// the remaining entries unsent and a nil error. A write failure aborts the run
// with the transport error.
func (r *Replayer) Run(ctx context.Context, entries []Entry, emit func(*core.DecodedEvent) error) error {
	if len(entries) == 0 {
		return core.ErrEmptyTrace
	}
	speed := r.Speed
	if speed <= 0 {
		speed = 1
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := log.GetLogger()

	r.sent.Store(0)
	first := entries[0].Offset()
	start := time.Now()
	var pausedTotal time.Duration

	for i, e := range entries {
		rel := time.Duration(float64(e.Offset()-first) / speed)

	wait:
		for {
			if ctx.Err() != nil {
				logger.WithFields(map[string]any{
					"sent":      i,
					"remaining": len(entries) - i,
				}).Info("replay stopped")
				return nil
			}
			if r.paused.Load() {
				pausedTotal += r.waitPaused(ctx)
				continue
			}
			d := time.Until(start.Add(rel + pausedTotal))
			switch {
			case d <= 0:
				break wait
			case d > poll:
				time.Sleep(poll)
			default:
				time.Sleep(d)
			}
		}

		f := e.Frame()
		if err := r.Transport.Write(f); err != nil {
			logger.WithError(err).WithField("seq", e.Seq).Error("replay write failed")
			return fmt.Errorf("replay entry %d: %w", e.Seq, err)
		}
		f.Timestamp = time.Now()
		r.sent.Add(1)

		if emit == nil {
			continue
		}
		ev := &core.DecodedEvent{
			Frame:     f,
			Source:    core.SourceReplay,
			Timestamp: f.Timestamp,
			Offset:    e.Offset(),
		}
		if r.Catalog != nil {
			ev.Signals = r.Catalog.Decode(f)
		}
		if err := emit(ev); err != nil {
			return err
		}
	}

	logger.WithField("sent", len(entries)).Info("replay finished")
	return nil
}

// waitPaused blocks while paused and returns how long it waited.
func (r *Replayer) waitPaused(ctx context.Context) time.Duration {
	begin := time.Now()
	for r.paused.Load() && ctx.Err() == nil {
		time.Sleep(pausePoll)
	}
	return time.Since(begin)
}
