package pipeline

import (
	"context"
	"sync/atomic"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/trace"
	"firestige.xyz/canlens/internal/transport"
)

// liveProducer reads the bus. While paused it keeps reading and discards frames so
// the driver buffers do not overrun.
type liveProducer struct {
	p      *Pipeline
	paused atomic.Bool
}

func (lp *liveProducer) pause()  { lp.paused.Store(true) }
func (lp *liveProducer) resume() { lp.paused.Store(false) }

func (lp *liveProducer) produce(ctx context.Context, emit func(*core.DecodedEvent) error) error {
	p := lp.p
	var lastStatus transport.Status

	for ctx.Err() == nil {
		f, err := p.transport.Read(p.readTimeout)
		if err != nil {
			status := transport.StatusOf(err)
			switch {
			case status == transport.StatusQRcvEmpty:
				sleepCtx(ctx, rxEmptyBackoff)
			case status.IsOverrun():
				p.metrics.Overruns.Add(1)
				p.logger.WithField("status", status.String()).Warn("receive overrun, resetting buffers")
				if rerr := p.transport.ResetBuffers(); rerr != nil {
					p.logger.WithError(rerr).Error("buffer reset failed")
				}
			default:
				p.transportError(err)
				if status != lastStatus {
					p.logger.WithError(err).Error("transport read failed")
				}
				sleepCtx(ctx, errorBackoff)
			}
			lastStatus = status
			continue
		}
		lastStatus = transport.StatusOK

		if lp.paused.Load() {
			p.metrics.Discarded.Add(1)
			continue
		}

		ev := &core.DecodedEvent{
			Frame:     f,
			Signals:   p.catalog.Decode(f),
			Source:    core.SourceLive,
			Timestamp: f.Timestamp,
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// replayProducer sends a loaded trace through a Replayer.
type replayProducer struct {
	r       *trace.Replayer
	entries []trace.Entry
}

func (rp *replayProducer) pause()  { rp.r.Pause() }
func (rp *replayProducer) resume() { rp.r.Resume() }

func (rp *replayProducer) produce(ctx context.Context, emit func(*core.DecodedEvent) error) error {
	return rp.r.Run(ctx, rp.entries, emit)
}
