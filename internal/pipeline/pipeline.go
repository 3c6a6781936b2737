// Package pipeline runs one session: a producer that reads the bus (or sends a
// recorded trace) and decodes frames, and a consumer that hands every decoded
// event to the sinks in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/metrics"
	"firestige.xyz/canlens/internal/queue"
	"firestige.xyz/canlens/internal/sink"
	"firestige.xyz/canlens/internal/trace"
	"firestige.xyz/canlens/internal/transport"
)

// Mode tells whether a pipeline reads the bus or replays a trace.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
)

const (
	defaultReadTimeout  = 100 * time.Millisecond
	defaultConsumerWait = time.Second
	rxEmptyBackoff      = time.Millisecond
	errorBackoff        = 2 * time.Millisecond
)

// producer feeds decoded events into emit until ctx ends or its input runs out.
type producer interface {
	produce(ctx context.Context, emit func(*core.DecodedEvent) error) error
	pause()
	resume()
}

// Pipeline is one session's producer/consumer pair.
type Pipeline struct {
	sessionID    string
	transport    transport.Transport
	catalog      *catalog.Catalog
	sinks        []sink.Sink
	readTimeout  time.Duration
	consumerWait time.Duration
	logger       log.Logger

	queue    *queue.Queue
	metrics  *Metrics
	mode     Mode
	producer producer

	// Runtime state
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	prodDone chan struct{}
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// Config contains pipeline configuration.
type Config struct {
	SessionID     string
	Transport     transport.Transport
	Catalog       *catalog.Catalog
	Sinks         []sink.Sink
	QueueCapacity int          // 0 = unbounded
	DropPolicy    queue.Policy // used when QueueCapacity > 0
	ReadTimeout   time.Duration
	ConsumerWait  time.Duration
	Logger        log.Logger
}

// New creates a new pipeline. Sinks must already be initialized.
func New(cfg Config) *Pipeline {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ConsumerWait <= 0 {
		cfg.ConsumerWait = defaultConsumerWait
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		sessionID:    cfg.SessionID,
		transport:    cfg.Transport,
		catalog:      cfg.Catalog,
		sinks:        cfg.Sinks,
		readTimeout:  cfg.ReadTimeout,
		consumerWait: cfg.ConsumerWait,
		logger:       cfg.Logger.WithField("session", cfg.SessionID),
		queue:        queue.New(cfg.QueueCapacity, cfg.DropPolicy),
		ctx:          ctx,
		cancel:       cancel,
		prodDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// StartLive starts reading the transport.
func (p *Pipeline) StartLive() error {
	return p.start(ModeLive, &liveProducer{p: p})
}

// StartReplay starts sending entries through r.
func (p *Pipeline) StartReplay(r *trace.Replayer, entries []trace.Entry) error {
	if len(entries) == 0 {
		return core.ErrEmptyTrace
	}
	return p.start(ModeReplay, &replayProducer{r: r, entries: entries})
}

func (p *Pipeline) start(mode Mode, prod producer) error {
	if p.catalog == nil {
		return core.ErrNoCatalog
	}
	if p.transport == nil {
		return fmt.Errorf("pipeline: no transport")
	}
	if !p.started.CompareAndSwap(false, true) {
		return core.ErrInvalidState
	}
	p.mode = mode
	p.producer = prod
	p.metrics = &Metrics{}

	for i, s := range p.sinks {
		if err := s.Start(p.ctx); err != nil {
			for _, started := range p.sinks[:i] {
				_ = started.Stop(context.Background())
			}
			p.cancel()
			close(p.prodDone)
			close(p.done)
			return fmt.Errorf("start sink %s: %w", s.Name(), err)
		}
	}

	p.logger.WithField("mode", string(mode)).Info("pipeline starting")

	go p.produceLoop()
	go p.consumeLoop()
	return nil
}

// Stop cancels the producer, lets the consumer drain what is already queued and
// waits for both to exit.
func (p *Pipeline) Stop() error {
	if !p.started.Load() {
		return nil
	}
	p.logger.Info("pipeline stopping")

	// Cancel context to signal the producer, then wake a blocked consumer.
	p.cancel()
	p.queue.Close()

	<-p.done
	return p.Err()
}

// Wait blocks until both tasks have exited and returns the fatal error, if any.
func (p *Pipeline) Wait() error {
	<-p.done
	return p.Err()
}

// Done is closed once both tasks have exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the producer.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Pause suspends the producer. The consumer keeps draining.
func (p *Pipeline) Pause() {
	if prod := p.producer; prod != nil {
		prod.pause()
	}
}

// Resume continues a paused producer.
func (p *Pipeline) Resume() {
	if prod := p.producer; prod != nil {
		prod.resume()
	}
}

// Mode returns what the pipeline was started as.
func (p *Pipeline) Mode() Mode {
	return p.mode
}

func (p *Pipeline) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

// emit counts and queues one event for the consumer. Used by both producers.
func (p *Pipeline) emit(ev *core.DecodedEvent) error {
	mode := string(p.mode)
	ev.Session = p.sessionID
	p.metrics.Read.Add(1)
	metrics.FramesReadTotal.WithLabelValues(mode).Inc()
	if _, known := p.catalog.Lookup(ev.Frame.ID, ev.Frame.Extended); known {
		p.metrics.Decoded.Add(1)
		metrics.FramesDecodedTotal.WithLabelValues(mode).Inc()
	} else {
		p.metrics.Unknown.Add(1)
		metrics.FramesUnknownTotal.WithLabelValues(mode).Inc()
	}

	before := p.queue.Dropped()
	if err := p.queue.Push(ev); err != nil {
		return err
	}
	p.metrics.Enqueued.Add(1)
	if dropped := p.queue.Dropped() - before; dropped > 0 {
		metrics.QueueDroppedTotal.WithLabelValues(mode).Add(float64(dropped))
	}
	metrics.QueueDepth.WithLabelValues(mode).Set(float64(p.queue.Len()))
	return nil
}

func (p *Pipeline) produceLoop() {
	defer close(p.prodDone)

	err := p.producer.produce(p.ctx, p.emit)
	if err != nil && !errors.Is(err, core.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
		var te *transport.Error
		if errors.As(err, &te) {
			p.transportError(err)
		}
		p.logger.WithError(err).Error("producer failed")
		p.setErr(err)
	}
	// wake the consumer: it drains what is left and exits
	p.queue.Close()
}

func (p *Pipeline) consumeLoop() {
	defer close(p.done)
	mode := string(p.mode)
	sinkCtx := context.Background()

	for {
		ev, err := p.queue.Pop(p.consumerWait)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			break
		}
		p.dispatch(sinkCtx, ev)
		if ev.Source == core.SourceLive && !ev.Timestamp.IsZero() {
			metrics.DispatchLatencySeconds.WithLabelValues(mode).Observe(time.Since(ev.Timestamp).Seconds())
		}
	}

	<-p.prodDone
	metrics.QueueDepth.WithLabelValues(mode).Set(0)

	for _, s := range p.sinks {
		if err := s.Flush(sinkCtx); err != nil {
			p.logger.WithError(err).WithField("sink", s.Name()).Error("sink flush failed")
		}
		if err := s.Stop(sinkCtx); err != nil {
			p.logger.WithError(err).WithField("sink", s.Name()).Error("sink stop failed")
		}
	}

	stats := p.Stats()
	p.logger.WithFields(map[string]interface{}{
		"read":       stats.Read,
		"dispatched": stats.Dispatched,
		"dropped":    stats.Dropped,
	}).Info("pipeline stopped")
}

// dispatch hands ev to every sink exactly once, in registration order.
func (p *Pipeline) dispatch(ctx context.Context, ev *core.DecodedEvent) {
	for _, s := range p.sinks {
		if err := s.OnDecodedEvent(ctx, ev); err != nil {
			p.metrics.SinkErrors.Add(1)
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			p.logger.WithError(err).WithField("sink", s.Name()).Warn("sink failed")
			continue
		}
		metrics.SinkEventsTotal.WithLabelValues(s.Name()).Inc()
	}
	p.metrics.Dispatched.Add(1)
}

func (p *Pipeline) transportError(err error) {
	p.metrics.TransportErrors.Add(1)
	metrics.TransportErrorsTotal.WithLabelValues(string(p.mode), strconv.FormatUint(uint64(transport.StatusOf(err)), 16)).Inc()
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	if p.metrics == nil {
		return Stats{}
	}
	q := p.queue.Stats()
	return Stats{
		Read:            p.metrics.Read.Load(),
		Decoded:         p.metrics.Decoded.Load(),
		Unknown:         p.metrics.Unknown.Load(),
		Discarded:       p.metrics.Discarded.Load(),
		Enqueued:        p.metrics.Enqueued.Load(),
		Dropped:         q.Dropped,
		Dispatched:      p.metrics.Dispatched.Load(),
		SinkErrors:      p.metrics.SinkErrors.Load(),
		TransportErrors: p.metrics.TransportErrors.Load(),
		Overruns:        p.metrics.Overruns.Load(),
		QueueLen:        q.Len,
		QueueHighWater:  q.HighWater,
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Read            uint64
	Decoded         uint64
	Unknown         uint64
	Discarded       uint64
	Enqueued        uint64
	Dropped         uint64
	Dispatched      uint64
	SinkErrors      uint64
	TransportErrors uint64
	Overruns        uint64
	QueueLen        int
	QueueHighWater  int
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
