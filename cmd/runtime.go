package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/metrics"
	"firestige.xyz/canlens/internal/queue"
	"firestige.xyz/canlens/internal/session"
	"firestige.xyz/canlens/internal/sink"
	_ "firestige.xyz/canlens/internal/sink/all" // register sink types
	"firestige.xyz/canlens/internal/sink/console"
	"firestige.xyz/canlens/internal/trace"
	"firestige.xyz/canlens/internal/transport"
)

// runtime bundles what every bus-facing command needs: an open transport, the
// session manager and the optional metrics server.
type runtime struct {
	cfg     *config.GlobalConfig
	bus     transport.Transport
	manager *session.Manager
	server  *metrics.Server
	logger  log.Logger

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// openRuntime opens bus, or the configured transport when bus is nil.
func openRuntime(ctx context.Context, cfg *config.GlobalConfig, bus transport.Transport) (*runtime, error) {
	if bus == nil {
		t, err := transport.New(cfg.Transport)
		if err != nil {
			return nil, err
		}
		bus = t
	}
	if err := bus.Open(); err != nil {
		return nil, fmt.Errorf("open %s transport: %w", cfg.Transport.Type, err)
	}

	rt := &runtime{
		cfg:     cfg,
		bus:     bus,
		manager: session.NewManager(bus),
		logger:  log.GetLogger(),
	}
	rt.logger.WithFields(map[string]interface{}{
		"type":    cfg.Transport.Type,
		"channel": cfg.Transport.Channel,
		"bitrate": cfg.Transport.Bitrate,
	}).Info("transport opened")

	watchCtx, stopWatch := context.WithCancel(ctx)
	rt.stopWatch = stopWatch
	rt.watchDone = make(chan struct{})
	go func() {
		defer close(rt.watchDone)
		transport.WatchBusStatus(watchCtx, bus, transport.DefaultWatchInterval, nil)
	}()

	if cfg.Metrics.Enabled {
		rt.server = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := rt.server.Start(ctx); err != nil {
			rt.server = nil
			rt.close()
			return nil, err
		}
	}
	return rt, nil
}

// loadCatalog loads path, falling back to the configured catalog. With
// required unset a missing path is not an error.
func (rt *runtime) loadCatalog(path string, required bool) error {
	if path == "" {
		path = rt.cfg.Catalog.Path
	}
	if path == "" {
		if required {
			return fmt.Errorf("no DBC file given (--dbc or catalog.path): %w", core.ErrNoCatalog)
		}
		return nil
	}
	return rt.manager.LoadCatalog(path, catalog.Options{Strict: rt.cfg.Catalog.Strict})
}

// sessionOptions builds the configured sinks. Without any configured sink,
// events are printed as text to out. record adds a trace recorder.
func (rt *runtime) sessionOptions(out io.Writer, record bool) (session.Options, error) {
	sinks, err := sink.Build(rt.cfg.Sinks)
	if err != nil {
		return session.Options{}, err
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console.NewWithWriter(out))
	}
	if record {
		rs := trace.NewRecorderSink(rt.cfg.Trace.Dir)
		if err := rs.Init(map[string]any{"bitrate": rt.cfg.Transport.Bitrate}); err != nil {
			return session.Options{}, fmt.Errorf("trace recorder: %w", err)
		}
		sinks = append(sinks, rs)
	}

	policy, err := queue.ParsePolicy(rt.cfg.Pipeline.DropPolicy)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Sinks:         sinks,
		QueueCapacity: rt.cfg.Pipeline.QueueCapacity,
		DropPolicy:    policy,
		ReadTimeout:   rt.cfg.Pipeline.ReadTimeout,
		ConsumerWait:  rt.cfg.Pipeline.ConsumerWait,
		Speed:         rt.cfg.Replay.Speed,
		PollInterval:  rt.cfg.Replay.PollInterval,
	}, nil
}

func (rt *runtime) close() {
	rt.stopWatch()
	<-rt.watchDone
	if rt.server != nil {
		if err := rt.server.Stop(context.Background()); err != nil {
			rt.logger.WithError(err).Warn("failed to stop metrics server")
		}
	}
	if err := rt.bus.Close(); err != nil {
		rt.logger.WithError(err).Warn("failed to close transport")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// controller is what the keyboard can drive.
type controller interface {
	Pause() error
	Resume() error
	Stop() error
}

// watchKeys reads commands from in, one per line: p pauses, r resumes and q
// stops. It returns when in is exhausted, q was read or ctx is done.
func watchKeys(ctx context.Context, in io.Reader, c controller, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			var err error
			switch strings.ToLower(line) {
			case "p", "pause":
				if err = c.Pause(); err == nil {
					fmt.Fprintln(out, "-- paused (r to resume)")
				}
			case "r", "resume":
				if err = c.Resume(); err == nil {
					fmt.Fprintln(out, "-- resumed")
				}
			case "q", "quit", "stop":
				if err = c.Stop(); err != nil && !errors.Is(err, core.ErrNoSession) {
					fmt.Fprintf(out, "-- stop: %v\n", err)
				}
				return
			case "":
			default:
				fmt.Fprintf(out, "-- unknown command %q (p, r, q)\n", line)
			}
			if err != nil {
				fmt.Fprintf(out, "-- %v\n", err)
			}
		}
	}
}

// printStats writes the final counters of the last session.
func printStats(out io.Writer, m *session.Manager) {
	info := m.Info()
	st := m.Stats()
	fmt.Fprintf(out, "session %s (%s) ended after %s\n", info.ID, info.Mode,
		info.StoppedAt.Sub(info.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "  read=%d decoded=%d unknown=%d dispatched=%d dropped=%d discarded=%d\n",
		st.Read, st.Decoded, st.Unknown, st.Dispatched, st.Dropped, st.Discarded)
	if st.TransportErrors > 0 || st.SinkErrors > 0 || st.Overruns > 0 {
		fmt.Fprintf(out, "  transport_errors=%d overruns=%d sink_errors=%d\n",
			st.TransportErrors, st.Overruns, st.SinkErrors)
	}
}
