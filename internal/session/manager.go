package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/canlens/internal/catalog"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/metrics"
	"firestige.xyz/canlens/internal/pipeline"
	"firestige.xyz/canlens/internal/queue"
	"firestige.xyz/canlens/internal/sink"
	"firestige.xyz/canlens/internal/trace"
	"firestige.xyz/canlens/internal/transport"
)

// Options configure one session.
type Options struct {
	Sinks         []sink.Sink
	QueueCapacity int
	DropPolicy    queue.Policy
	ReadTimeout   time.Duration
	ConsumerWait  time.Duration

	// Replay only
	Speed        float64
	PollInterval time.Duration
}

// Transmitter is the periodic transmit task as seen by the manager.
type Transmitter interface {
	Running() bool
}

// Info describes the active or last session.
type Info struct {
	ID        string
	Mode      pipeline.Mode
	State     State
	StartedAt time.Time
	StoppedAt time.Time
}

type session struct {
	id        string
	mode      pipeline.Mode
	startedAt time.Time
	p         *pipeline.Pipeline
	done      chan struct{} // closed after the manager returned to idle
}

// Manager owns the published catalog and at most one active session.
// States move Idle → Running → {Paused ⇄ Running} → Stopping → Idle.
type Manager struct {
	transport transport.Transport
	logger    log.Logger

	mu          sync.Mutex
	state       State
	catalog     *catalog.Catalog
	catalogPath string
	current     *session
	last        Info
	lastStats   pipeline.Stats
	lastErr     error
	tx          Transmitter
}

// NewManager creates an idle manager on an opened transport.
func NewManager(t transport.Transport) *Manager {
	metrics.SetSessionState(StateIdle.gaugeValue())
	return &Manager{
		transport: t,
		logger:    log.GetLogger(),
		state:     StateIdle,
	}
}

// SetTransmitter registers the transmit task so replay can be refused while it runs.
func (m *Manager) SetTransmitter(tx Transmitter) {
	m.mu.Lock()
	m.tx = tx
	m.mu.Unlock()
}

// LoadCatalog parses path and publishes the result. It is refused while a
// session is active; on failure the previous catalog stays published.
func (m *Manager) LoadCatalog(path string, opts catalog.Options) error {
	m.mu.Lock()
	active := m.state.Active()
	m.mu.Unlock()
	if active {
		return fmt.Errorf("load catalog: %w", core.ErrSessionActive)
	}

	c, err := catalog.LoadFile(path, opts)
	if err != nil {
		return err
	}
	if err := m.SetCatalog(c); err != nil {
		return err
	}
	m.mu.Lock()
	m.catalogPath = path
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"path":     path,
		"messages": c.Len(),
		"skipped":  len(c.Warnings()),
	}).Info("catalog loaded")
	return nil
}

// SetCatalog publishes an already parsed catalog.
func (m *Manager) SetCatalog(c *catalog.Catalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Active() {
		return fmt.Errorf("set catalog: %w", core.ErrSessionActive)
	}
	m.catalog = c
	m.catalogPath = ""
	return nil
}

// Catalog returns the published catalog, nil before the first load.
func (m *Manager) Catalog() *catalog.Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catalog
}

// CatalogPath returns the file the catalog was loaded from.
func (m *Manager) CatalogPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catalogPath
}

// StartLive starts reading the bus. The session stops when ctx is cancelled.
func (m *Manager) StartLive(ctx context.Context, opts Options) (string, error) {
	return m.start(ctx, pipeline.ModeLive, opts, func(p *pipeline.Pipeline) error {
		return p.StartLive()
	})
}

// StartReplay sends entries with their recorded timing.
func (m *Manager) StartReplay(ctx context.Context, entries []trace.Entry, opts Options) (string, error) {
	if len(entries) == 0 {
		return "", core.ErrEmptyTrace
	}
	return m.start(ctx, pipeline.ModeReplay, opts, func(p *pipeline.Pipeline) error {
		// start holds m.mu while run is called
		r := &trace.Replayer{
			Transport:    m.transport,
			Catalog:      m.catalog,
			Speed:        opts.Speed,
			PollInterval: opts.PollInterval,
		}
		return p.StartReplay(r, entries)
	})
}

// StartReplayFile loads a trace file and replays it.
func (m *Manager) StartReplayFile(ctx context.Context, path string, opts Options) (string, error) {
	f, err := trace.LoadFile(path)
	if err != nil {
		return "", err
	}
	if f.Skipped > 0 {
		m.logger.WithField("skipped", f.Skipped).Warnf("trace %s has malformed lines", path)
	}
	return m.StartReplay(ctx, f.Entries, opts)
}

func (m *Manager) start(ctx context.Context, mode pipeline.Mode, opts Options, run func(*pipeline.Pipeline) error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Active() {
		return "", core.ErrSessionActive
	}
	if m.catalog == nil {
		return "", core.ErrNoCatalog
	}
	if mode == pipeline.ModeReplay && m.tx != nil && m.tx.Running() {
		return "", core.ErrTransmitActive
	}

	id := uuid.NewString()
	p := pipeline.NewBuilder().
		WithSessionID(id).
		WithTransport(m.transport).
		WithCatalog(m.catalog).
		WithSinks(opts.Sinks...).
		WithQueue(opts.QueueCapacity, opts.DropPolicy).
		WithTimeouts(opts.ReadTimeout, opts.ConsumerWait).
		WithLogger(m.logger).
		Build()
	if err := run(p); err != nil {
		return "", fmt.Errorf("start %s session: %w", mode, err)
	}

	s := &session{id: id, mode: mode, startedAt: time.Now(), p: p, done: make(chan struct{})}
	m.current = s
	m.lastErr = nil
	m.setState(StateRunning)
	m.logger.WithFields(map[string]any{"session": id, "mode": string(mode)}).Info("session started")

	go m.watch(ctx, s)
	return id, nil
}

// watch returns the manager to idle once the pipeline ends by itself or ctx
// is cancelled.
func (m *Manager) watch(ctx context.Context, s *session) {
	select {
	case <-s.p.Done():
	case <-ctx.Done():
		m.mu.Lock()
		if m.current == s && m.state != StateStopping {
			m.setState(StateStopping)
		}
		m.mu.Unlock()
		_ = s.p.Stop()
	}

	m.mu.Lock()
	if m.current == s {
		if m.state != StateStopping {
			m.setState(StateStopping)
		}
		m.lastErr = s.p.Err()
		m.lastStats = s.p.Stats()
		m.last = Info{ID: s.id, Mode: s.mode, State: StateIdle, StartedAt: s.startedAt, StoppedAt: time.Now()}
		m.current = nil
		m.setState(StateIdle)
	}
	m.mu.Unlock()

	fields := map[string]any{"session": s.id}
	if err := s.p.Err(); err != nil {
		m.logger.WithFields(fields).WithError(err).Error("session ended with error")
	} else {
		m.logger.WithFields(fields).Info("session ended")
	}
	close(s.done)
}

// setState must be called with mu held.
func (m *Manager) setState(s State) {
	m.state = s
	metrics.SetSessionState(s.gaugeValue())
}

// Pause suspends the producer of the running session.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle:
		return core.ErrNoSession
	case StatePaused:
		return nil
	case StateRunning:
		m.current.p.Pause()
		m.setState(StatePaused)
		m.logger.WithField("session", m.current.id).Info("session paused")
		return nil
	default:
		return fmt.Errorf("pause in state %s: %w", m.state, core.ErrInvalidState)
	}
}

// Resume continues a paused session.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle:
		return core.ErrNoSession
	case StateRunning:
		return nil
	case StatePaused:
		m.current.p.Resume()
		m.setState(StateRunning)
		m.logger.WithField("session", m.current.id).Info("session resumed")
		return nil
	default:
		return fmt.Errorf("resume in state %s: %w", m.state, core.ErrInvalidState)
	}
}

// Stop ends the active session and blocks until the manager is idle again.
// It returns the error that ended the producer, if any.
func (m *Manager) Stop() error {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return core.ErrNoSession
	}
	if m.state != StateStopping {
		m.setState(StateStopping)
	}
	m.mu.Unlock()

	err := s.p.Stop()
	<-s.done
	return err
}

// Wait blocks until the active session ends and returns its error. With no
// active session it returns the last session's error.
func (m *Manager) Wait() error {
	m.mu.Lock()
	s := m.current
	if s == nil {
		err := m.lastErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	<-s.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info describes the active session, or the last one when idle.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.current; s != nil {
		return Info{ID: s.id, Mode: s.mode, State: m.state, StartedAt: s.startedAt}
	}
	return m.last
}

// Stats returns the counters of the active session, or the last one when idle.
func (m *Manager) Stats() pipeline.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.current; s != nil {
		return s.p.Stats()
	}
	return m.lastStats
}

// LastError returns the error that ended the last session.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
