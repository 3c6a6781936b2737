// Package monitor implements the bus monitor sink: a per-identifier table of
// frame counts, cycle times and the latest decoded values.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/sink"
)

const Name = "monitor"

const (
	defaultTTL     = 30 * time.Second
	cleanupDivisor = 2
)

// Config represents monitor sink configuration.
type Config struct {
	// TTL drops identifiers not seen for this long. 0 keeps them forever.
	TTL time.Duration `mapstructure:"ttl"`
	// PrintInterval logs the table periodically when positive.
	PrintInterval time.Duration `mapstructure:"print_interval"`
}

// Entry is one row of the monitor table.
type Entry struct {
	ID       uint32
	Extended bool
	Count    uint64
	Last     core.Frame
	LastSeen time.Time
	// Cycle is the interval between the last two frames.
	Cycle   time.Duration
	Signals []core.SignalValue
}

// Sink keeps the table in a go-cache keyed by identifier.
type Sink struct {
	config Config

	mu    sync.Mutex
	cache *gocache.Cache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() sink.Sink {
	return &Sink{}
}

func init() {
	sink.Register(Name, New)
}

func (s *Sink) Name() string {
	return Name
}

func (s *Sink) Init(config map[string]any) error {
	cfg := Config{TTL: defaultTTL}
	if err := sink.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.TTL < 0 || cfg.PrintInterval < 0 {
		return fmt.Errorf("ttl and print_interval must not be negative")
	}
	s.config = cfg

	if cfg.TTL == 0 {
		s.cache = gocache.New(gocache.NoExpiration, 0)
	} else {
		s.cache = gocache.New(cfg.TTL, cfg.TTL/cleanupDivisor)
	}
	return nil
}

func (s *Sink) Start(ctx context.Context) error {
	if s.config.PrintInterval <= 0 {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.PrintInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.print()
			}
		}
	}()
	return nil
}

func (s *Sink) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	log.GetLogger().WithField("ids", s.cache.ItemCount()).Debug("monitor sink stopped")
	return nil
}

func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

func key(f core.Frame) string {
	if f.Extended {
		return fmt.Sprintf("x%08X", f.ID)
	}
	return fmt.Sprintf("s%03X", f.ID)
}

func (s *Sink) OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	now := ev.Time()
	k := key(ev.Frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{ID: ev.Frame.ID, Extended: ev.Frame.Extended}
	if v, ok := s.cache.Get(k); ok {
		e = v.(*Entry)
		e.Cycle = now.Sub(e.LastSeen)
	}
	e.Count++
	e.Last = ev.Frame
	e.LastSeen = now
	if len(ev.Signals) > 0 {
		e.Signals = append(e.Signals[:0], ev.Signals...)
	}
	s.cache.SetDefault(k, e)
	return nil
}

// Snapshot returns a copy of the table ordered by identifier.
func (s *Sink) Snapshot() []Entry {
	s.mu.Lock()
	items := s.cache.Items()
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		e := *it.Object.(*Entry)
		e.Signals = append([]core.SignalValue(nil), e.Signals...)
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return !out[i].Extended && out[j].Extended
	})
	return out
}

// Len returns the number of identifiers currently tracked.
func (s *Sink) Len() int {
	return s.cache.ItemCount()
}

func (s *Sink) print() {
	logger := log.GetLogger()
	for _, e := range s.Snapshot() {
		var vals []string
		for _, sv := range e.Signals {
			vals = append(vals, fmt.Sprintf("%s=%g%s", sv.Name, sv.Value, sv.Unit))
		}
		logger.WithFields(map[string]any{
			"count": e.Count,
			"cycle": e.Cycle,
		}).Infof("%s %s", e.Last, strings.Join(vals, " "))
	}
}
