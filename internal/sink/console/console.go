// Package console implements the console sink.
// Prints one line per decoded event in human-readable or JSON form.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/sink"
)

const Name = "console"

// Sink writes events to stdout.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	config Config
	count  atomic.Uint64
}

// Config represents console sink configuration.
type Config struct {
	Format      string `mapstructure:"format"`       // "json" or "text", default "text"
	OnlyDecoded bool   `mapstructure:"only_decoded"` // skip frames without catalog entry
}

// New creates a console sink writing to stdout.
func New() sink.Sink {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a console sink writing to w.
func NewWithWriter(w io.Writer) *Sink {
	return &Sink{out: w, config: Config{Format: "text"}}
}

func init() {
	sink.Register(Name, New)
}

func (s *Sink) Name() string {
	return Name
}

// Init initializes the sink with configuration.
func (s *Sink) Init(cfg map[string]any) error {
	c := Config{Format: "text"}
	if err := sink.DecodeConfig(cfg, &c); err != nil {
		return err
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("invalid format %q, must be json or text", c.Format)
	}
	s.config = c
	return nil
}

func (s *Sink) Start(ctx context.Context) error {
	log.GetLogger().WithField("format", s.config.Format).Debug("console sink started")
	return nil
}

func (s *Sink) Stop(ctx context.Context) error {
	log.GetLogger().WithField("total", s.count.Load()).Debug("console sink stopped")
	return nil
}

// OnDecodedEvent prints one event.
func (s *Sink) OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	if s.config.OnlyDecoded && len(ev.Signals) == 0 {
		return nil
	}

	var line string
	if s.config.Format == "json" {
		data, err := json.Marshal(sink.NewRecord(ev))
		if err != nil {
			return fmt.Errorf("json marshal failed: %w", err)
		}
		line = string(data)
	} else {
		line = FormatText(ev)
	}

	s.mu.Lock()
	_, err := fmt.Fprintln(s.out, line)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.count.Add(1)
	return nil
}

// Flush is a no-op, writes are unbuffered.
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Count returns how many events were printed.
func (s *Sink) Count() uint64 {
	return s.count.Load()
}

// FormatText renders ev as "time source frame signal=value unit, ...".
func FormatText(ev *core.DecodedEvent) string {
	var b strings.Builder
	if ev.Source == core.SourceReplay {
		fmt.Fprintf(&b, "[+%10.3f ms]", float64(ev.Offset.Microseconds())/1000)
	} else {
		fmt.Fprintf(&b, "[%s]", ev.Timestamp.Format("15:04:05.000"))
	}
	fmt.Fprintf(&b, " %-6s %s", ev.Source, ev.Frame)
	for i, sv := range ev.Signals {
		if i == 0 {
			b.WriteString(" |")
		} else {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s=%g", sv.Name, sv.Value)
		if sv.Unit != "" {
			b.WriteString(" " + sv.Unit)
		}
	}
	return b.String()
}
