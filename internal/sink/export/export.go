// Package export implements the binary export sink. Events are appended to a
// file as a stream of CBOR or MessagePack records.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/sink"
)

const Name = "export"

const (
	FormatCBOR    = "cbor"
	FormatMsgpack = "msgpack"
)

// Config represents export sink configuration.
type Config struct {
	Path   string `mapstructure:"path"`   // required
	Format string `mapstructure:"format"` // cbor|msgpack, default cbor
}

type encoder interface {
	Encode(v any) error
}

// Sink appends encoded records to a file.
type Sink struct {
	config Config

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc encoder

	written atomic.Uint64
}

// New creates an export sink.
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
	cfg := Config{Format: FormatCBOR}
	if err := sink.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	if cfg.Format != FormatCBOR && cfg.Format != FormatMsgpack {
		return fmt.Errorf("invalid format %q, must be cbor or msgpack", cfg.Format)
	}
	s.config = cfg
	return nil
}

var cborEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Start opens (truncating) the output file.
func (s *Sink) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.Create(s.config.Path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.f = f
	s.buf = bufio.NewWriter(f)
	if s.config.Format == FormatMsgpack {
		s.enc = msgpack.NewEncoder(s.buf)
	} else {
		s.enc = cborEncMode.NewEncoder(s.buf)
	}

	log.GetLogger().WithFields(map[string]any{
		"path":   s.config.Path,
		"format": s.config.Format,
	}).Info("export sink started")
	return nil
}

func (s *Sink) OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("export sink not started")
	}
	if err := s.enc.Encode(sink.NewRecord(ev)); err != nil {
		return fmt.Errorf("encode %s record: %w", s.config.Format, err)
	}
	s.written.Add(1)
	return nil
}

func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil
	}
	return s.buf.Flush()
}

// Stop flushes and closes the file.
func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.buf.Flush()
	cerr := s.f.Close()
	s.f, s.buf, s.enc = nil, nil, nil

	log.GetLogger().WithFields(map[string]any{
		"path":    s.config.Path,
		"records": s.written.Load(),
	}).Info("export sink stopped")
	return errors.Join(ferr, cerr)
}

// Written returns the number of encoded records.
func (s *Sink) Written() uint64 {
	return s.written.Load()
}

// ReadAll decodes every record of an export file.
func ReadAll(path, format string) ([]sink.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var decode func(v any) error
	switch format {
	case FormatCBOR:
		decode = cbor.NewDecoder(r).Decode
	case FormatMsgpack:
		decode = msgpack.NewDecoder(r).Decode
	default:
		return nil, fmt.Errorf("invalid format %q", format)
	}

	var records []sink.Record
	for {
		var rec sink.Record
		if err := decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("decode record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}
