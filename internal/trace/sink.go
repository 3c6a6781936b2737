package trace

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/sink"
)

// SinkName is the sink type of RecorderSink.
const SinkName = "trace"

// RecorderSinkConfig configures RecorderSink. Path wins over Dir.
type RecorderSinkConfig struct {
	Dir        string `mapstructure:"dir"`
	Path       string `mapstructure:"path"`
	Bus        int    `mapstructure:"bus"`
	Connection string `mapstructure:"connection"`
	Bitrate    int    `mapstructure:"bitrate"`
}

// RecorderSink records every consumed event. Live events use their capture
// time; replay events their recorded offset.
type RecorderSink struct {
	config RecorderSinkConfig
	rec    *Recorder
}

// NewRecorderSink returns a recorder sink writing under dir.
func NewRecorderSink(dir string) *RecorderSink {
	return &RecorderSink{config: RecorderSinkConfig{Dir: dir}, rec: NewRecorder(RecorderOptions{})}
}

func init() {
	sink.Register(SinkName, func() sink.Sink { return NewRecorderSink("") })
}

func (s *RecorderSink) Name() string { return SinkName }

func (s *RecorderSink) Init(cfg map[string]any) error {
	c := s.config
	if err := sink.DecodeConfig(cfg, &c); err != nil {
		return err
	}
	if c.Path == "" && c.Dir == "" {
		return fmt.Errorf("dir or path is required")
	}
	s.config = c
	s.rec = NewRecorder(RecorderOptions{Bus: c.Bus, Connection: c.Connection, Bitrate: c.Bitrate})
	return nil
}

// Start opens a new trace file.
func (s *RecorderSink) Start(ctx context.Context) error {
	path := s.config.Path
	if path == "" {
		path = filepath.Join(s.config.Dir, FileName(time.Now()))
	}
	return s.rec.Start(path)
}

func (s *RecorderSink) OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	return s.rec.RecordFrame(ev.Frame, ev.Time())
}

func (s *RecorderSink) Flush(ctx context.Context) error { return s.rec.Flush() }

func (s *RecorderSink) Stop(ctx context.Context) error { return s.rec.Stop() }

// Recorder exposes the underlying recorder.
func (s *RecorderSink) Recorder() *Recorder { return s.rec }
