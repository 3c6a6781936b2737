package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/canlens/internal/config"
)

// fanout copies each log line to every output. A failing output does not stop
// the others; Write reports the last error.
type fanout struct {
	mu   sync.Mutex
	outs []io.Writer
}

func newFanout(outs ...io.Writer) *fanout {
	return &fanout{outs: outs}
}

func (f *fanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	for _, w := range f.outs {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (f *fanout) add(w io.Writer) {
	f.mu.Lock()
	f.outs = append(f.outs, w)
	f.mu.Unlock()
}

// Len returns the number of outputs.
func (f *fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outs)
}

// Close closes the file outputs. The standard streams stay open.
func (f *fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, w := range f.outs {
		if w == os.Stderr || w == os.Stdout {
			continue
		}
		if c, ok := w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// newFileAppender opens a size-rotated log file, creating its directory.
func newFileAppender(cfg config.FileOutputConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := cfg.Rotation
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
		LocalTime:  true,
	}, nil
}
