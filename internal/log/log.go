// Package log provides the process-wide structured logger backed by logrus.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/canlens/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

const (
	defaultPattern    = "%time [%level] %msg %field%n"
	defaultTimeFormat = "2006-01-02 15:04:05.000"
)

var (
	mu      sync.RWMutex
	logger  Logger
	outputs *fanout // outputs of the logger installed by Init
)

// GetLogger returns the global logger. Before Init it logs info and above to stderr.
func GetLogger() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newEntryLogger(defaultPattern, defaultTimeFormat, logrus.InfoLevel, os.Stderr)
	}
	return logger
}

// Init builds the global logger from configuration. It may be called again to
// reconfigure; the previous log files are closed.
func Init(cfg config.LogConfig) error {
	l, out, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := outputs
	logger, outputs = l, out
	mu.Unlock()
	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Close closes the log files opened by Init.
func Close() error {
	mu.Lock()
	out := outputs
	outputs = nil
	mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Close()
}

// New builds a logger from configuration without installing it globally.
func New(cfg config.LogConfig) (Logger, error) {
	l, _, err := build(cfg)
	return l, err
}

func build(cfg config.LogConfig) (Logger, *fanout, error) {
	out := newFanout()
	if cfg.Outputs.Console.Enabled {
		out.add(os.Stderr)
	}
	if cfg.Outputs.File.Enabled {
		fa, err := newFileAppender(cfg.Outputs.File)
		if err != nil {
			return nil, nil, err
		}
		out.add(fa)
	}
	l, err := NewWithWriter(cfg, out)
	if err != nil {
		return nil, nil, err
	}
	return l, out, nil
}

// NewWithWriter builds a logger that writes every entry to w.
func NewWithWriter(cfg config.LogConfig, w io.Writer) (Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = defaultPattern
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	return newEntryLogger(pattern, timeFormat, level, w), nil
}

// SetLogger replaces the global logger.
func SetLogger(l Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() Logger {
	return newEntryLogger(defaultPattern, defaultTimeFormat, logrus.ErrorLevel, io.Discard)
}
