package log

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// entryLogger implements Logger over a logrus entry. The level methods are
// promoted from the entry; the With family is wrapped so chains stay Loggers.
type entryLogger struct {
	*logrus.Entry
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "warning":
		return logrus.WarnLevel, nil
	case "trace", "debug", "info", "warn", "error":
		return logrus.ParseLevel(strings.ToLower(level))
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %q", level)
	}
}

func newEntryLogger(pattern, timeFormat string, level logrus.Level, w io.Writer) *entryLogger {
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: pattern, time: timeFormat})
	l.SetLevel(level)
	l.SetOutput(w)
	return &entryLogger{Entry: logrus.NewEntry(l)}
}

func (l *entryLogger) WithField(field string, value interface{}) Logger {
	return &entryLogger{l.Entry.WithField(field, value)}
}

func (l *entryLogger) WithFields(fields map[string]interface{}) Logger {
	return &entryLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{l.Entry.WithError(err)}
}

func (l *entryLogger) IsTraceEnabled() bool { return l.Logger.IsLevelEnabled(logrus.TraceLevel) }
func (l *entryLogger) IsDebugEnabled() bool { return l.Logger.IsLevelEnabled(logrus.DebugLevel) }
func (l *entryLogger) IsInfoEnabled() bool  { return l.Logger.IsLevelEnabled(logrus.InfoLevel) }
