package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the logging interface every HA component receives. It keeps the printf style used across the project so
// that components can log with a "[Component] message" prefix.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// hcLogger adapts an hclog.Logger to the Logger interface
type hcLogger struct {
	l hclog.Logger
}

// New returns a Logger backed by hclog writing to stderr. Level is one of trace, debug, info, warn, error; anything
// else falls back to info.
func New(name, level string) Logger {
	return NewWithOutput(name, level, os.Stderr)
}

// NewWithOutput is like New but writes to the given writer
func NewWithOutput(name, level string, out io.Writer) Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}

	return &hcLogger{
		l: hclog.New(&hclog.LoggerOptions{
			Name:   name,
			Level:  lvl,
			Output: out,
		}),
	}
}

// Named returns a sub-logger for a component. Loggers that are not backed by hclog are returned unchanged.
func Named(logger Logger, name string) Logger {
	if hl, ok := logger.(*hcLogger); ok {
		return &hcLogger{l: hl.l.Named(name)}
	}
	return logger
}

func (h *hcLogger) Debugf(format string, args ...interface{}) {
	if h.l.IsDebug() || h.l.IsTrace() {
		h.l.Debug(fmt.Sprintf(format, args...))
	}
}

func (h *hcLogger) Infof(format string, args ...interface{}) {
	h.l.Info(fmt.Sprintf(format, args...))
}

func (h *hcLogger) Warnf(format string, args ...interface{}) {
	h.l.Warn(fmt.Sprintf(format, args...))
}

func (h *hcLogger) Errorf(format string, args ...interface{}) {
	h.l.Error(fmt.Sprintf(format, args...))
}

// nopLogger discards everything
type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

// Nop returns a Logger that drops all messages
func Nop() Logger {
	return nopLogger{}
}
