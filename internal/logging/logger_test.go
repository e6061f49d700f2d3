package logging

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingLogger keeps every formatted line for assertions
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) add(level, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Debugf(format string, args ...interface{}) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Infof(format string, args ...interface{})  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warnf(format string, args ...interface{})  { r.add("WARN", format, args...) }
func (r *recordingLogger) Errorf(format string, args ...interface{}) { r.add("ERROR", format, args...) }

func (r *recordingLogger) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func TestNewWithOutput(t *testing.T) {
	t.Run("writes at or above level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithOutput("ha", "warn", &buf)

		logger.Infof("hidden %d", 1)
		logger.Warnf("visible %d", 2)

		assert.NotContains(t, buf.String(), "hidden 1")
		assert.Contains(t, buf.String(), "visible 2")
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithOutput("ha", "chatty", &buf)

		logger.Debugf("debug line")
		logger.Infof("info line")

		assert.NotContains(t, buf.String(), "debug line")
		assert.Contains(t, buf.String(), "info line")
	})

	t.Run("named sub-logger carries name", func(t *testing.T) {
		var buf bytes.Buffer
		logger := Named(NewWithOutput("ha", "info", &buf), "puller")

		logger.Infof("pulled")

		assert.Contains(t, buf.String(), "ha.puller")
	})
}

func TestNamed_NonHCLogger(t *testing.T) {
	nop := Nop()
	assert.Equal(t, nop, Named(nop, "x"))
}

func TestCappedLogger(t *testing.T) {
	t.Run("caps repeated failures", func(t *testing.T) {
		rec := &recordingLogger{}
		capped := NewCappedLogger(rec, "pull failures", 3)

		for i := 0; i < 10; i++ {
			capped.Warnf("failure %d", i)
		}

		lines := rec.get()
		// 3 failures + 1 suppression notice
		assert.Len(t, lines, 4)
		assert.Equal(t, "WARN failure 0", lines[0])
		assert.Contains(t, lines[3], "suppressing")
		assert.Equal(t, 10, capped.Count())
	})

	t.Run("reset re-arms and reports suppressed", func(t *testing.T) {
		rec := &recordingLogger{}
		capped := NewCappedLogger(rec, "push failures", 1)

		assert.True(t, capped.Errorf("first"))
		assert.False(t, capped.Errorf("second"))

		capped.Reset()
		assert.Equal(t, 0, capped.Count())
		assert.True(t, capped.Errorf("third"))

		// first, cap notice, recovery notice, third, cap notice
		lines := rec.get()
		assert.Len(t, lines, 5)
		assert.Contains(t, lines[2], "1 messages were suppressed")
		assert.Equal(t, "ERROR third", lines[3])
	})

	t.Run("limit below one is treated as one", func(t *testing.T) {
		capped := NewCappedLogger(Nop(), "x", 0)
		assert.True(t, capped.Warnf("a"))
		assert.False(t, capped.Warnf("b"))
	})
}
