package logging

import (
	"sync"
)

// CappedLogger logs the first Limit occurrences of a repeating failure and then goes quiet, so that a sustained
// partition does not flood the log. A single notice is written when the cap is hit. Reset re-arms the logger once the
// failure condition clears.
type CappedLogger struct {
	mu         sync.Mutex
	logger     Logger
	limit      int
	count      int
	suppressed int
	what       string
}

// NewCappedLogger creates a CappedLogger for a class of failures described by what (e.g. "pull failures")
func NewCappedLogger(logger Logger, what string, limit int) *CappedLogger {
	if limit < 1 {
		limit = 1
	}
	return &CappedLogger{
		logger: logger,
		limit:  limit,
		what:   what,
	}
}

// Warnf logs at warn level unless the cap has been reached. It reports whether the message was written.
func (c *CappedLogger) Warnf(format string, args ...interface{}) bool {
	return c.log(c.logger.Warnf, format, args...)
}

// Errorf logs at error level unless the cap has been reached. It reports whether the message was written.
func (c *CappedLogger) Errorf(format string, args ...interface{}) bool {
	return c.log(c.logger.Errorf, format, args...)
}

func (c *CappedLogger) log(fn func(string, ...interface{}), format string, args ...interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	if c.count <= c.limit {
		fn(format, args...)
		if c.count == c.limit {
			c.logger.Warnf("[Logging] Reached %d consecutive %s, suppressing further messages until recovery", c.limit, c.what)
		}
		return true
	}

	c.suppressed++
	return false
}

// Reset re-arms the logger after the failure condition cleared
func (c *CappedLogger) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suppressed > 0 {
		c.logger.Infof("[Logging] Recovered from %s, %d messages were suppressed", c.what, c.suppressed)
	}
	c.count = 0
	c.suppressed = 0
}

// Count returns how many failures were seen since the last Reset
func (c *CappedLogger) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
