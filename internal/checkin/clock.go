package checkin

import (
	"sync/atomic"
	"time"
)

// LogicalClock is the proxy's view of backend time: wall clock plus an
// offset rebased from the currentTime field of check-in responses.
// Explicit process-wide state, initialized at startup; tests inject
// their own instance.
type LogicalClock struct {
	offsetMillis atomic.Int64
}

// NewLogicalClock creates a clock with zero offset.
func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

// Now returns the current logical time in epoch millis.
func (c *LogicalClock) Now() int64 {
	return time.Now().UnixMilli() + c.offsetMillis.Load()
}

// Set rebases the clock so Now() tracks the given backend time.
func (c *LogicalClock) Set(backendMillis int64) {
	c.offsetMillis.Store(backendMillis - time.Now().UnixMilli())
}

// Offset returns the current offset in millis.
func (c *LogicalClock) Offset() int64 {
	return c.offsetMillis.Load()
}
