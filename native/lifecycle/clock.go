package lifecycle

import (
	"sync"
	"time"
)

// Clock supplies the timestamps loans are settled at.
type Clock interface {
	Now() time.Time
}

// MonotonicClock never reports a time earlier than one it already returned,
// even if the source steps backwards.
type MonotonicClock struct {
	mu     sync.Mutex
	source func() time.Time
	last   time.Time
}

// NewMonotonicClock wraps source, defaulting to time.Now.
func NewMonotonicClock(source func() time.Time) *MonotonicClock {
	if source == nil {
		source = time.Now
	}
	return &MonotonicClock{source: source}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.source()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
