package logs

import (
	"sync"
	"time"

	"github.com/oicur0t/devlogs/pkg/models"
)

// NanoClock hands out strictly increasing nanosecond timestamps that track
// wall time. Two calls never return the same value, even within the same
// nanosecond or if the wall clock steps backwards.
type NanoClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewNanoClock returns a clock reading from now, or time.Now when nil.
func NewNanoClock(now func() time.Time) *NanoClock {
	if now == nil {
		now = time.Now
	}
	return &NanoClock{now: now}
}

// Next returns the next timestamp.
func (c *NanoClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Stamp assigns receipt times to a batch: every entry gets the same createdAt
// (milliseconds) and entries lacking a nanoTimestamp get a fresh one, in
// batch order.
func (c *NanoClock) Stamp(entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	first := c.Next()
	createdAt := first / int64(time.Millisecond)
	for i := range entries {
		entries[i].CreatedAt = createdAt
		if entries[i].NanoTimestamp == 0 {
			if i == 0 {
				entries[i].NanoTimestamp = first
			} else {
				entries[i].NanoTimestamp = c.Next()
			}
		}
	}
}
