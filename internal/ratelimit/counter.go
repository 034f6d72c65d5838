// Package ratelimit throttles log lines for conditions that can repeat once
// per connection or per frame (accept errors, admission rejects, publish
// failures) so a misbehaving client cannot flood the log.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts occurrences and permits a log at most once per interval.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
	now      func() time.Time
}

// NewCounter constructs a Counter. A zero or negative interval disables
// throttling.
func NewCounter(interval time.Duration) Counter {
	return Counter{interval: interval}
}

// Inc records one occurrence and reports the running total and whether the
// caller may log now.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := c.clock().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	return total, c.lastLog.CompareAndSwap(last, now)
}

// Total returns the number of recorded occurrences.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

func (c *Counter) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
