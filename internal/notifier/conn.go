package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame is one newline-delimited message on the stream. Heartbeat frames
// omit data.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

const heartbeatEvent = "heartbeat"

// PushResult classifies the outcome of a push attempt.
type PushResult int

const (
	PushOK PushResult = iota
	PushCoalesced
	PushClosed
)

// Conn is one long-lived streaming connection. Pushes go through a
// bounded channel drained by the HTTP writer goroutine; the event path
// never blocks on a slow client.
type Conn struct {
	ID       string
	UserID   int64
	OpenedAt time.Time

	send chan Frame
	done chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	ratePerSec  int
	windowStart time.Time
	windowCount int
	omitted     int
	lastActive  time.Time
}

func NewConn(userID int64, ratePerSec, buffer int) *Conn {
	now := time.Now()
	return &Conn{
		ID:          uuid.NewString(),
		UserID:      userID,
		OpenedAt:    now,
		send:        make(chan Frame, buffer),
		done:        make(chan struct{}),
		ratePerSec:  ratePerSec,
		windowStart: now,
		lastActive:  now,
	}
}

// Push enqueues a frame, applying the per-connection rate limit.
// Messages beyond the cap within one second are coalesced into a single
// omission marker pushed when the window rolls over, never queued
// unbounded and never silently discarded.
func (c *Conn) Push(f Frame) PushResult {
	select {
	case <-c.done:
		return PushClosed
	default:
	}

	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		omitted := c.omitted
		c.windowStart = now
		c.windowCount = 0
		c.omitted = 0
		if omitted > 0 {
			c.windowCount++
			c.mu.Unlock()
			c.enqueue(Frame{
				Event: "omitted",
				Data:  fmt.Sprintf("%d messages omitted", omitted),
			})
			c.mu.Lock()
		}
	}

	if c.windowCount >= c.ratePerSec {
		c.omitted++
		c.mu.Unlock()
		return PushCoalesced
	}
	c.windowCount++
	c.mu.Unlock()

	if !c.enqueue(f) {
		// Buffer full: the client is not keeping up, coalesce.
		c.mu.Lock()
		c.omitted++
		c.mu.Unlock()
		return PushCoalesced
	}
	return PushOK
}

// Heartbeat enqueues a keep-alive frame, outside the rate limit. A
// pending omission marker whose window has expired is flushed first, so
// a stream with no further event traffic still learns what was dropped.
func (c *Conn) Heartbeat() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.flushOmitted()
	return c.enqueue(Frame{Event: heartbeatEvent})
}

// flushOmitted emits the omission marker once its rate window has
// expired. Push does this on the next event; this path covers quiet
// connections where no next event arrives.
func (c *Conn) flushOmitted() {
	c.mu.Lock()
	if c.omitted == 0 || time.Since(c.windowStart) < time.Second {
		c.mu.Unlock()
		return
	}
	omitted := c.omitted
	c.omitted = 0
	c.windowStart = time.Now()
	c.windowCount = 1
	c.mu.Unlock()

	marker := Frame{
		Event: "omitted",
		Data:  fmt.Sprintf("%d messages omitted", omitted),
	}
	if !c.enqueue(marker) {
		c.mu.Lock()
		c.omitted += omitted
		c.mu.Unlock()
	}
}

func (c *Conn) enqueue(f Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Frames is drained by the connection's writer goroutine.
func (c *Conn) Frames() <-chan Frame {
	return c.send
}

// Done is closed when the connection is shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down; safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Touch records a successful write, used for staleness detection.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the time of the last successful write.
func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}
