package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Conn) []Frame {
	var out []Frame
	for {
		select {
		case f := <-c.Frames():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestConnRateLimitCoalesces(t *testing.T) {
	c := NewConn(7, 2, 16)

	frame := Frame{Event: "created", Data: "x"}
	assert.Equal(t, PushOK, c.Push(frame))
	assert.Equal(t, PushOK, c.Push(frame))

	// Over the cap within one second: coalesced, not queued.
	assert.Equal(t, PushCoalesced, c.Push(frame))
	assert.Equal(t, PushCoalesced, c.Push(frame))
	require.Len(t, drain(c), 2)

	// Roll the window: the omission marker surfaces first.
	c.mu.Lock()
	c.windowStart = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()

	assert.Equal(t, PushOK, c.Push(frame))
	frames := drain(c)
	require.Len(t, frames, 2)
	assert.Equal(t, "omitted", frames[0].Event)
	assert.Equal(t, "2 messages omitted", frames[0].Data)
	assert.Equal(t, "created", frames[1].Event)
}

func TestConnHeartbeatBypassesRateLimit(t *testing.T) {
	c := NewConn(7, 1, 16)

	assert.Equal(t, PushOK, c.Push(Frame{Event: "created"}))
	assert.Equal(t, PushCoalesced, c.Push(Frame{Event: "created"}))

	// Heartbeats are keep-alives, never rate limited.
	assert.True(t, c.Heartbeat())

	frames := drain(c)
	require.Len(t, frames, 2)
	assert.Equal(t, heartbeatEvent, frames[1].Event)
	assert.Empty(t, frames[1].Data)
}

func TestConnHeartbeatFlushesPendingOmissions(t *testing.T) {
	c := NewConn(7, 1, 16)

	assert.Equal(t, PushOK, c.Push(Frame{Event: "created"}))
	assert.Equal(t, PushCoalesced, c.Push(Frame{Event: "created"}))
	assert.Equal(t, PushCoalesced, c.Push(Frame{Event: "created"}))
	drain(c)

	// No further event traffic; the window expires quietly. The next
	// heartbeat must surface the omissions rather than drop them.
	c.mu.Lock()
	c.windowStart = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()

	assert.True(t, c.Heartbeat())
	frames := drain(c)
	require.Len(t, frames, 2)
	assert.Equal(t, "omitted", frames[0].Event)
	assert.Equal(t, "2 messages omitted", frames[0].Data)
	assert.Equal(t, heartbeatEvent, frames[1].Event)

	c.mu.Lock()
	assert.Equal(t, 0, c.omitted)
	c.mu.Unlock()
}

func TestConnPushAfterClose(t *testing.T) {
	c := NewConn(7, 10, 16)
	c.Close()
	assert.Equal(t, PushClosed, c.Push(Frame{Event: "created"}))
	assert.False(t, c.Heartbeat())
}

func TestConnCloseIsIdempotent(t *testing.T) {
	c := NewConn(7, 10, 16)
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
