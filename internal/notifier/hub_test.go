package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskpulse/contracts/events"
)

func newTestHub(t *testing.T) (*Hub, *Registry) {
	t.Helper()
	registry := NewRegistry(3, zap.NewNop())
	return NewHub(registry, nil, zap.NewNop(), 30*time.Second, 90*time.Second), registry
}

func marshal(t *testing.T, evt events.Envelope) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func TestHubFansOutToAllUserConnections(t *testing.T) {
	hub, registry := newTestHub(t)

	first := NewConn(7, 10, 8)
	second := NewConn(7, 10, 8)
	other := NewConn(8, 10, 8)
	registry.Add(first)
	registry.Add(second)
	registry.Add(other)

	evt := events.New(events.TypeCreated, 42, 7, events.TaskPayload{Title: "Water plants"})
	require.NoError(t, hub.HandleEvent(context.Background(), marshal(t, evt)))

	for _, c := range []*Conn{first, second} {
		frames := drain(c)
		require.Len(t, frames, 1)
		assert.Equal(t, events.TypeCreated, frames[0].Event)
		assert.Contains(t, frames[0].Data, "Water plants")
	}
	assert.Empty(t, drain(other))
}

func TestHubNoConnectionsIsANoop(t *testing.T) {
	hub, _ := newTestHub(t)
	evt := events.New(events.TypeCompleted, 42, 7, events.TaskPayload{Title: "Water plants"})
	assert.NoError(t, hub.HandleEvent(context.Background(), marshal(t, evt)))
}

func TestHubMalformedEventIsAcked(t *testing.T) {
	hub, _ := newTestHub(t)
	assert.NoError(t, hub.HandleEvent(context.Background(), json.RawMessage(`{not json`)))
	assert.NoError(t, hub.HandleEvent(context.Background(), marshal(t, events.Envelope{
		EventID:   "e-1",
		EventType: "mystery",
		TaskID:    42,
		UserID:    7,
		Timestamp: time.Now(),
	})))
}

func TestHubRemovesClosedConnections(t *testing.T) {
	hub, registry := newTestHub(t)

	conn := NewConn(7, 10, 8)
	registry.Add(conn)
	conn.Close()

	evt := events.New(events.TypeUpdated, 42, 7, events.TaskPayload{Title: "Water plants"})
	require.NoError(t, hub.HandleEvent(context.Background(), marshal(t, evt)))
	assert.Empty(t, registry.Get(7))
}

func TestComposeMessageHighPriority(t *testing.T) {
	due := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	evt := events.New(events.TypeCreated, 42, 7, events.TaskPayload{
		Title:    "File taxes",
		DueDate:  &due,
		Priority: "HIGH",
	})
	msg := ComposeMessage(evt)
	assert.Equal(t, `High priority: New task "File taxes", due Sep 1 09:00`, msg)
}

func TestComposeMessageReminder(t *testing.T) {
	evt := events.New(events.TypeReminderDue, 42, 7, events.TaskPayload{Title: "File taxes"})
	assert.Equal(t, `Reminder: "File taxes" is due soon`, ComposeMessage(evt))
}
