package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFillsIdentityFields(t *testing.T) {
	evt := New(TypeCreated, 42, 7, TaskPayload{Title: "Water plants"})
	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, int64(42), evt.TaskID)
	assert.Equal(t, int64(7), evt.UserID)
	assert.False(t, evt.Timestamp.IsZero())
	require.NoError(t, evt.Validate())
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		eventType string
		key       string
	}{
		{TypeCreated, KeyTaskCreated},
		{TypeUpdated, KeyTaskUpdated},
		{TypeCompleted, KeyTaskCompleted},
		{TypeDeleted, KeyTaskDeleted},
		{TypeReminderDue, KeyReminderDue},
	}
	for _, tt := range tests {
		key, err := Envelope{EventType: tt.eventType}.RoutingKey()
		require.NoError(t, err)
		assert.Equal(t, tt.key, key)
	}

	_, err := Envelope{EventType: "mystery"}.RoutingKey()
	assert.Error(t, err)
}

func TestValidateRejectsBadEnvelopes(t *testing.T) {
	valid := Envelope{
		EventID:   "e-1",
		EventType: TypeCreated,
		TaskID:    42,
		UserID:    7,
		Timestamp: time.Now(),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"missing event_id", func(e *Envelope) { e.EventID = "" }},
		{"unknown type", func(e *Envelope) { e.EventType = "mystery" }},
		{"bad task_id", func(e *Envelope) { e.TaskID = 0 }},
		{"bad user_id", func(e *Envelope) { e.UserID = -1 }},
		{"zero timestamp", func(e *Envelope) { e.Timestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}
