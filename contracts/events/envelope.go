package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the task system of record, plus reminder_due
// produced by the reminder scheduler.
const (
	TypeCreated     = "created"
	TypeUpdated     = "updated"
	TypeCompleted   = "completed"
	TypeDeleted     = "deleted"
	TypeReminderDue = "reminder_due"
)

// Routing keys on the events exchange.
const (
	KeyTaskCreated   = "task.created"
	KeyTaskUpdated   = "task.updated"
	KeyTaskCompleted = "task.completed"
	KeyTaskDeleted   = "task.deleted"
	KeyReminderDue   = "reminder.due"
)

// Binding key sets per consumer.
var (
	// AllKeys matches every lifecycle event, task and reminder alike.
	AllKeys = []string{"task.#", KeyReminderDue}
	// TaskKeys matches only events from the task system of record.
	TaskKeys = []string{"task.#"}
	// TemplateKeys is what the recurring generator listens to: the
	// events that register, change, or retire a template.
	TemplateKeys = []string{KeyTaskCreated, KeyTaskUpdated, KeyTaskDeleted}
)

// TaskPayload is the task snapshot carried inside an event envelope.
// Optional fields are pointers or empty strings.
type TaskPayload struct {
	Title             string     `json:"title"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
	RecurrenceEndDate *time.Time `json:"recurrence_end_date,omitempty"`
	ReminderOffset    string     `json:"reminder_offset,omitempty"` // Go duration string, e.g. "1h"
	Priority          string     `json:"priority,omitempty"`        // LOW / MEDIUM / HIGH
}

// Envelope is the wire format for every event on the bus. EventID is the
// idempotency key; envelopes are immutable once published.
type Envelope struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	TaskID    int64       `json:"task_id"`
	UserID    int64       `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   TaskPayload `json:"payload"`
}

// New builds an envelope with a fresh event_id and timestamp.
func New(eventType string, taskID, userID int64, payload TaskPayload) Envelope {
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		TaskID:    taskID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// RoutingKey maps the event type to its routing key on the exchange.
func (e Envelope) RoutingKey() (string, error) {
	switch e.EventType {
	case TypeCreated:
		return KeyTaskCreated, nil
	case TypeUpdated:
		return KeyTaskUpdated, nil
	case TypeCompleted:
		return KeyTaskCompleted, nil
	case TypeDeleted:
		return KeyTaskDeleted, nil
	case TypeReminderDue:
		return KeyReminderDue, nil
	default:
		return "", fmt.Errorf("unknown event type: %s", e.EventType)
	}
}

// Validate rejects envelopes missing the fields every consumer relies on.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("missing event_id")
	}
	switch e.EventType {
	case TypeCreated, TypeUpdated, TypeCompleted, TypeDeleted, TypeReminderDue:
	default:
		return fmt.Errorf("unknown event type: %q", e.EventType)
	}
	if e.TaskID <= 0 {
		return fmt.Errorf("invalid task_id: %d", e.TaskID)
	}
	if e.UserID <= 0 {
		return fmt.Errorf("invalid user_id: %d", e.UserID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}
