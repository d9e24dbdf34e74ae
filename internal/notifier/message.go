package notifier

import (
	"fmt"

	"taskpulse/contracts/events"
)

// ComposeMessage renders a short human-readable line for an event.
// Notifications are ephemeral and never persisted.
func ComposeMessage(evt events.Envelope) string {
	title := evt.Payload.Title
	if title == "" {
		title = fmt.Sprintf("task #%d", evt.TaskID)
	}

	prefix := ""
	if evt.Payload.Priority == "HIGH" {
		prefix = "High priority: "
	}

	switch evt.EventType {
	case events.TypeCreated:
		if evt.Payload.DueDate != nil {
			return fmt.Sprintf("%sNew task %q, due %s", prefix, title, evt.Payload.DueDate.Format("Jan 2 15:04"))
		}
		return fmt.Sprintf("%sNew task %q", prefix, title)

	case events.TypeUpdated:
		return fmt.Sprintf("Task %q was updated", title)

	case events.TypeCompleted:
		return fmt.Sprintf("Task %q completed", title)

	case events.TypeDeleted:
		return fmt.Sprintf("Task %q was deleted", title)

	case events.TypeReminderDue:
		if evt.Payload.DueDate != nil {
			return fmt.Sprintf("Reminder: %q is due %s", title, evt.Payload.DueDate.Format("Jan 2 15:04"))
		}
		return fmt.Sprintf("Reminder: %q is due soon", title)
	}

	return fmt.Sprintf("Task %q: %s", title, evt.EventType)
}
