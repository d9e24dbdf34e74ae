package audit

import (
	"encoding/json"
	"time"

	"taskpulse/contracts/events"
)

// Record is one audit row. PartitionKey is the first day of the month
// of the event timestamp, matching the table's range partitioning. The
// json tags are for the DLQ body built from sunk records.
type Record struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	TaskID       int64           `json:"task_id"`
	UserID       int64           `json:"user_id"`
	Timestamp    time.Time       `json:"timestamp"`
	PartitionKey time.Time       `json:"-"`
	Payload      json.RawMessage `json:"payload"`
}

// NewRecord builds a record from a validated envelope. Payload is the
// task snapshot the event carried; the envelope's identity fields have
// their own columns.
func NewRecord(evt events.Envelope) Record {
	ts := evt.Timestamp.UTC()
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	return Record{
		EventID:      evt.EventID,
		EventType:    evt.EventType,
		TaskID:       evt.TaskID,
		UserID:       evt.UserID,
		Timestamp:    ts,
		PartitionKey: time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC),
		Payload:      payload,
	}
}

// HistoryEntry is one row of a task's audit history as served over HTTP.
type HistoryEntry struct {
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
