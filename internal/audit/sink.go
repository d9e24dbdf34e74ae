package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskpulse/pkg/metrics"
)

// DLQRoutingKey is where sunk audit payloads land on the dead letter
// exchange.
const DLQRoutingKey = "audit.failed"

// DLQPublisher publishes payloads the sink could not keep out of band.
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// Sink is the last stop for batches that exhausted their retries. Each
// record lands in failed_events and is mirrored to the dead letter
// exchange so nothing is lost silently.
type Sink struct {
	db        *pgxpool.Pool
	publisher DLQPublisher
	logger    *zap.Logger
}

func NewSink(db *pgxpool.Pool, publisher DLQPublisher, logger *zap.Logger) *Sink {
	return &Sink{db: db, publisher: publisher, logger: logger}
}

// Drain records every event of a failed batch. Errors here are logged
// and swallowed: the sink itself must never propagate failure back into
// the consume path.
func (s *Sink) Drain(ctx context.Context, records []Record, cause error) {
	reason := cause.Error()

	for _, rec := range records {
		if err := s.insertFailed(ctx, rec, reason); err != nil {
			s.logger.Error("Failed to record failed event",
				zap.String("event_id", rec.EventID),
				zap.Error(err),
			)
		}
		if s.publisher != nil {
			body, err := json.Marshal(rec)
			if err != nil {
				body = rec.Payload
			}
			if err := s.publisher.PublishToDLQ(DLQRoutingKey, body, reason); err != nil {
				s.logger.Error("Failed to publish failed event to DLQ",
					zap.String("event_id", rec.EventID),
					zap.Error(err),
				)
			}
		}
	}

	s.logger.Error("Audit batch sunk after exhausting retries",
		zap.Int("count", len(records)),
		zap.String("reason", reason),
	)
}

func (s *Sink) insertFailed(ctx context.Context, rec Record, reason string) error {
	start := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO failed_events (event_id, event_type, task_id, user_id, event_timestamp, payload, failure_reason, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.EventType, rec.TaskID, rec.UserID, rec.Timestamp, rec.Payload, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert failed event: %w", err)
	}
	metrics.RecordDBQueryDuration("insert", "failed_events", time.Since(start))
	return nil
}
