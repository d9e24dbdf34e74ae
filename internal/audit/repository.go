package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskpulse/pkg/metrics"
)

// Repository persists audit records to the partitioned audit_events table.
type Repository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewRepository(db *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// InsertBatch writes a batch of records in one round trip. Duplicate
// event_ids are dropped by the unique index, so redelivered events
// collapse into a single row. Returns how many rows were inserted.
func (r *Repository) InsertBatch(ctx context.Context, records []Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	start := time.Now()
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO audit_events (event_id, event_type, task_id, user_id, event_timestamp, partition_key, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id, partition_key) DO NOTHING`,
			rec.EventID, rec.EventType, rec.TaskID, rec.UserID, rec.Timestamp, rec.PartitionKey, rec.Payload,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert audit batch: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	metrics.RecordDBQueryDuration("insert_batch", "audit_events", time.Since(start))
	return inserted, nil
}

// ListByTask returns a task's full event history in chronological order.
func (r *Repository) ListByTask(ctx context.Context, taskID int64) ([]HistoryEntry, error) {
	start := time.Now()
	rows, err := r.db.Query(ctx, `
		SELECT event_type, event_timestamp, payload
		FROM audit_events
		WHERE task_id = $1
		ORDER BY event_timestamp ASC, event_id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.EventType, &e.Timestamp, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}

	metrics.RecordDBQueryDuration("list_by_task", "audit_events", time.Since(start))
	return entries, nil
}
