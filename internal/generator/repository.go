package generator

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Template is the generator's read model of a recurring task, maintained
// from created/updated lifecycle events.
type Template struct {
	TaskID         int64
	UserID         int64
	Title          string
	Pattern        string
	AnchorDate     time.Time
	EndDate        *time.Time
	ReminderOffset string
	Priority       string
	IsActive       bool
}

type TemplateRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTemplateRepository(db *pgxpool.Pool, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

func (r *TemplateRepository) Upsert(ctx context.Context, t *Template) error {
	r.logger.Debug("Upserting recurring template",
		zap.Int64("task_id", t.TaskID),
		zap.String("pattern", t.Pattern),
	)
	query := `
        INSERT INTO recurring_templates
            (task_id, user_id, title, pattern, anchor_date, end_date, reminder_offset, priority, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
        ON CONFLICT (task_id) DO UPDATE SET
            title = EXCLUDED.title,
            pattern = EXCLUDED.pattern,
            anchor_date = EXCLUDED.anchor_date,
            end_date = EXCLUDED.end_date,
            reminder_offset = EXCLUDED.reminder_offset,
            priority = EXCLUDED.priority,
            is_active = TRUE,
            updated_at = NOW()
    `
	_, err := r.db.Exec(ctx, query,
		t.TaskID,
		t.UserID,
		t.Title,
		t.Pattern,
		t.AnchorDate,
		t.EndDate,
		t.ReminderOffset,
		t.Priority,
	)
	if err != nil {
		r.logger.Error("Failed to upsert template",
			zap.Error(err),
			zap.Int64("task_id", t.TaskID),
		)
		return err
	}
	return nil
}

func (r *TemplateRepository) Deactivate(ctx context.Context, taskID int64) error {
	query := `
        UPDATE recurring_templates
        SET is_active = FALSE, updated_at = NOW()
        WHERE task_id = $1
    `
	result, err := r.db.Exec(ctx, query, taskID)
	if err != nil {
		r.logger.Error("Failed to deactivate template",
			zap.Error(err),
			zap.Int64("task_id", taskID),
		)
		return err
	}
	if result.RowsAffected() > 0 {
		r.logger.Info("Template deactivated", zap.Int64("task_id", taskID))
	}
	return nil
}

func (r *TemplateRepository) ListActive(ctx context.Context) ([]Template, error) {
	query := `
        SELECT task_id, user_id, title, pattern, anchor_date, end_date,
               reminder_offset, priority, is_active
        FROM recurring_templates
        WHERE is_active = TRUE
        ORDER BY task_id
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list active templates", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(
			&t.TaskID,
			&t.UserID,
			&t.Title,
			&t.Pattern,
			&t.AnchorDate,
			&t.EndDate,
			&t.ReminderOffset,
			&t.Priority,
			&t.IsActive,
		); err != nil {
			r.logger.Error("Failed to scan template", zap.Error(err))
			return nil, err
		}
		templates = append(templates, t)
	}

	r.logger.Debug("Listed active templates", zap.Int("count", len(templates)))
	return templates, rows.Err()
}

// InstanceExists is the sole idempotency guard for generation: at most
// one instance per (parent template, occurrence date).
func (r *TemplateRepository) InstanceExists(ctx context.Context, parentTaskID int64, occurrenceDate time.Time) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM generated_instances
            WHERE parent_task_id = $1 AND occurrence_date = $2
        )
    `
	var exists bool
	err := r.db.QueryRow(ctx, query, parentTaskID, occurrenceDate).Scan(&exists)
	if err != nil {
		r.logger.Error("Failed to check instance existence",
			zap.Error(err),
			zap.Int64("parent_task_id", parentTaskID),
		)
		return false, err
	}
	return exists, nil
}

// RecordInstance records a successfully created instance. ON CONFLICT DO
// NOTHING absorbs the race between overlapping scan windows.
func (r *TemplateRepository) RecordInstance(ctx context.Context, parentTaskID, instanceTaskID int64, occurrenceDate time.Time) error {
	query := `
        INSERT INTO generated_instances (parent_task_id, instance_task_id, occurrence_date)
        VALUES ($1, $2, $3)
        ON CONFLICT (parent_task_id, occurrence_date) DO NOTHING
    `
	_, err := r.db.Exec(ctx, query, parentTaskID, instanceTaskID, occurrenceDate)
	if err != nil {
		r.logger.Error("Failed to record generated instance",
			zap.Error(err),
			zap.Int64("parent_task_id", parentTaskID),
		)
		return err
	}
	r.logger.Info("Generated instance recorded",
		zap.Int64("parent_task_id", parentTaskID),
		zap.Int64("instance_task_id", instanceTaskID),
		zap.String("occurrence_date", occurrenceDate.Format("2006-01-02")),
	)
	return nil
}
