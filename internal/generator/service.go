package generator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"taskpulse/contracts/events"
	"taskpulse/internal/taskapi"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/metrics"
)

// TemplateStore is the persistence boundary for the generator's template
// read model and its idempotency records.
type TemplateStore interface {
	Upsert(ctx context.Context, t *Template) error
	Deactivate(ctx context.Context, taskID int64) error
	ListActive(ctx context.Context) ([]Template, error)
	InstanceExists(ctx context.Context, parentTaskID int64, occurrenceDate time.Time) (bool, error)
	RecordInstance(ctx context.Context, parentTaskID, instanceTaskID int64, occurrenceDate time.Time) error
}

// TaskCreator is the task system of record's public create operation.
type TaskCreator interface {
	CreateTask(ctx context.Context, req taskapi.CreateTaskRequest) (*taskapi.CreatedTask, error)
}

// Service turns due recurring templates into concrete task instances,
// exactly once per occurrence.
type Service struct {
	store        TemplateStore
	tasks        TaskCreator
	log          *zap.Logger
	pollInterval time.Duration
	scanWindow   time.Duration
	now          func() time.Time
}

func NewService(store TemplateStore, tasks TaskCreator, log *zap.Logger, pollInterval, scanWindow time.Duration) *Service {
	return &Service{
		store:        store,
		tasks:        tasks,
		log:          log,
		pollInterval: pollInterval,
		scanWindow:   scanWindow,
		now:          time.Now,
	}
}

// HandleEvent maintains the template read model from created/updated/
// deleted lifecycle events. Malformed payloads and invalid patterns are
// logged and skipped; only storage errors propagate so the bus retries.
func (s *Service) HandleEvent(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, s.log)

	var evt events.Envelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Error("Failed to unmarshal event, skipping", zap.Error(err))
		metrics.EventsConsumed.WithLabelValues("generator", "unknown", "skipped").Inc()
		return nil
	}
	if err := evt.Validate(); err != nil {
		log.Warn("Invalid event envelope, skipping",
			zap.String("event_id", evt.EventID),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues("generator", evt.EventType, "skipped").Inc()
		return nil
	}

	switch evt.EventType {
	case events.TypeCreated, events.TypeUpdated:
		if evt.Payload.RecurrencePattern == "" {
			if evt.EventType == events.TypeUpdated {
				// Recurrence removed from the task; stop generating.
				return s.store.Deactivate(ctx, evt.TaskID)
			}
			return nil
		}
		return s.upsertTemplate(ctx, log, evt)

	case events.TypeDeleted:
		return s.store.Deactivate(ctx, evt.TaskID)
	}

	return nil
}

func (s *Service) upsertTemplate(ctx context.Context, log *zap.Logger, evt events.Envelope) error {
	if _, err := ParsePattern(evt.Payload.RecurrencePattern); err != nil {
		log.Warn("Rejecting malformed recurrence pattern",
			zap.String("event_id", evt.EventID),
			zap.Int64("task_id", evt.TaskID),
			zap.String("pattern", evt.Payload.RecurrencePattern),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues("generator", evt.EventType, "skipped").Inc()
		return nil
	}

	anchor := evt.Timestamp
	if evt.Payload.DueDate != nil {
		anchor = *evt.Payload.DueDate
	}

	tmpl := &Template{
		TaskID:         evt.TaskID,
		UserID:         evt.UserID,
		Title:          evt.Payload.Title,
		Pattern:        evt.Payload.RecurrencePattern,
		AnchorDate:     midnightUTC(anchor),
		EndDate:        evt.Payload.RecurrenceEndDate,
		ReminderOffset: evt.Payload.ReminderOffset,
		Priority:       evt.Payload.Priority,
		IsActive:       true,
	}
	if err := s.store.Upsert(ctx, tmpl); err != nil {
		return err
	}

	log.Info("Recurring template registered",
		zap.Int64("task_id", evt.TaskID),
		zap.String("pattern", tmpl.Pattern),
	)
	metrics.EventsConsumed.WithLabelValues("generator", evt.EventType, "ok").Inc()
	return nil
}

// Scan walks every active template and creates the instances whose
// occurrence falls within the scan window. A failed creation is retried
// on the next tick through the same existence check.
func (s *Service) Scan(ctx context.Context) error {
	now := s.now()
	windowEnd := now.Add(s.scanWindow)

	templates, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	generated := 0
	for _, tmpl := range templates {
		pattern, err := ParsePattern(tmpl.Pattern)
		if err != nil {
			// Should not happen: patterns are validated on ingest.
			s.log.Warn("Skipping template with invalid stored pattern",
				zap.Int64("task_id", tmpl.TaskID),
				zap.String("pattern", tmpl.Pattern),
			)
			continue
		}

		if tmpl.EndDate != nil && now.After(*tmpl.EndDate) {
			if err := s.store.Deactivate(ctx, tmpl.TaskID); err != nil {
				s.log.Error("Failed to deactivate expired template",
					zap.Int64("task_id", tmpl.TaskID),
					zap.Error(err),
				)
			}
			continue
		}

		// Fast skip for sparse patterns: NextAfter from the eve of today
		// gives the first occurrence on or after today.
		next := pattern.NextAfter(now.AddDate(0, 0, -1), tmpl.AnchorDate)
		if next.IsZero() || next.After(midnightUTC(windowEnd)) {
			continue
		}

		for _, occ := range pattern.OccurrencesWithin(now, windowEnd, tmpl.AnchorDate) {
			if !occ.After(tmpl.AnchorDate) {
				// The template task itself covers its anchor date.
				continue
			}
			if tmpl.EndDate != nil && occ.After(*tmpl.EndDate) {
				continue
			}
			ok, err := s.generateInstance(ctx, tmpl, occ)
			if err != nil {
				s.log.Error("Instance generation failed, will retry next tick",
					zap.Int64("parent_task_id", tmpl.TaskID),
					zap.String("occurrence_date", occ.Format("2006-01-02")),
					zap.Error(err),
				)
				continue
			}
			if ok {
				generated++
				metrics.InstancesGenerated.WithLabelValues(tmpl.Pattern).Inc()
			}
		}
	}

	s.log.Info("Generator scan completed",
		zap.Int("templates", len(templates)),
		zap.Int("generated", generated),
	)
	return nil
}

// generateInstance creates one instance unless it already exists. Returns
// true when a new instance was created.
func (s *Service) generateInstance(ctx context.Context, tmpl Template, occurrence time.Time) (bool, error) {
	exists, err := s.store.InstanceExists(ctx, tmpl.TaskID, occurrence)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	created, err := s.tasks.CreateTask(ctx, taskapi.CreateTaskRequest{
		UserID:                tmpl.UserID,
		Title:                 tmpl.Title,
		DueDate:               occurrence,
		Priority:              tmpl.Priority,
		ReminderOffset:        tmpl.ReminderOffset,
		ParentRecurringTaskID: tmpl.TaskID,
		OccurrenceDate:        occurrence.Format("2006-01-02"),
	})
	if err != nil {
		return false, err
	}

	if err := s.store.RecordInstance(ctx, tmpl.TaskID, created.ID, occurrence); err != nil {
		return false, err
	}

	s.log.Info("Task instance generated",
		zap.Int64("parent_task_id", tmpl.TaskID),
		zap.Int64("instance_task_id", created.ID),
		zap.String("occurrence_date", occurrence.Format("2006-01-02")),
	)
	return true, nil
}

// Run drives the poll loop until ctx is cancelled. Scan errors are logged
// and never fatal; the next tick retries.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("Starting recurring task generator",
		zap.Duration("poll_interval", s.pollInterval),
		zap.Duration("scan_window", s.scanWindow),
	)

	if err := s.Scan(ctx); err != nil {
		s.log.Error("Initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Recurring task generator stopped")
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.log.Error("Generator scan failed", zap.Error(err))
			}
		}
	}
}
