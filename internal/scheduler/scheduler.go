package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskpulse/contracts/events"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/metrics"
)

// EventPublisher publishes produced events on the bus.
type EventPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// SnapshotStore persists and restores the pending reminder set.
type SnapshotStore interface {
	Save(ctx context.Context, reminders []Reminder) error
	Load(ctx context.Context) ([]Reminder, error)
}

// Scheduler fires a reminder exactly once, at the correct time, for
// every task with a due date and offset. The queue is owned by this
// single instance; the event path and the tick loop serialize on one
// mutex and never hold it across network I/O.
type Scheduler struct {
	mu    sync.Mutex
	queue *Queue

	snapshots SnapshotStore
	publisher EventPublisher
	log       *zap.Logger

	tickInterval     time.Duration
	snapshotInterval time.Duration
	now              func() time.Time
}

func New(snapshots SnapshotStore, publisher EventPublisher, log *zap.Logger, tickInterval, snapshotInterval time.Duration) *Scheduler {
	return &Scheduler{
		queue:            NewQueue(),
		snapshots:        snapshots,
		publisher:        publisher,
		log:              log,
		tickInterval:     tickInterval,
		snapshotInterval: snapshotInterval,
		now:              time.Now,
	}
}

// Restore reloads the last snapshot. Entries whose trigger time has
// already passed are kept and fire on the first tick.
func (s *Scheduler) Restore(ctx context.Context) error {
	reminders, err := s.snapshots.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, r := range reminders {
		s.queue.Upsert(r)
	}
	pending := s.queue.Len()
	s.mu.Unlock()

	metrics.RemindersPending.Set(float64(pending))
	s.log.Info("Scheduler restored from snapshot", zap.Int("pending", pending))
	return nil
}

// HandleEvent maintains the queue from task lifecycle events. Malformed
// payloads and business-rule violations are logged and skipped.
func (s *Scheduler) HandleEvent(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, s.log)

	var evt events.Envelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Error("Failed to unmarshal event, skipping", zap.Error(err))
		metrics.EventsConsumed.WithLabelValues("scheduler", "unknown", "skipped").Inc()
		return nil
	}
	if err := evt.Validate(); err != nil {
		log.Warn("Invalid event envelope, skipping",
			zap.String("event_id", evt.EventID),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues("scheduler", evt.EventType, "skipped").Inc()
		return nil
	}

	switch evt.EventType {
	case events.TypeCreated, events.TypeUpdated:
		s.scheduleFromEvent(log, evt)
	case events.TypeCompleted, events.TypeDeleted:
		s.cancel(log, evt.TaskID)
	}

	metrics.EventsConsumed.WithLabelValues("scheduler", evt.EventType, "ok").Inc()
	return nil
}

func (s *Scheduler) scheduleFromEvent(log *zap.Logger, evt events.Envelope) {
	if evt.Payload.DueDate == nil || evt.Payload.ReminderOffset == "" {
		// An update that dropped the due date or offset cancels any
		// previously scheduled reminder.
		if evt.EventType == events.TypeUpdated {
			s.cancel(log, evt.TaskID)
		}
		return
	}

	offset, err := time.ParseDuration(evt.Payload.ReminderOffset)
	if err != nil || offset < 0 {
		log.Warn("Rejecting invalid reminder offset",
			zap.Int64("task_id", evt.TaskID),
			zap.String("reminder_offset", evt.Payload.ReminderOffset),
			zap.Error(err),
		)
		return
	}

	due := *evt.Payload.DueDate
	trigger := due.Add(-offset)

	r := Reminder{
		TaskID:      evt.TaskID,
		UserID:      evt.UserID,
		Title:       evt.Payload.Title,
		DueDate:     due,
		TriggerTime: trigger,
	}

	s.mu.Lock()
	s.queue.Upsert(r)
	pending := s.queue.Len()
	s.mu.Unlock()

	metrics.RemindersPending.Set(float64(pending))
	log.Info("Reminder scheduled",
		zap.Int64("task_id", evt.TaskID),
		zap.Time("trigger_time", trigger),
		zap.Time("due_date", due),
	)
}

func (s *Scheduler) cancel(log *zap.Logger, taskID int64) {
	s.mu.Lock()
	cancelled := s.queue.Cancel(taskID)
	pending := s.queue.Len()
	s.mu.Unlock()

	metrics.RemindersPending.Set(float64(pending))
	if cancelled {
		log.Info("Reminder cancelled", zap.Int64("task_id", taskID))
	}
}

// Tick pops every due reminder and publishes one reminder_due event per
// non-cancelled entry. Publishing happens outside the queue lock; a
// failed publish restores the entry so the next tick retries, unless a
// fresher reminder arrived for the task while the publish was in flight.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := s.queue.PopDue(now)
	s.mu.Unlock()

	for _, r := range due {
		evt := events.New(events.TypeReminderDue, r.TaskID, r.UserID, events.TaskPayload{
			Title:   r.Title,
			DueDate: &r.DueDate,
		})

		if err := s.publisher.PublishWithContext(ctx, events.KeyReminderDue, evt); err != nil {
			s.log.Error("Failed to publish reminder_due, will retry next tick",
				zap.Int64("task_id", r.TaskID),
				zap.Error(err),
			)
			s.mu.Lock()
			s.queue.Restore(r)
			s.mu.Unlock()
			continue
		}

		metrics.RemindersFired.Inc()
		s.log.Info("Reminder fired",
			zap.Int64("task_id", r.TaskID),
			zap.String("event_id", evt.EventID),
			zap.Time("trigger_time", r.TriggerTime),
		)
	}

	s.mu.Lock()
	pending := s.queue.Len()
	s.mu.Unlock()
	metrics.RemindersPending.Set(float64(pending))
}

// Run drives the trigger tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("Starting reminder scheduler", zap.Duration("tick", s.tickInterval))

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Reminder scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// RunSnapshots persists the pending set on a fixed interval, and once
// more on shutdown.
func (s *Scheduler) RunSnapshots(ctx context.Context) {
	s.log.Info("Starting snapshot loop", zap.Duration("interval", s.snapshotInterval))

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot on a fresh context; ctx is already gone.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Snapshot(shutdownCtx)
			cancel()
			s.log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			s.Snapshot(ctx)
		}
	}
}

// Snapshot persists the current pending set. The pending copy is taken
// under the lock; the write happens outside it.
func (s *Scheduler) Snapshot(ctx context.Context) {
	s.mu.Lock()
	pending := s.queue.Pending()
	s.mu.Unlock()

	if err := s.snapshots.Save(ctx, pending); err != nil {
		s.log.Error("Failed to save reminder snapshot", zap.Error(err))
	}
}
