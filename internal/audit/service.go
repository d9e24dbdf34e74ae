package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskpulse/contracts/events"
	"taskpulse/pkg/backoff"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/metrics"
	"taskpulse/pkg/util"
)

// EventStore persists audit record batches.
type EventStore interface {
	InsertBatch(ctx context.Context, records []Record) (int64, error)
}

// FailureSink receives batches that could not be persisted.
type FailureSink interface {
	Drain(ctx context.Context, records []Record, cause error)
}

// RetryPolicy bounds the per-batch retry loop around the store.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
}

// Service buffers incoming events and flushes them in batches, either
// when the buffer fills or on the flush interval, whichever comes
// first. Buffered events ride on the bus's at-least-once redelivery:
// a crash loses at most one unflushed buffer, and the duplicates that
// redelivery produces are collapsed by the store's idempotent insert.
type Service struct {
	store EventStore
	sink  FailureSink
	log   *zap.Logger

	batchSize     int
	flushInterval time.Duration
	retry         RetryPolicy

	mu  sync.Mutex
	buf []Record
}

func NewService(store EventStore, sink FailureSink, log *zap.Logger, batchSize int, flushInterval time.Duration, retry RetryPolicy) *Service {
	return &Service{
		store:         store,
		sink:          sink,
		log:           log,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retry:         retry,
		buf:           make([]Record, 0, batchSize),
	}
}

// HandleEvent appends the event to the buffer, flushing when full.
// Malformed events are logged and dropped; everything else always acks
// so the audit trail never wedges the queue.
func (s *Service) HandleEvent(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, s.log)

	var evt events.Envelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Error("Failed to unmarshal event, skipping", zap.Error(err))
		metrics.EventsConsumed.WithLabelValues("audit", "unknown", "skipped").Inc()
		return nil
	}
	if err := evt.Validate(); err != nil {
		log.Warn("Invalid event envelope, skipping",
			zap.String("event_id", evt.EventID),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues("audit", evt.EventType, "skipped").Inc()
		return nil
	}

	rec := NewRecord(evt)

	s.mu.Lock()
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.batchSize
	var batch []Record
	if full {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	if full {
		s.flush(ctx, batch)
	}
	metrics.EventsConsumed.WithLabelValues("audit", evt.EventType, "ok").Inc()
	return nil
}

// Flush drains the buffer immediately regardless of size.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()

	if len(batch) > 0 {
		s.flush(ctx, batch)
	}
}

func (s *Service) takeLocked() []Record {
	batch := s.buf
	s.buf = make([]Record, 0, s.batchSize)
	return batch
}

// Run flushes on the interval until ctx is cancelled, then performs a
// final drain so shutdown loses nothing already buffered.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("Starting audit flush loop",
		zap.Int("batch_size", s.batchSize),
		zap.Duration("flush_interval", s.flushInterval),
	)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Flush(drainCtx)
			cancel()
			s.log.Info("Audit flush loop stopped")
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// flush writes one batch with bounded retries. A batch that still fails
// after the last retry is handed to the sink and never blocks the
// consume path further.
func (s *Service) flush(ctx context.Context, batch []Record) {
	start := time.Now()

	var lastErr error
	for attempt := 0; ; attempt++ {
		inserted, err := s.store.InsertBatch(ctx, batch)
		if err == nil {
			status := "ok"
			if attempt > 0 {
				status = "retried"
			}
			metrics.AuditBatchFlushes.WithLabelValues(status).Inc()
			metrics.AuditFlushDuration.Observe(time.Since(start).Seconds())
			s.log.Debug("Audit batch flushed",
				zap.Int("batch_size", len(batch)),
				zap.Int64("inserted", inserted),
				zap.Int("attempt", attempt+1),
			)
			return
		}

		lastErr = err
		retryable, kind := util.IsRetryableError(err)
		s.log.Warn("Audit batch flush failed",
			zap.Int("batch_size", len(batch)),
			zap.Int("attempt", attempt+1),
			zap.String("error_kind", kind),
			zap.Error(err),
		)
		if !util.ShouldRetry(attempt+1, s.retry.MaxRetries, retryable) {
			break
		}

		delay := backoff.ExponentialJitter(s.retry.Base, s.retry.MaxDelay, attempt+1)
		select {
		case <-ctx.Done():
			s.sink.Drain(context.Background(), batch, ctx.Err())
			metrics.AuditBatchFlushes.WithLabelValues("sunk").Inc()
			return
		case <-time.After(delay):
		}
	}

	s.sink.Drain(ctx, batch, lastErr)
	metrics.AuditBatchFlushes.WithLabelValues("sunk").Inc()
}
