package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskpulse/contracts/events"
)

type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]Record
	failNext int
	flushes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]Record)}
}

func (s *fakeStore) InsertBatch(ctx context.Context, records []Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return 0, errors.New("connection refused")
	}
	s.flushes++
	var inserted int64
	for _, rec := range records {
		if _, dup := s.rows[rec.EventID]; dup {
			continue
		}
		s.rows[rec.EventID] = rec
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type fakeSink struct {
	mu      sync.Mutex
	drained []Record
}

func (s *fakeSink) Drain(ctx context.Context, records []Record, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained = append(s.drained, records...)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drained)
}

func newTestService(store EventStore, sink FailureSink, batchSize int) *Service {
	return NewService(store, sink, zap.NewNop(), batchSize, time.Second, RetryPolicy{
		MaxRetries: 3,
		Base:       time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func rawEvent(t *testing.T, eventID string, taskID int64) json.RawMessage {
	t.Helper()
	evt := events.Envelope{
		EventID:   eventID,
		EventType: events.TypeCreated,
		TaskID:    taskID,
		UserID:    7,
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Payload:   events.TaskPayload{Title: "Water plants"},
	}
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func TestServiceFlushesWhenBufferFills(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeSink{}, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, fmt.Sprintf("e-%d", i), 42)))
	}
	assert.Equal(t, 0, store.count())

	require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-4", 42)))
	assert.Equal(t, 5, store.count())
	assert.Equal(t, 1, store.flushCount())
}

func TestServiceFlushDrainsPartialBuffer(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeSink{}, 100)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-1", 42)))
	require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-2", 42)))

	svc.Flush(ctx)
	assert.Equal(t, 2, store.count())

	// Nothing buffered, nothing flushed.
	svc.Flush(ctx)
	assert.Equal(t, 1, store.flushCount())
}

func TestServiceDuplicateEventIDsCollapse(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeSink{}, 200)
	ctx := context.Background()

	// 150 events where 10 share event_ids with earlier ones.
	for i := 0; i < 140; i++ {
		require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, fmt.Sprintf("e-%d", i), 42)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, fmt.Sprintf("e-%d", i), 42)))
	}
	svc.Flush(ctx)

	assert.Equal(t, 140, store.count())
}

func TestServiceRedeliveryInsertsOnce(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeSink{}, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-redelivered", 42)))
		svc.Flush(ctx)
	}
	assert.Equal(t, 1, store.count())
}

func TestServiceRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2
	sink := &fakeSink{}
	svc := newTestService(store, sink, 10)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-1", 42)))
	svc.Flush(ctx)

	assert.Equal(t, 1, store.count())
	assert.Equal(t, 0, sink.count())
}

func TestServiceSinksBatchAfterExhaustedRetries(t *testing.T) {
	store := newFakeStore()
	store.failNext = 10
	sink := &fakeSink{}
	svc := newTestService(store, sink, 10)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-1", 42)))
	require.NoError(t, svc.HandleEvent(ctx, rawEvent(t, "e-2", 42)))
	svc.Flush(ctx)

	assert.Equal(t, 0, store.count())
	assert.Equal(t, 2, sink.count())
}

func TestServiceMalformedEventIsAcked(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeSink{}, 10)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, json.RawMessage(`{broken`)))
	require.NoError(t, svc.HandleEvent(ctx, json.RawMessage(`{"event_id":"","event_type":"created"}`)))
	svc.Flush(ctx)
	assert.Equal(t, 0, store.count())
}

func TestNewRecordPartitionKey(t *testing.T) {
	evt := events.Envelope{
		EventID:   "e-1",
		EventType: events.TypeUpdated,
		TaskID:    42,
		UserID:    7,
		Timestamp: time.Date(2026, 8, 29, 23, 59, 0, 0, time.UTC),
	}
	rec := NewRecord(evt)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), rec.PartitionKey)
}

func TestNewRecordPayloadIsTaskSnapshot(t *testing.T) {
	evt := events.Envelope{
		EventID:   "e-1",
		EventType: events.TypeCreated,
		TaskID:    42,
		UserID:    7,
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Payload:   events.TaskPayload{Title: "Water plants", Priority: "HIGH"},
	}
	rec := NewRecord(evt)

	// The payload column holds only the task snapshot; identity fields
	// live in their own columns and must not be duplicated inside it.
	assert.JSONEq(t, `{"title":"Water plants","priority":"HIGH"}`, string(rec.Payload))
}
