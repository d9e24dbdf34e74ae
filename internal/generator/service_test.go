package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskpulse/contracts/events"
	"taskpulse/internal/taskapi"
)

type fakeTemplateStore struct {
	templates map[int64]*Template
	instances map[string]int64 // "parentID/date" -> instance task id
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{
		templates: make(map[int64]*Template),
		instances: make(map[string]int64),
	}
}

func instanceKey(parentTaskID int64, occ time.Time) string {
	return fmt.Sprintf("%d/%s", parentTaskID, occ.Format("2006-01-02"))
}

func (f *fakeTemplateStore) Upsert(_ context.Context, t *Template) error {
	cp := *t
	f.templates[t.TaskID] = &cp
	return nil
}

func (f *fakeTemplateStore) Deactivate(_ context.Context, taskID int64) error {
	if t, ok := f.templates[taskID]; ok {
		t.IsActive = false
	}
	return nil
}

func (f *fakeTemplateStore) ListActive(_ context.Context) ([]Template, error) {
	var out []Template
	for _, t := range f.templates {
		if t.IsActive {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTemplateStore) InstanceExists(_ context.Context, parentTaskID int64, occ time.Time) (bool, error) {
	_, ok := f.instances[instanceKey(parentTaskID, occ)]
	return ok, nil
}

func (f *fakeTemplateStore) RecordInstance(_ context.Context, parentTaskID, instanceTaskID int64, occ time.Time) error {
	f.instances[instanceKey(parentTaskID, occ)] = instanceTaskID
	return nil
}

type fakeTaskCreator struct {
	nextID   int64
	created  []taskapi.CreateTaskRequest
	failNext int
}

func (f *fakeTaskCreator) CreateTask(_ context.Context, req taskapi.CreateTaskRequest) (*taskapi.CreatedTask, error) {
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("task api 5xx: 503")
	}
	f.nextID++
	f.created = append(f.created, req)
	return &taskapi.CreatedTask{ID: f.nextID}, nil
}

func newTestService(store TemplateStore, tasks TaskCreator, now time.Time) *Service {
	s := NewService(store, tasks, zap.NewNop(), time.Minute, 48*time.Hour)
	s.now = func() time.Time { return now }
	return s
}

func rawEvent(t *testing.T, evt events.Envelope) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func TestHandleEventRegistersTemplate(t *testing.T) {
	store := newFakeTemplateStore()
	svc := newTestService(store, &fakeTaskCreator{}, time.Now())

	due := date(2026, time.August, 24)
	evt := events.New(events.TypeCreated, 42, 7, events.TaskPayload{
		Title:             "water the plants",
		DueDate:           &due,
		RecurrencePattern: "weekly:mon,wed",
		Priority:          "LOW",
	})

	require.NoError(t, svc.HandleEvent(context.Background(), rawEvent(t, evt)))

	tmpl, ok := store.templates[42]
	require.True(t, ok)
	assert.Equal(t, "weekly:mon,wed", tmpl.Pattern)
	assert.Equal(t, due, tmpl.AnchorDate)
	assert.True(t, tmpl.IsActive)
}

func TestHandleEventRejectsInvalidPattern(t *testing.T) {
	store := newFakeTemplateStore()
	svc := newTestService(store, &fakeTaskCreator{}, time.Now())

	evt := events.New(events.TypeCreated, 42, 7, events.TaskPayload{
		Title:             "bad",
		RecurrencePattern: "fortnightly",
	})

	// Invalid patterns are skipped, never an error back to the bus.
	require.NoError(t, svc.HandleEvent(context.Background(), rawEvent(t, evt)))
	assert.Empty(t, store.templates)
}

func TestHandleEventMalformedJSON(t *testing.T) {
	svc := newTestService(newFakeTemplateStore(), &fakeTaskCreator{}, time.Now())
	require.NoError(t, svc.HandleEvent(context.Background(), json.RawMessage(`{"event_id":`)))
}

func TestHandleEventDeletedDeactivates(t *testing.T) {
	store := newFakeTemplateStore()
	store.templates[42] = &Template{TaskID: 42, Pattern: "daily", IsActive: true}
	svc := newTestService(store, &fakeTaskCreator{}, time.Now())

	evt := events.New(events.TypeDeleted, 42, 7, events.TaskPayload{})
	require.NoError(t, svc.HandleEvent(context.Background(), rawEvent(t, evt)))
	assert.False(t, store.templates[42].IsActive)
}

func TestScanIsIdempotentAcrossOverlappingWindows(t *testing.T) {
	store := newFakeTemplateStore()
	creator := &fakeTaskCreator{}

	// Monday anchor, weekly mon+wed, scanning from the anchor Monday.
	anchor := date(2026, time.August, 24)
	store.templates[42] = &Template{
		TaskID:     42,
		UserID:     7,
		Title:      "standup notes",
		Pattern:    "weekly:mon,wed",
		AnchorDate: anchor,
		IsActive:   true,
	}

	svc := newTestService(store, creator, anchor.Add(9*time.Hour))

	require.NoError(t, svc.Scan(context.Background()))
	require.NoError(t, svc.Scan(context.Background()))

	// The 48h window covers only Wednesday the 26th; the anchor Monday
	// itself is never regenerated, and the second scan creates nothing.
	require.Len(t, creator.created, 1)
	assert.Equal(t, "2026-08-26", creator.created[0].OccurrenceDate)
	assert.Equal(t, int64(42), creator.created[0].ParentRecurringTaskID)
}

func TestScanGeneratesSecondAndThirdOccurrence(t *testing.T) {
	store := newFakeTemplateStore()
	creator := &fakeTaskCreator{}

	anchor := date(2026, time.August, 24) // Monday
	store.templates[42] = &Template{
		TaskID:     42,
		UserID:     7,
		Title:      "standup notes",
		Pattern:    "weekly:mon,wed",
		AnchorDate: anchor,
		IsActive:   true,
	}

	// Scan on the following Wednesday: the Wednesday instance exists.
	svc := newTestService(store, creator, date(2026, time.August, 26).Add(time.Hour))
	require.NoError(t, svc.Scan(context.Background()))
	assert.Contains(t, store.instances, instanceKey(42, date(2026, time.August, 26)))

	// Scan on the Monday after: the Monday instance exists too.
	svc = newTestService(store, creator, date(2026, time.August, 31).Add(time.Hour))
	require.NoError(t, svc.Scan(context.Background()))
	assert.Contains(t, store.instances, instanceKey(42, date(2026, time.August, 31)))
}

func TestScanRetriesFailedCreationNextTick(t *testing.T) {
	store := newFakeTemplateStore()
	creator := &fakeTaskCreator{failNext: 1}

	anchor := date(2026, time.August, 24)
	store.templates[42] = &Template{
		TaskID:     42,
		UserID:     7,
		Title:      "daily review",
		Pattern:    "daily",
		AnchorDate: anchor,
		IsActive:   true,
	}

	now := date(2026, time.August, 25)
	svc := newTestService(store, creator, now)
	svc.scanWindow = 12 * time.Hour

	// First scan fails at the task API; the error is absorbed.
	require.NoError(t, svc.Scan(context.Background()))
	assert.Empty(t, store.instances)

	// Next tick retries through the same existence check and succeeds.
	require.NoError(t, svc.Scan(context.Background()))
	require.Len(t, creator.created, 1)
	assert.Equal(t, "2026-08-25", creator.created[0].OccurrenceDate)
}

func TestScanSkipsTemplatesOutsideWindow(t *testing.T) {
	store := newFakeTemplateStore()
	creator := &fakeTaskCreator{}

	// Yearly on March 10; an August scan with a 48h window has nothing
	// to generate and the template stays active for future scans.
	anchor := date(2026, time.March, 10)
	store.templates[42] = &Template{
		TaskID:     42,
		UserID:     7,
		Title:      "renew domain",
		Pattern:    "yearly",
		AnchorDate: anchor,
		IsActive:   true,
	}

	svc := newTestService(store, creator, date(2026, time.August, 29))
	require.NoError(t, svc.Scan(context.Background()))

	assert.Empty(t, creator.created)
	assert.Empty(t, store.instances)
	assert.True(t, store.templates[42].IsActive)
}

func TestScanHonorsEndDate(t *testing.T) {
	store := newFakeTemplateStore()
	creator := &fakeTaskCreator{}

	anchor := date(2026, time.August, 24)
	end := date(2026, time.August, 25)
	store.templates[42] = &Template{
		TaskID:     42,
		UserID:     7,
		Title:      "short lived",
		Pattern:    "daily",
		AnchorDate: anchor,
		EndDate:    &end,
		IsActive:   true,
	}

	svc := newTestService(store, creator, date(2026, time.August, 26))
	require.NoError(t, svc.Scan(context.Background()))

	// Past the end date the template is deactivated without generating.
	assert.Empty(t, creator.created)
	assert.False(t, store.templates[42].IsActive)
}
