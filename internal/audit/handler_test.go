package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHistoryStore struct {
	entries map[int64][]HistoryEntry
	err     error
}

func (s *fakeHistoryStore) ListByTask(ctx context.Context, taskID int64) ([]HistoryEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entries[taskID], nil
}

func historyRequest(t *testing.T, store HistoryStore, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHistoryHandler(store, zap.NewNop()).Register(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestGetHistoryReturnsChronologicalEntries(t *testing.T) {
	store := &fakeHistoryStore{entries: map[int64][]HistoryEntry{
		42: {
			{EventType: "created", Timestamp: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), Payload: json.RawMessage(`{"a":1}`)},
			{EventType: "completed", Timestamp: time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC), Payload: json.RawMessage(`{"a":2}`)},
		},
	}}

	w := historyRequest(t, store, "/tasks/42/history")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		TaskID  int64          `json:"task_id"`
		History []HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(42), body.TaskID)
	require.Len(t, body.History, 2)
	assert.Equal(t, "created", body.History[0].EventType)
	assert.Equal(t, "completed", body.History[1].EventType)
}

func TestGetHistoryUnknownTaskIsEmpty(t *testing.T) {
	w := historyRequest(t, &fakeHistoryStore{}, "/tasks/999/history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":999,"history":[]}`, w.Body.String())
}

func TestGetHistoryDegradesOnStorageError(t *testing.T) {
	store := &fakeHistoryStore{err: errors.New("connection refused")}
	w := historyRequest(t, store, "/tasks/42/history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":42,"history":[]}`, w.Body.String())
}

func TestGetHistoryRejectsBadTaskID(t *testing.T) {
	w := historyRequest(t, &fakeHistoryStore{}, "/tasks/abc/history")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
