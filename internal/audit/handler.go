package audit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HistoryStore reads a task's persisted event history.
type HistoryStore interface {
	ListByTask(ctx context.Context, taskID int64) ([]HistoryEntry, error)
}

// HistoryHandler serves the audit history read endpoint. Reads are
// non-critical: storage trouble degrades to an empty history rather
// than an error.
type HistoryHandler struct {
	store  HistoryStore
	logger *zap.Logger
}

func NewHistoryHandler(store HistoryStore, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logger}
}

func (h *HistoryHandler) Register(r *gin.Engine) {
	r.GET("/tasks/:task_id/history", h.GetHistory)
}

func (h *HistoryHandler) GetHistory(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil || taskID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task_id"})
		return
	}

	entries, err := h.store.ListByTask(c.Request.Context(), taskID)
	if err != nil {
		h.logger.Error("Failed to load task history, returning empty",
			zap.Int64("task_id", taskID),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"task_id": taskID, "history": []HistoryEntry{}})
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "history": entries})
}
