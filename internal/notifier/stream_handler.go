package notifier

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskpulse/pkg/metrics"
	"taskpulse/pkg/util"
)

// StreamHandler serves the authenticated per-user streaming endpoint.
// Frames are newline-delimited JSON; the client holds the request open.
type StreamHandler struct {
	registry   *Registry
	jwtSecret  string
	ratePerSec int
	sendBuffer int
	logger     *zap.Logger
}

func NewStreamHandler(registry *Registry, jwtSecret string, ratePerSec int, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		registry:   registry,
		jwtSecret:  jwtSecret,
		ratePerSec: ratePerSec,
		sendBuffer: 64,
		logger:     logger,
	}
}

func (h *StreamHandler) Register(r *gin.Engine) {
	r.GET("/stream", h.Stream)
}

// Stream upgrades the request into a long-lived frame stream. The writer
// loop is the only goroutine touching the ResponseWriter; a failed write
// is how client disconnects are detected.
func (h *StreamHandler) Stream(c *gin.Context) {
	token := util.ExtractToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	userID, err := util.ParseJWT(token, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	conn := NewConn(userID, h.ratePerSec, h.sendBuffer)
	h.registry.Add(conn)
	defer h.registry.Remove(conn)

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Stream opened",
		zap.Int64("user_id", userID),
		zap.String("conn_id", conn.ID),
	)

	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Info("Stream closed by client",
				zap.Int64("user_id", userID),
				zap.String("conn_id", conn.ID),
			)
			return

		case <-conn.Done():
			// Evicted at the cap or swept as stale.
			return

		case frame := <-conn.Frames():
			if !h.writeFrame(c, flusher, frame) {
				metrics.NotificationsPushed.WithLabelValues("write_failed").Inc()
				h.logger.Info("Stream write failed, cleaning up",
					zap.Int64("user_id", userID),
					zap.String("conn_id", conn.ID),
				)
				return
			}
			conn.Touch()
		}
	}
}

func (h *StreamHandler) writeFrame(c *gin.Context, flusher http.Flusher, frame Frame) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		return true // nothing to write, keep the stream
	}
	if _, err := c.Writer.Write(append(b, '\n')); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
