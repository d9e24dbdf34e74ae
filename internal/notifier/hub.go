package notifier

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"taskpulse/contracts/events"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/metrics"
	"taskpulse/pkg/util"
)

// Hub fans events out to every open connection of the target user.
// Delivery is strictly best-effort: HandleEvent always acks so a slow or
// failed push never stalls the upstream pipeline.
type Hub struct {
	registry *Registry
	deduper  *util.Deduper
	log      *zap.Logger

	heartbeatInterval time.Duration
	staleAfter        time.Duration
}

func NewHub(registry *Registry, deduper *util.Deduper, log *zap.Logger, heartbeatInterval, staleAfter time.Duration) *Hub {
	return &Hub{
		registry:          registry,
		deduper:           deduper,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		staleAfter:        staleAfter,
	}
}

// HandleEvent consumes the full union of task and reminder events.
// Errors are logged and the event skipped; the return is always nil.
func (h *Hub) HandleEvent(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.log)

	var evt events.Envelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Error("Failed to unmarshal event, skipping", zap.Error(err))
		metrics.EventsConsumed.WithLabelValues("notifier", "unknown", "skipped").Inc()
		return nil
	}
	if err := evt.Validate(); err != nil {
		log.Warn("Invalid event envelope, skipping",
			zap.String("event_id", evt.EventID),
			zap.Error(err),
		)
		metrics.EventsConsumed.WithLabelValues("notifier", evt.EventType, "skipped").Inc()
		return nil
	}

	// Bus redelivery must not double-push to connected clients.
	if h.deduper != nil && !h.deduper.AcquireOnce(ctx, "notifier", evt.EventID) {
		metrics.EventsConsumed.WithLabelValues("notifier", evt.EventType, "skipped").Inc()
		return nil
	}

	conns := h.registry.Get(evt.UserID)
	if len(conns) == 0 {
		metrics.EventsConsumed.WithLabelValues("notifier", evt.EventType, "ok").Inc()
		return nil
	}

	frame := Frame{
		Event: evt.EventType,
		Data:  ComposeMessage(evt),
	}

	for _, conn := range conns {
		switch conn.Push(frame) {
		case PushOK:
			metrics.NotificationsPushed.WithLabelValues("ok").Inc()
		case PushCoalesced:
			metrics.NotificationsPushed.WithLabelValues("coalesced").Inc()
		case PushClosed:
			// Lazy cleanup: the writer already saw the close.
			h.registry.Remove(conn)
		}
	}

	log.Debug("Notification fanned out",
		zap.String("event_id", evt.EventID),
		zap.Int64("user_id", evt.UserID),
		zap.Int("connections", len(conns)),
	)
	metrics.EventsConsumed.WithLabelValues("notifier", evt.EventType, "ok").Inc()
	return nil
}

// RunHeartbeat emits keep-alive frames and evicts stale connections
// until ctx is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	h.log.Info("Starting heartbeat loop",
		zap.Duration("interval", h.heartbeatInterval),
		zap.Duration("stale_after", h.staleAfter),
	)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Heartbeat loop stopped")
			return
		case <-ticker.C:
			for _, conn := range h.registry.All() {
				conn.Heartbeat()
			}
			if evicted := h.registry.SweepStale(h.staleAfter); evicted > 0 {
				h.log.Info("Stale connections evicted", zap.Int("count", evicted))
			}
		}
	}
}
