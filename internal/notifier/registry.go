package notifier

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"taskpulse/pkg/metrics"
)

// Registry owns every open streaming connection, keyed by user. It is
// the single owner of this mutable state within the process; horizontal
// scaling partitions users across processes rather than sharing it.
type Registry struct {
	mu         sync.Mutex
	byUser     map[int64][]*Conn
	maxPerUser int
	logger     *zap.Logger
}

func NewRegistry(maxPerUser int, logger *zap.Logger) *Registry {
	return &Registry{
		byUser:     make(map[int64][]*Conn),
		maxPerUser: maxPerUser,
		logger:     logger,
	}
}

// Add registers a connection. When the user is at the cap the oldest
// connection is evicted and returned, already closed.
func (r *Registry) Add(conn *Conn) *Conn {
	r.mu.Lock()
	conns := r.byUser[conn.UserID]

	var evicted *Conn
	if len(conns) >= r.maxPerUser {
		evicted = conns[0]
		conns = conns[1:]
	}
	r.byUser[conn.UserID] = append(conns, conn)
	total := r.totalLocked()
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close()
		r.logger.Info("Evicted oldest connection at cap",
			zap.Int64("user_id", conn.UserID),
			zap.String("evicted_conn_id", evicted.ID),
		)
	}

	metrics.StreamConnections.Set(float64(total))
	r.logger.Info("Connection registered",
		zap.Int64("user_id", conn.UserID),
		zap.String("conn_id", conn.ID),
	)
	return evicted
}

// Remove unregisters and closes a connection; safe to call twice.
func (r *Registry) Remove(conn *Conn) {
	r.mu.Lock()
	conns := r.byUser[conn.UserID]
	for i, c := range conns {
		if c.ID == conn.ID {
			r.byUser[conn.UserID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.byUser[conn.UserID]) == 0 {
		delete(r.byUser, conn.UserID)
	}
	total := r.totalLocked()
	r.mu.Unlock()

	conn.Close()
	metrics.StreamConnections.Set(float64(total))
}

// Get returns a copy of the user's open connections.
func (r *Registry) Get(userID int64) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Conn(nil), r.byUser[userID]...)
}

// All returns a copy of every open connection.
func (r *Registry) All() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conn
	for _, conns := range r.byUser {
		out = append(out, conns...)
	}
	return out
}

// SweepStale closes and removes every connection without a successful
// write since the cutoff. Returns how many were evicted.
func (r *Registry) SweepStale(staleAfter time.Duration) int {
	cutoff := time.Now().Add(-staleAfter)

	var stale []*Conn
	for _, c := range r.All() {
		if c.LastActive().Before(cutoff) {
			stale = append(stale, c)
		}
	}

	for _, c := range stale {
		r.logger.Info("Closing stale connection",
			zap.Int64("user_id", c.UserID),
			zap.String("conn_id", c.ID),
			zap.Time("last_active", c.LastActive()),
		)
		r.Remove(c)
	}
	return len(stale)
}

// CloseAll shuts down every connection, for graceful shutdown.
func (r *Registry) CloseAll() {
	for _, c := range r.All() {
		r.Remove(c)
	}
}

func (r *Registry) totalLocked() int {
	total := 0
	for _, conns := range r.byUser {
		total += len(conns)
	}
	return total
}
