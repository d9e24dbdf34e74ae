package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// snapshot is the durable form of the pending set.
type snapshot struct {
	SavedAt   time.Time  `json:"saved_at"`
	Reminders []Reminder `json:"reminders"`
}

// RedisSnapshotStore persists the pending reminder set as a JSON blob so
// a restarted scheduler resumes with staleness bounded by the snapshot
// interval.
type RedisSnapshotStore struct {
	rdb    *redis.Client
	key    string
	logger *zap.Logger
}

func NewRedisSnapshotStore(rdb *redis.Client, key string, logger *zap.Logger) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb, key: key, logger: logger}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, reminders []Reminder) error {
	snap := snapshot{
		SavedAt:   time.Now().UTC(),
		Reminders: reminders,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	s.logger.Debug("Reminder snapshot saved",
		zap.String("key", s.key),
		zap.Int("pending", len(reminders)),
	)
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context) ([]Reminder, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	s.logger.Info("Reminder snapshot loaded",
		zap.String("key", s.key),
		zap.Time("saved_at", snap.SavedAt),
		zap.Int("pending", len(snap.Reminders)),
	)
	return snap.Reminders, nil
}
