package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-labs/coevolve/config"
	"github.com/meridian-labs/coevolve/internal/loop"
)

const (
	redisCurriculumKey = "coevolve:curriculum"
	redisPolicyKey     = "coevolve:policy"
)

// RedisSnapshots implements SnapshotStore over redis, letting curriculum and
// policy state survive restarts.
type RedisSnapshots struct {
	client *redis.Client
}

// NewRedisSnapshots connects and pings the configured redis instance.
func NewRedisSnapshots(ctx context.Context, cfg config.RedisConfig) (*RedisSnapshots, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout+time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSnapshots{client: client}, nil
}

// SaveCurriculum stores the full curriculum snapshot as one JSON value.
func (s *RedisSnapshots) SaveCurriculum(ctx context.Context, states []loop.CurriculumState) error {
	data, err := json.Marshal(states)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisCurriculumKey, data, 0).Err()
}

// LoadCurriculum returns the stored snapshot, or nil when none exists.
func (s *RedisSnapshots) LoadCurriculum(ctx context.Context) ([]loop.CurriculumState, error) {
	data, err := s.client.Get(ctx, redisCurriculumKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var states []loop.CurriculumState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("decode curriculum snapshot: %w", err)
	}
	return states, nil
}

// SavePolicy stores the current policy state.
func (s *RedisSnapshots) SavePolicy(ctx context.Context, state loop.PolicyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisPolicyKey, data, 0).Err()
}

// LoadPolicy returns the stored policy and whether one was present.
func (s *RedisSnapshots) LoadPolicy(ctx context.Context) (loop.PolicyState, bool, error) {
	data, err := s.client.Get(ctx, redisPolicyKey).Bytes()
	if err == redis.Nil {
		return loop.PolicyState{}, false, nil
	}
	if err != nil {
		return loop.PolicyState{}, false, err
	}
	var state loop.PolicyState
	if err := json.Unmarshal(data, &state); err != nil {
		return loop.PolicyState{}, false, fmt.Errorf("decode policy snapshot: %w", err)
	}
	return state, true, nil
}

// Close releases the redis connection.
func (s *RedisSnapshots) Close() error { return s.client.Close() }
