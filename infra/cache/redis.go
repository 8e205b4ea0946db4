package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// Store is the optional external metrics cache. The daemon must run
// identically with the cache disabled or unreachable; every failure here is
// logged and swallowed by the callers.
type Store interface {
	Enabled() bool
	Ping(ctx context.Context) error
	PushMetric(ctx context.Context, listKey string, limit int, rec model.MetricRecord) error
	SetSnapshot(ctx context.Context, key string, payload any, ttl time.Duration) error
	Clear(ctx context.Context, pattern string) (int64, error)
	Close() error
}

// NewStore returns the redis-backed store, or the disabled stub when the
// cache is off.
func NewStore(cfg *config.Config, logger *slog.Logger) Store {
	if !cfg.Redis.Enabled {
		return disabled{}
	}
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		logger: logger,
	}
}

type redisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func (s *redisStore) Enabled() bool { return true }

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PushMetric appends the record to a bounded list, trimming to the newest
// limit entries.
func (s *redisStore) PushMetric(ctx context.Context, listKey string, limit int, rec model.MetricRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, listKey, payload)
	pipe.LTrim(ctx, listKey, 0, int64(limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push metric: %w", err)
	}
	return nil
}

func (s *redisStore) SetSnapshot(ctx context.Context, key string, payload any, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Clear removes every key matching pattern and returns how many went away.
func (s *redisStore) Clear(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, iter.Err()
}

func (s *redisStore) Close() error { return s.client.Close() }

type disabled struct{}

func (disabled) Enabled() bool                   { return false }
func (disabled) Ping(context.Context) error      { return nil }
func (disabled) Close() error                    { return nil }
func (disabled) Clear(context.Context, string) (int64, error) { return 0, nil }
func (disabled) PushMetric(context.Context, string, int, model.MetricRecord) error {
	return nil
}
func (disabled) SetSnapshot(context.Context, string, any, time.Duration) error {
	return nil
}
