package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tilli/master-agent/internal/client"
)

// RedisCacheRepository uses the wrapped Redis client. Values are stored as
// JSON, so Get returns the decoded generic form (maps, slices, float64).
type RedisCacheRepository struct {
	client *client.RedisClient
}

func NewRedisCacheRepository(cli *client.RedisClient) CacheRepository {
	return &RedisCacheRepository{client: cli}
}

func (r *RedisCacheRepository) Get(ctx context.Context, key string) (interface{}, bool) {
	var val string
	err := r.client.Guard(ctx, func(ctx context.Context) error {
		var err error
		val, err = r.client.Get(ctx, key).Result()
		return err
	})
	if err != nil {
		return nil, false
	}

	var result interface{}
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, false
	}
	return result, true
}

func (r *RedisCacheRepository) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	_ = r.client.SetJSON(ctx, key, value, ttl)
}

func (r *RedisCacheRepository) Delete(ctx context.Context, key string) {
	_ = r.client.Guard(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, key).Err()
	})
}
