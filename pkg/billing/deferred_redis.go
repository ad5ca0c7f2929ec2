package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const deferredKeyPrefix = "billing:deferred:"

// RedisDeferredStore 跨实例共享的延迟事件缓冲
// Each key is a list of JSON-encoded events whose TTL is refreshed on every push.
type RedisDeferredStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeferredStore wraps an existing client; ttl <= 0 uses DefaultDeferredTTL.
func NewRedisDeferredStore(client *redis.Client, ttl time.Duration) *RedisDeferredStore {
	if ttl <= 0 {
		ttl = DefaultDeferredTTL
	}
	return &RedisDeferredStore{client: client, ttl: ttl}
}

// NewRedisDeferredStoreFromURL parses a redis:// URL and pings the server.
func NewRedisDeferredStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisDeferredStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisDeferredStore(client, ttl), nil
}

func (s *RedisDeferredStore) Defer(ctx context.Context, key string, event *ProviderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode deferred event: %w", err)
	}
	redisKey := deferredKeyPrefix + key
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, redisKey, data)
		pipe.Expire(ctx, redisKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to defer event %s: %w", event.ID, err)
	}
	return nil
}

func (s *RedisDeferredStore) Drain(ctx context.Context, key string) ([]*ProviderEvent, error) {
	redisKey := deferredKeyPrefix + key
	var items *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, redisKey, 0, -1)
		pipe.Del(ctx, redisKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain deferred events: %w", err)
	}

	raw := items.Val()
	events := make([]*ProviderEvent, 0, len(raw))
	for _, item := range raw {
		var ev ProviderEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			// 损坏的条目直接丢弃，不阻塞其余事件
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Close 关闭 Redis 连接
func (s *RedisDeferredStore) Close() error {
	return s.client.Close()
}
