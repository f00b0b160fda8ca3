package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "concierge:idem:"

// RedisStore 把幂等条目放在 Redis 里，多实例部署时共享重放视图。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 构造 Redis 幂等缓存，ttl 非正值取 DefaultTTL。
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Get 查询缓存，键存在但请求体摘要不一致时报告冲突。
func (s *RedisStore) Get(ctx context.Context, key, requestHash string) (Entry, bool, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, false, nil
	}
	if err != nil {
		return Entry{}, false, false, fmt.Errorf("读取幂等条目失败: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, false, fmt.Errorf("解析幂等条目失败: %w", err)
	}
	if entry.RequestHash != requestHash {
		return Entry{}, false, true, nil
	}
	return entry, true, false, nil
}

// Set 写入缓存并设置过期时间。
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化幂等条目失败: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("写入幂等条目失败: %w", err)
	}
	return nil
}
