package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/an0mium/chemdata/internal/domain"
)

// scanBatch 每次 SCAN 和 DEL 的键数量
const scanBatch = 200

// RedisBackend 基于 Redis 的共享后端，多个采集进程可以共用同一份缓存。
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend 创建 Redis 后端并检查连通性。
//
// 参数：
//   - ctx: 用于连通性检查的上下文
//   - client: Redis 客户端
//   - prefix: 键前缀
//   - ttl: 键过期时间，0 表示不设置
func NewRedisBackend(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration) (*RedisBackend, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", domain.ErrCacheIO, err)
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}, nil
}

func (b *RedisBackend) key(fingerprint string) string {
	return b.prefix + fingerprint
}

// Load 实现 Backend。
func (b *RedisBackend) Load(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.key(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: redis get: %v", domain.ErrCacheIO, err)
	}
	return decodeEntry(data)
}

// Store 实现 Backend。
func (b *RedisBackend) Store(ctx context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", domain.ErrCacheIO, err)
	}
	if err := b.client.Set(ctx, b.key(entry.Fingerprint), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", domain.ErrCacheIO, err)
	}
	return nil
}

// Delete 实现 Backend。
func (b *RedisBackend) Delete(ctx context.Context, fingerprint string) error {
	if err := b.client.Del(ctx, b.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", domain.ErrCacheIO, err)
	}
	return nil
}

// Clear 实现 Backend。先用 SCAN 收集前缀下的键再分批删除，避免 KEYS 阻塞服务端，
// 也避免边遍历边删除导致游标跳过键。
func (b *RedisBackend) Clear(ctx context.Context) error {
	var all []string
	err := b.scanKeys(ctx, func(keys []string) error {
		all = append(all, keys...)
		return nil
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(all); start += scanBatch {
		end := min(start+scanBatch, len(all))
		if err := b.client.Del(ctx, all[start:end]...).Err(); err != nil {
			return fmt.Errorf("%w: redis del: %v", domain.ErrCacheIO, err)
		}
	}
	return nil
}

// Scan 实现 Backend。
func (b *RedisBackend) Scan(ctx context.Context, fn func(Info) error) error {
	return b.scanKeys(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		values, err := b.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("%w: redis mget: %v", domain.ErrCacheIO, err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				// 键在 SCAN 与 MGET 之间过期
				continue
			}
			e, err := decodeEntry([]byte(s))
			if err != nil {
				continue
			}
			if err := fn(Info{
				Fingerprint: strings.TrimPrefix(keys[i], b.prefix),
				Size:        int64(len(e.Payload)),
				StoredAt:    e.StoredAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *RedisBackend) scanKeys(ctx context.Context, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("%w: redis scan: %v", domain.ErrCacheIO, err)
		}
		if err := fn(keys); err != nil {
			return err
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close 实现 Backend。
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
