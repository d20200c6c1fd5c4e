// Package cache 实现外部服务响应的持久化缓存。
//
// 缓存以请求指纹（规范化请求的 SHA-256）为键，条目超过 TTL 后在读取时删除并按未命中处理。
// 缓存读写失败只记录日志和指标，从不向弹性调用层传播。
// 持久化由 Backend 完成，支持文件目录、badger 嵌入式 KV 和 Redis 三种实现。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/an0mium/chemdata/internal/domain"
)

// ErrNotFound 表示后端中不存在该条目
var ErrNotFound = errors.New("cache entry not found")

// envelopeVersion 当前条目序列化格式版本
const envelopeVersion = 1

// Entry 缓存条目。
type Entry struct {
	// Fingerprint 请求指纹
	Fingerprint string
	// Payload 响应内容（不透明字节）
	Payload []byte
	// StoredAt 写入时间
	StoredAt time.Time
}

// Info 条目元信息，用于统计和清理，不包含响应内容。
type Info struct {
	Fingerprint string
	Size        int64
	StoredAt    time.Time
}

// Backend 缓存持久化后端。
// 实现需保证单个条目的写入是原子的：读取方要么看到旧条目，要么看到完整的新条目。
type Backend interface {
	// Load 读取条目，不存在时返回 ErrNotFound
	Load(ctx context.Context, fingerprint string) (*Entry, error)
	// Store 写入或覆盖条目
	Store(ctx context.Context, entry *Entry) error
	// Delete 删除条目，不存在时不报错
	Delete(ctx context.Context, fingerprint string) error
	// Clear 删除全部条目
	Clear(ctx context.Context) error
	// Scan 遍历全部条目的元信息
	Scan(ctx context.Context, fn func(Info) error) error
	// Close 释放后端资源
	Close() error
}

// envelope 条目的持久化格式，带版本号以便将来演进。
type envelope struct {
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	StoredAt    time.Time `json:"stored_at"`
	Payload     []byte    `json:"payload"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(envelope{
		Version:     envelopeVersion,
		Fingerprint: e.Fingerprint,
		StoredAt:    e.StoredAt.UTC(),
		Payload:     e.Payload,
	})
}

func decodeEntry(data []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode entry: %v", domain.ErrCacheIO, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: cache entry version %d", domain.ErrUnsupportedVersion, env.Version)
	}
	return &Entry{
		Fingerprint: env.Fingerprint,
		Payload:     env.Payload,
		StoredAt:    env.StoredAt,
	}, nil
}
