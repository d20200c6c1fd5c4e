package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/an0mium/chemdata/internal/domain"
)

var badgerPrefix = []byte("cache/")

// BadgerBackend 基于 badger 嵌入式 KV 的后端，适合条目数量很大的长时间运行任务。
// 条目同时设置 badger TTL，过期数据会在 badger 压缩时被物理回收。
type BadgerBackend struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerBackend 打开（或创建）位于 dir 的 badger 数据库。
//
// 参数：
//   - dir: 数据目录
//   - ttl: 条目在 badger 中的存活时间，0 表示不设置
func NewBadgerBackend(dir string, ttl time.Duration) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", domain.ErrCacheIO, err)
	}
	return &BadgerBackend{db: db, ttl: ttl}, nil
}

func badgerKey(fingerprint string) []byte {
	return append(append([]byte{}, badgerPrefix...), fingerprint...)
}

// Load 实现 Backend。
func (b *BadgerBackend) Load(_ context.Context, fingerprint string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e, err := decodeEntry(val)
			if err != nil {
				return err
			}
			entry = e
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, domain.ErrCacheIO) || errors.Is(err, domain.ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: badger get: %v", domain.ErrCacheIO, err)
	}
	return entry, nil
}

// Store 实现 Backend。
func (b *BadgerBackend) Store(_ context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", domain.ErrCacheIO, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(badgerKey(entry.Fingerprint), data)
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("%w: badger set: %v", domain.ErrCacheIO, err)
	}
	return nil
}

// Delete 实现 Backend。
func (b *BadgerBackend) Delete(_ context.Context, fingerprint string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(fingerprint))
	})
	if err != nil {
		return fmt.Errorf("%w: badger delete: %v", domain.ErrCacheIO, err)
	}
	return nil
}

// Clear 实现 Backend。
func (b *BadgerBackend) Clear(_ context.Context) error {
	if err := b.db.DropPrefix(badgerPrefix); err != nil {
		return fmt.Errorf("%w: badger drop prefix: %v", domain.ErrCacheIO, err)
	}
	return nil
}

// Scan 实现 Backend。
func (b *BadgerBackend) Scan(ctx context.Context, fn func(Info) error) error {
	var infos []Info
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				infos = append(infos, Info{
					Fingerprint: e.Fingerprint,
					Size:        int64(len(e.Payload)),
					StoredAt:    e.StoredAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: badger scan: %v", domain.ErrCacheIO, err)
	}
	// 回调在只读事务之外执行，允许回调中删除条目
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Close 实现 Backend。
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
