package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/an0mium/chemdata/internal/domain"
)

const fileExt = ".json"

var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// FileBackend 每个条目一个 JSON 文件的目录后端。
// 写入先落到同目录临时文件，fsync 后 rename，保证读者看不到写了一半的条目。
type FileBackend struct {
	dir string
}

// NewFileBackend 创建文件后端，目录不存在时自动创建。
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", domain.ErrCacheIO, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir 返回缓存目录。
func (b *FileBackend) Dir() string {
	return b.dir
}

// path 返回指纹对应的文件路径；非安全字符的键先做哈希，避免路径穿越。
func (b *FileBackend) path(fingerprint string) string {
	name := fingerprint
	if !safeName.MatchString(name) {
		sum := sha256.Sum256([]byte(fingerprint))
		name = hex.EncodeToString(sum[:])
	}
	return filepath.Join(b.dir, name+fileExt)
}

// Load 实现 Backend。
func (b *FileBackend) Load(_ context.Context, fingerprint string) (*Entry, error) {
	data, err := os.ReadFile(b.path(fingerprint))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read entry: %v", domain.ErrCacheIO, err)
	}
	return decodeEntry(data)
}

// Store 实现 Backend。
func (b *FileBackend) Store(_ context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", domain.ErrCacheIO, err)
	}
	target := b.path(entry.Fingerprint)
	if err := writeFileAtomic(target, data); err != nil {
		return fmt.Errorf("%w: write entry: %v", domain.ErrCacheIO, err)
	}
	// 文件修改时间与写入时间一致，Scan 无需解析内容即可得到 StoredAt
	_ = os.Chtimes(target, entry.StoredAt, entry.StoredAt)
	return nil
}

// Delete 实现 Backend。
func (b *FileBackend) Delete(_ context.Context, fingerprint string) error {
	if err := os.Remove(b.path(fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete entry: %v", domain.ErrCacheIO, err)
	}
	return nil
}

// Clear 实现 Backend。
func (b *FileBackend) Clear(ctx context.Context) error {
	return b.Scan(ctx, func(info Info) error {
		return b.Delete(ctx, info.Fingerprint)
	})
}

// Scan 实现 Backend。文件名（去掉扩展名）即指纹。
func (b *FileBackend) Scan(ctx context.Context, fn func(Info) error) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("%w: list cache dir: %v", domain.ErrCacheIO, err)
	}
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			// 条目可能在遍历期间被并发删除
			continue
		}
		if err := fn(Info{
			Fingerprint: strings.TrimSuffix(name, fileExt),
			Size:        fi.Size(),
			StoredAt:    fi.ModTime(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close 实现 Backend。
func (b *FileBackend) Close() error {
	return nil
}

// writeFileAtomic 写入临时文件、fsync 后 rename 到目标路径。
func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return err
	}
	return nil
}
