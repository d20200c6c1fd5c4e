// Package keylock 提供按键粒度的互斥锁，用于串行化同一缓存键或同一检查点步骤的写入。
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker 按键加锁，不同键之间互不阻塞。
// 没有持有者的键会被回收，锁表大小只与并发中的键数量有关。
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New 创建 Locker。
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock 获取 key 的锁，返回解锁函数。
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len 返回当前被持有或等待中的键数量。
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
