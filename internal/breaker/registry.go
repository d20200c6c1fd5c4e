package breaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry 按服务名称管理熔断器，同一进程内每个服务只有一个实例。
type Registry struct {
	settings Settings
	logger   *logrus.Logger
	opts     []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry 创建熔断器注册表，所有服务共享同一组参数。
func NewRegistry(settings Settings, logger *logrus.Logger, opts ...Option) *Registry {
	return &Registry{
		settings: settings,
		logger:   logger,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get 返回服务对应的熔断器，不存在时创建。
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.settings, r.logger, r.opts...)
	r.breakers[service] = b
	return b
}

// Snapshots 返回所有熔断器的状态快照，按服务名排序。
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
