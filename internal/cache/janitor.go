package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Janitor 按 cron 计划定期清理过期缓存条目。
type Janitor struct {
	cron    *cron.Cron
	cache   *Cache
	logger  *logrus.Logger
	timeout time.Duration
}

// NewJanitor 创建清理任务。
//
// 参数：
//   - c: 需要清理的缓存
//   - schedule: cron 表达式，支持 "@every 1h" 这类描述符
//   - logger: 日志记录器
func NewJanitor(c *Cache, schedule string, logger *logrus.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		cache:   c,
		logger:  logger,
		timeout: 5 * time.Minute,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start 启动定时任务。
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("Cache janitor started")
}

// Stop 停止定时任务并等待正在执行的清理结束。
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Cache janitor stopped")
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if _, err := j.cache.Prune(ctx); err != nil {
		j.logger.WithError(err).Warn("Cache prune failed")
	}
}
