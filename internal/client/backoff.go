package client

import (
	"context"
	"time"
)

// Backoff 计算第 attempt 次失败（从 1 开始）之后的等待时间。
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Linear 线性退避：Delay = min(Initial*attempt, Max)。
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay 实现 Backoff。
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// sleepContext 等待 d 或直到上下文取消。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
