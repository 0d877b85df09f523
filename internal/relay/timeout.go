package relay

import (
	"context"
	"time"
)

// timeoutGuard 是每轮循环的非活跃计时器。每轮都使用新的计时器，
// 被取消时立即停止，不会在会话已推进后再触发。
type timeoutGuard struct {
	d time.Duration
}

// wait 在 d 到期时返回 nil，ctx 先结束时返回 ctx.Err()。
func (g timeoutGuard) wait(ctx context.Context) error {
	timer := time.NewTimer(g.d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
