package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
)

// connectFunc 建立一次连接并阻塞到连接断开。连接建立成功后调用 connected。
type connectFunc func(ctx context.Context, connected func()) error

// runWithReconnect 反复执行 connect，断开后按指数退避重连，直到 ctx 结束。
// 每次成功建立连接都会重置退避间隔。
func runWithReconnect(ctx context.Context, driver string, opts ReconnectOptions, logger *log.MLogger, connect connectFunc) error {
	bo := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		bo.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		bo.MaxInterval = opts.MaxInterval
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := connect(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		metrics.BackendReconnects.WithLabelValues(driver).Inc()
		logger.Warn("backend connection lost, reconnecting",
			zap.String("driver", driver),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
