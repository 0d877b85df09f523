package backend

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// LoopbackHandler 模拟后端处理一条请求，返回需要推送回会话的消息。
type LoopbackHandler func(ctx context.Context, req Request) []Response

// Loopback 是进程内的传输驱动，用于本地调试与测试。
// 请求与响应都会经过线路编解码，行为与真实驱动保持一致。
type Loopback struct {
	dispatcher *Dispatcher

	mu        sync.Mutex
	published []Request
	handler   LoopbackHandler
	failures  int
	failErr   error

	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

// 编译期断言：确保 Loopback 实现了 Transport 接口。
var _ Transport = (*Loopback)(nil)

// NewLoopback 创建一个 Loopback 驱动。
func NewLoopback(dispatcher *Dispatcher) *Loopback {
	return &Loopback{
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}
}

func (l *Loopback) Name() string {
	return DriverLoopback
}

// SetHandler 设置模拟后端的处理函数。
func (l *Loopback) SetHandler(h LoopbackHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// FailNext 让接下来的 n 次 Publish 返回 err，用于验证重试逻辑。
func (l *Loopback) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
	l.failErr = err
}

// Publish 实现 Publisher。
func (l *Loopback) Publish(ctx context.Context, req Request) error {
	if l.closed.Load() {
		return merr.WrapErrBackendUnavailable(DriverLoopback, merr.ErrServiceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		err := l.failErr
		l.mu.Unlock()
		return merr.WrapErrBackendUnavailable(DriverLoopback, err)
	}
	l.mu.Unlock()

	codec := l.dispatcher.Codec()
	frame, err := codec.EncodeRequest(req)
	if err != nil {
		return err
	}
	decoded, err := codec.DecodeRequest(frame)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.published = append(l.published, decoded)
	handler := l.handler
	l.mu.Unlock()
	metrics.BackendPublished.WithLabelValues(DriverLoopback).Inc()

	if handler != nil {
		for _, resp := range handler(ctx, decoded) {
			_ = l.Reply(resp.SessionID, resp.Payload)
		}
	}
	return nil
}

// Reply 模拟后端向会话推送一条消息。
func (l *Loopback) Reply(sessionID string, payload []byte) error {
	frame, err := l.dispatcher.Codec().EncodeResponse(Response{SessionID: sessionID, Payload: payload})
	if err != nil {
		return err
	}
	return l.dispatcher.HandleFrame(frame)
}

// Published 返回已发送请求的快照。
func (l *Loopback) Published() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Request(nil), l.published...)
}

// Run 阻塞直到 ctx 结束或驱动被关闭。
func (l *Loopback) Run(ctx context.Context) error {
	metrics.BackendConnected.WithLabelValues(DriverLoopback).Set(1)
	defer metrics.BackendConnected.WithLabelValues(DriverLoopback).Set(0)
	select {
	case <-ctx.Done():
	case <-l.done:
	}
	return nil
}

func (l *Loopback) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
	return nil
}
