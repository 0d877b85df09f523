package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// WebSocketOptions 为 WebSocket 驱动配置。
type WebSocketOptions struct {
	URL string `mapstructure:"url"`
	// Headers 在握手时附带，可用于鉴权。
	Headers map[string]string `mapstructure:"headers"`

	SendQueueSize int           `mapstructure:"send_queue_size"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`

	Reconnect ReconnectOptions `mapstructure:"reconnect"`
}

// DefaultWebSocketOptions 返回默认配置。
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		URL:           "ws://localhost:8080/relay",
		SendQueueSize: 1024,
		WriteTimeout:  10 * time.Second,
		Reconnect:     defaultReconnectOptions(),
	}
}

// WebSocketTransport 是基于 gorilla/websocket 的传输驱动。
// 请求与响应都以文本帧承载，一帧一条消息。
type WebSocketTransport struct {
	log.Binder

	opts       WebSocketOptions
	dispatcher *Dispatcher

	mu   sync.RWMutex
	conn *wsConn

	done chan struct{}
	once sync.Once
}

// 编译期断言：确保 WebSocketTransport 实现了 Transport 接口。
var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport 创建 WebSocket 驱动，连接在 Run 中建立。
func NewWebSocketTransport(opts WebSocketOptions, dispatcher *Dispatcher) *WebSocketTransport {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultWebSocketOptions().SendQueueSize
	}
	t := &WebSocketTransport{
		opts:       opts,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}
	t.SetLogger(log.With(log.FieldComponent("backend"), zap.String("driver", DriverWebSocket)))
	return t
}

func (t *WebSocketTransport) Name() string {
	return DriverWebSocket
}

// Connected 返回当前是否有可用连接。
func (t *WebSocketTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// Publish 实现 Publisher。请求编码后进入发送队列，由发送协程写出。
func (t *WebSocketTransport) Publish(ctx context.Context, req Request) error {
	frame, err := t.dispatcher.Codec().EncodeRequest(req)
	if err != nil {
		return errors.Wrapf(err, "%s: encode request", StageEncode)
	}

	t.mu.RLock()
	c := t.conn
	t.mu.RUnlock()
	if c == nil {
		return merr.WrapErrBackendUnavailable(DriverWebSocket, merr.ErrServiceNotReady, "not connected")
	}
	if err := c.enqueue(ctx, frame); err != nil {
		return merr.WrapErrBackendUnavailable(DriverWebSocket, err, StageSend.String())
	}
	metrics.BackendPublished.WithLabelValues(DriverWebSocket).Inc()
	return nil
}

// Run 连接后端并接收消息，断线后自动重连，直到 ctx 结束或 Close 被调用。
func (t *WebSocketTransport) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_ = conc.Go(func() (struct{}, error) {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
		return struct{}{}, nil
	})
	return runWithReconnect(ctx, DriverWebSocket, t.opts.Reconnect, t.Logger(), t.connect)
}

func (t *WebSocketTransport) connect(ctx context.Context, connected func()) error {
	header := http.Header{}
	for k, v := range t.opts.Headers {
		header.Set(k, v)
	}
	raw, _, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, header)
	if err != nil {
		return errors.Wrapf(err, "%s: dial %s", StageDial, t.opts.URL)
	}

	c := newWSConn(ctx, raw, t.opts, t.dispatcher, t.Logger())
	t.setConn(c)
	metrics.BackendConnected.WithLabelValues(DriverWebSocket).Set(1)
	connected()
	t.Logger().Info("backend connected", zap.String("url", t.opts.URL))

	<-c.ctx.Done()
	t.setConn(nil)
	metrics.BackendConnected.WithLabelValues(DriverWebSocket).Set(0)
	c.close(nil)
	return c.err()
}

func (t *WebSocketTransport) setConn(c *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = c
}

// Close 停止 Run，重复调用无副作用。
func (t *WebSocketTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
	})
	return nil
}

// wsConn 是一条已建立的后端连接，拥有独立的收发协程。
type wsConn struct {
	conn       *websocket.Conn
	opts       WebSocketOptions
	dispatcher *Dispatcher
	logger     *log.MLogger

	ctx    context.Context
	cancel context.CancelFunc

	sendChan chan []byte

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
}

func newWSConn(ctx context.Context, conn *websocket.Conn, opts WebSocketOptions, dispatcher *Dispatcher, logger *log.MLogger) *wsConn {
	connCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		conn:       conn,
		opts:       opts,
		dispatcher: dispatcher,
		logger:     logger,
		ctx:        connCtx,
		cancel:     cancel,
		sendChan:   make(chan []byte, opts.SendQueueSize),
	}

	// 使用 conc.Go 启动收发协程，避免直接使用原生 go 关键字。
	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})
	return c
}

func (c *wsConn) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.ctx.Done():
		return errors.Newf("%s: connection closed", StageSend)
	case <-ctx.Done():
		return ctx.Err()
	case c.sendChan <- frame:
		return nil
	}
}

func (c *wsConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// close 关闭底层连接。sendChan 不关闭，发送方通过 ctx 感知连接结束。
func (c *wsConn) close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// recvLoop 持续读取后端帧并交给 Dispatcher。
func (c *wsConn) recvLoop() {
	for {
		if c.opts.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				c.close(errors.Wrapf(err, "%s: set read deadline", StageRecvRaw))
				return
			}
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.close(errors.Wrapf(err, "%s: read frame", StageRecvRaw))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := c.dispatcher.HandleFrame(data); err != nil {
			c.logger.Debug("backend frame not dispatched", zap.Stringer("stage", StageDispatch), zap.Error(err))
		}
	}
}

// sendLoop 从 sendChan 读取请求帧并写入连接。
func (c *wsConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendChan:
			if c.opts.WriteTimeout > 0 {
				if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
					c.close(errors.Wrapf(err, "%s: set write deadline", StageSend))
					return
				}
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				metrics.BackendPublishFailures.WithLabelValues(DriverWebSocket).Inc()
				c.close(errors.Wrapf(err, "%s: write frame", StageSend))
				return
			}
		}
	}
}
