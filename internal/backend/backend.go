package backend

import (
	"context"
	"strconv"
	"time"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// 支持的传输驱动。
const (
	DriverAMQP      = "amqp"
	DriverWebSocket = "websocket"
	DriverLoopback  = "loopback"
)

// Request 是发往后端游戏引擎的一条请求，Payload 原样转发，不做任何解释。
type Request struct {
	SessionID string
	GameType  string
	PlayerID  uint64
	Payload   []byte
}

// Response 是后端推送给某个会话的一条消息。
type Response struct {
	SessionID string
	Payload   []byte
}

// Sink 接收分发给某个会话的后端消息，通常是会话的响应队列。
type Sink interface {
	Push(payload []byte) error
}

// Publisher 将请求发送到后端。
type Publisher interface {
	Publish(ctx context.Context, req Request) error
}

// Transport 是一种到后端的传输驱动。
//
// Run 负责建立连接并持续接收后端消息，直到 ctx 结束；
// 接收到的消息统一交给 Dispatcher 分发。
type Transport interface {
	Publisher
	Name() string
	Run(ctx context.Context) error
	Close() error
}

// Config 为后端传输相关配置，对应配置文件中的 backend 段。
type Config struct {
	Driver          string           `mapstructure:"driver"`
	PublishAttempts uint             `mapstructure:"publish_attempts"`
	AMQP            AMQPOptions      `mapstructure:"amqp"`
	WebSocket       WebSocketOptions `mapstructure:"websocket"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Driver:          DriverLoopback,
		PublishAttempts: 3,
		AMQP:            DefaultAMQPOptions(),
		WebSocket:       DefaultWebSocketOptions(),
	}
}

// New 按配置创建传输驱动。
func New(cfg Config, dispatcher *Dispatcher) (Transport, error) {
	switch cfg.Driver {
	case DriverAMQP:
		return NewAMQPTransport(cfg.AMQP, dispatcher), nil
	case DriverWebSocket:
		return NewWebSocketTransport(cfg.WebSocket, dispatcher), nil
	case DriverLoopback, "":
		return NewLoopback(dispatcher), nil
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown backend driver %q", cfg.Driver)
	}
}

// ReconnectOptions 控制断线重连的指数退避参数。
type ReconnectOptions struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

func defaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
