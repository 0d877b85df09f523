package backend

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// AMQPOptions 为 RabbitMQ 驱动的连接与拓扑配置。
//
// 请求发往 RequestExchange（direct），路由键为游戏类型；
// 响应从 ResponseExchange（fanout）广播到每个中继实例独占的临时队列。
type AMQPOptions struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`

	RequestExchange  string `mapstructure:"request_exchange"`
	ResponseExchange string `mapstructure:"response_exchange"`
	PrefetchCount    int    `mapstructure:"prefetch_count"`

	Reconnect ReconnectOptions `mapstructure:"reconnect"`
}

// DefaultAMQPOptions 返回本地 RabbitMQ 的默认配置。
func DefaultAMQPOptions() AMQPOptions {
	return AMQPOptions{
		Host:             "localhost",
		Port:             "5672",
		Username:         "guest",
		Password:         "guest",
		VHost:            "/",
		RequestExchange:  "relay.requests",
		ResponseExchange: "relay.responses",
		PrefetchCount:    64,
		Reconnect:        defaultReconnectOptions(),
	}
}

// BuildURL 构建 RabbitMQ 连接 URL。
func (o AMQPOptions) BuildURL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/%s",
		url.QueryEscape(o.Username),
		url.QueryEscape(o.Password),
		o.Host,
		o.Port,
		url.PathEscape(o.VHost), // 仅对 VHost 做路径编码
	)
}

// AMQPTransport 是基于 RabbitMQ 的传输驱动。
type AMQPTransport struct {
	log.Binder

	opts       AMQPOptions
	dispatcher *Dispatcher
	queue      string

	mu sync.RWMutex
	ch *amqp.Channel

	done chan struct{}
	once sync.Once
}

// 编译期断言：确保 AMQPTransport 实现了 Transport 接口。
var _ Transport = (*AMQPTransport)(nil)

// NewAMQPTransport 创建 RabbitMQ 驱动，连接在 Run 中建立。
func NewAMQPTransport(opts AMQPOptions, dispatcher *Dispatcher) *AMQPTransport {
	def := DefaultAMQPOptions()
	if opts.RequestExchange == "" {
		opts.RequestExchange = def.RequestExchange
	}
	if opts.ResponseExchange == "" {
		opts.ResponseExchange = def.ResponseExchange
	}
	if opts.PrefetchCount <= 0 {
		opts.PrefetchCount = def.PrefetchCount
	}
	t := &AMQPTransport{
		opts:       opts,
		dispatcher: dispatcher,
		queue:      "relay-" + uuid.NewString(),
		done:       make(chan struct{}),
	}
	t.SetLogger(log.With(log.FieldComponent("backend"), zap.String("driver", DriverAMQP)))
	return t
}

func (t *AMQPTransport) Name() string {
	return DriverAMQP
}

// Queue 返回本实例独占的响应队列名。
func (t *AMQPTransport) Queue() string {
	return t.queue
}

// Publish 实现 Publisher。未连接时返回 merr.ErrBackendUnavailable。
func (t *AMQPTransport) Publish(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := t.dispatcher.Codec().EncodeRequest(req)
	if err != nil {
		return errors.Wrapf(err, "%s: encode request", StageEncode)
	}

	t.mu.RLock()
	ch := t.ch
	t.mu.RUnlock()
	if ch == nil {
		return merr.WrapErrBackendUnavailable(DriverAMQP, merr.ErrServiceNotReady, "not connected")
	}

	err = ch.Publish(t.opts.RequestExchange, req.GameType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			"session_id": req.SessionID,
			"player_id":  formatID(req.PlayerID),
		},
		Body: body,
	})
	if err != nil {
		return merr.WrapErrBackendUnavailable(DriverAMQP, err, StageSend.String())
	}
	metrics.BackendPublished.WithLabelValues(DriverAMQP).Inc()
	return nil
}

// Run 连接 RabbitMQ 并消费响应，断线后自动重连，直到 ctx 结束或 Close 被调用。
func (t *AMQPTransport) Run(ctx context.Context) error {
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
	return runWithReconnect(ctx, DriverAMQP, t.opts.Reconnect, t.Logger(), t.connectAndConsume)
}

func (t *AMQPTransport) connectAndConsume(ctx context.Context, connected func()) error {
	conn, err := amqp.Dial(t.opts.BuildURL())
	if err != nil {
		return errors.Wrapf(err, "%s: dial failed", StageDial)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrapf(err, "%s: channel failed", StageDial)
	}
	defer ch.Close()

	if err := t.declare(ch); err != nil {
		return errors.Wrapf(err, "%s: declare topology", StageDial)
	}
	msgs, err := ch.Consume(t.queue, "", true, true, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "%s: consume failed", StageDial)
	}
	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	t.setChannel(ch)
	defer t.setChannel(nil)
	metrics.BackendConnected.WithLabelValues(DriverAMQP).Set(1)
	defer metrics.BackendConnected.WithLabelValues(DriverAMQP).Set(0)
	connected()
	t.Logger().Info("backend connected", zap.String("queue", t.queue))

	for {
		select {
		case <-ctx.Done():
			// 主动关闭，不重连
			return nil
		case amqpErr, ok := <-notifyClose:
			if !ok || amqpErr == nil {
				return errors.Newf("%s: channel closed", StageRecvRaw)
			}
			return errors.Wrapf(amqpErr, "%s: channel closed", StageRecvRaw)
		case d, ok := <-msgs:
			if !ok {
				return errors.Newf("%s: delivery channel closed", StageRecvRaw)
			}
			// 解码失败与未知会话已在 Dispatcher 中计数并记录。
			_ = t.dispatcher.HandleFrame(d.Body)
		}
	}
}

func (t *AMQPTransport) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.opts.RequestExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.opts.ResponseExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(t.queue, false, true, true, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(t.queue, "", t.opts.ResponseExchange, false, nil); err != nil {
		return err
	}
	return ch.Qos(t.opts.PrefetchCount, 0, false)
}

func (t *AMQPTransport) setChannel(ch *amqp.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ch = ch
}

// Close 停止 Run，重复调用无副作用。
func (t *AMQPTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
	})
	return nil
}
