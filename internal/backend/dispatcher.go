package backend

import (
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

// Dispatcher 按会话 ID 把后端消息分发到对应的 Sink。
//
// 会话在创建响应队列时 Register，在清理时 Unregister。
// 找不到会话的消息会被丢弃并输出限流告警。
type Dispatcher struct {
	log.Binder

	codec Codec
	sinks *typeutil.ConcurrentMap[string, Sink]
}

// NewDispatcher 创建一个 Dispatcher，codec 为 nil 时使用 JSONCodec。
func NewDispatcher(codec Codec) *Dispatcher {
	if codec == nil {
		codec = JSONCodec{}
	}
	d := &Dispatcher{
		codec: codec,
		sinks: typeutil.NewConcurrentMap[string, Sink](),
	}
	d.SetLogger(log.With(log.FieldComponent("dispatcher")))
	return d
}

// Codec 返回线路编解码器。
func (d *Dispatcher) Codec() Codec {
	return d.codec
}

// Register 为会话注册 Sink，已存在时覆盖。
func (d *Dispatcher) Register(sessionID string, sink Sink) {
	d.sinks.Insert(sessionID, sink)
}

// Unregister 取消会话的注册，不存在时忽略。
func (d *Dispatcher) Unregister(sessionID string) {
	d.sinks.Remove(sessionID)
}

// Registered 判断会话是否已注册。
func (d *Dispatcher) Registered(sessionID string) bool {
	return d.sinks.Contain(sessionID)
}

// Len 返回已注册的会话数量。
func (d *Dispatcher) Len() int {
	return d.sinks.Len()
}

// Dispatch 将响应投递给对应会话。
func (d *Dispatcher) Dispatch(resp Response) error {
	sink, ok := d.sinks.Get(resp.SessionID)
	if !ok {
		metrics.BackendDispatchDropped.WithLabelValues(metrics.DropReasonUnknownSession).Inc()
		d.Logger().RatedWarn(1, "drop backend response for unknown session", log.FieldSession(resp.SessionID))
		return merr.WrapErrSessionNotFound(resp.SessionID)
	}
	if err := sink.Push(resp.Payload); err != nil {
		metrics.BackendDispatchDropped.WithLabelValues(metrics.DropReasonQueueClosed).Inc()
		d.Logger().RatedWarn(1, "drop backend response, session queue unavailable",
			log.FieldSession(resp.SessionID), zap.Error(err))
		return err
	}
	return nil
}

// HandleFrame 解码一帧后端消息并分发。解码失败或协议版本不兼容的消息被丢弃。
func (d *Dispatcher) HandleFrame(data []byte) error {
	resp, err := d.codec.DecodeResponse(data)
	if err != nil {
		reason := metrics.DropReasonDecode
		if merr.Code(err) == merr.Code(merr.ErrProtocolMismatch) {
			reason = metrics.DropReasonProtocol
		}
		metrics.BackendDispatchDropped.WithLabelValues(reason).Inc()
		d.Logger().RatedWarn(1, "drop undecodable backend frame", zap.String("reason", reason), zap.Error(err))
		return err
	}
	return d.Dispatch(resp)
}
