package relay

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/retry"
)

// RouteOutcome 是 Router 处理一条入站消息后的结论。
type RouteOutcome int

const (
	// RouteContinue 表示会话继续运行，消息可能已转发也可能被丢弃。
	RouteContinue RouteOutcome = iota
	// RouteClose 表示玩家发出了关闭请求，会话已进入 Closed。
	RouteClose
	// RouteShutdown 表示收到系统关闭哨兵，会话已进入 Closed。
	RouteShutdown
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteContinue:
		return "continue"
	case RouteClose:
		return "close"
	case RouteShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Router 识别请求队列中的消息并原样转发给后端。
//
// 识别只做子串匹配：按游戏声明的顺序查找第一个出现在 payload 中、
// 并且能被 ParseRequestType 还原的请求类型。具体的载荷校验由后端负责。
type Router struct {
	log.Binder

	publisher     backend.Publisher
	driver        string
	shutdownToken []byte
	attempts      uint
	retrySleep    time.Duration
}

// NewRouter 创建 Router。attempts 为发送失败时的最大尝试次数。
func NewRouter(publisher backend.Publisher, shutdownToken string, attempts uint) *Router {
	driver := "unknown"
	if named, ok := publisher.(interface{ Name() string }); ok {
		driver = named.Name()
	}
	if attempts == 0 {
		attempts = 1
	}
	r := &Router{
		publisher:     publisher,
		driver:        driver,
		shutdownToken: []byte(shutdownToken),
		attempts:      attempts,
		retrySleep:    50 * time.Millisecond,
	}
	r.SetLogger(log.With(log.FieldComponent("router")))
	return r
}

// MatchRequestType 返回 payload 中第一个可识别的请求类型。
func MatchRequestType(v Vocabulary, payload []byte) (RequestType, bool) {
	for _, token := range v.RequestTypes() {
		if token == "" || !bytes.Contains(payload, []byte(token)) {
			continue
		}
		if parsed, ok := v.ParseRequestType(string(token)); ok && parsed == token {
			return token, true
		}
	}
	return "", false
}

// Route 处理一条入站消息。
func (r *Router) Route(ctx context.Context, s *Session, game Vocabulary, msg Message) RouteOutcome {
	logger := log.Ctx(ctx)

	if msg.PlayerID == SystemPlayerID && bytes.Equal(msg.Payload, r.shutdownToken) {
		s.Close()
		logger.Info("shutdown sentinel received")
		return RouteShutdown
	}

	token, ok := MatchRequestType(game, msg.Payload)
	if !ok {
		logger.Debug("drop unrecognized request", log.FieldPlayer(msg.PlayerID), zap.Int("size", len(msg.Payload)))
		return RouteContinue
	}

	req := backend.Request{
		SessionID: s.ID,
		GameType:  game.Type(),
		PlayerID:  msg.PlayerID,
		Payload:   msg.Payload,
	}
	err := retry.Do(ctx, func() error {
		return r.publisher.Publish(ctx, req)
	}, retry.Attempts(r.attempts), retry.Sleep(r.retrySleep), retry.MaxSleepTime(time.Second),
		retry.RetryErr(merr.IsRetryableErr))
	if err != nil {
		metrics.BackendPublishFailures.WithLabelValues(r.driver).Inc()
		r.Logger().RatedWarn(1, "failed to forward request to backend",
			log.FieldSession(s.ID), log.FieldPlayer(msg.PlayerID),
			zap.String("requestType", string(token)), zap.Error(err))
	}

	if token == game.CloseRequestType() {
		s.Close()
		logger.Info("close request received", log.FieldPlayer(msg.PlayerID))
		return RouteClose
	}
	return RouteContinue
}
