package relay

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
)

// Broadcaster 从响应队列取出后端消息，交给游戏的进度与结算处理器。
type Broadcaster struct {
	log.Binder
}

// NewBroadcaster 创建 Broadcaster。
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{}
	b.SetLogger(log.With(log.FieldComponent("broadcaster")))
	return b
}

// Relay 每次只处理响应队列中的一条消息，返回是否取到了消息。
//
// HandleProgress 返回 false 时对局结束，随后调用 HandleEndingResult，
// 由它决定是否关闭会话。
func (b *Broadcaster) Relay(ctx context.Context, s *Session, game Game, responses *Queue[[]byte]) bool {
	payload, ok := responses.TryPop()
	if !ok {
		return false
	}
	if !utf8.Valid(payload) {
		b.Logger().RatedWarn(1, "drop non UTF-8 backend message", log.FieldSession(s.ID), zap.Int("size", len(payload)))
		return true
	}

	content := string(payload)
	if game.HandleProgress(ctx, content, s) {
		return true
	}
	game.HandleEndingResult(ctx, content, s)
	return true
}
