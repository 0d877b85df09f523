// Package frontend 实现中继的聊天前端。
package frontend

import (
	"context"
	"strconv"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Frontend 是编排器与游戏使用的聊天平台能力。
type Frontend interface {
	SendMessage(ctx context.Context, channelID uint64, content string) error
	DeleteChannel(ctx context.Context, channelID uint64) error
}

// Relay 是前端驱动会话所需的编排器能力。
type Relay interface {
	Join(ctx context.Context, req relay.JoinRequest) (*relay.Session, error)
	Launch(sessionID string) error
	Deliver(channelID, playerID uint64, payload []byte) error
	Registry() *relay.Registry
}

var (
	_ Relay                = (*relay.Orchestrator)(nil)
	_ relay.ChannelCleaner = Frontend(nil)
)

// parseSnowflake 解析聊天平台的 64 位 ID。
func parseSnowflake(id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, merr.WrapErrParameterInvalidMsg("invalid snowflake %q", id)
	}
	return v, nil
}

func formatSnowflake(id uint64) string {
	return strconv.FormatUint(id, 10)
}
