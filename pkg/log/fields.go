package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSession   = "sessionID"
	FieldNamePlayer    = "playerID"
	FieldNameChannel   = "channelID"
	FieldNameGame      = "gameType"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldSession 返回一个包含会话 ID 的 zap 字段。
func FieldSession(id string) zap.Field {
	return zap.String(FieldNameSession, id)
}

// FieldPlayer 返回一个包含玩家 ID 的 zap 字段。
func FieldPlayer(id uint64) zap.Field {
	return zap.Uint64(FieldNamePlayer, id)
}

// FieldChannel 返回一个包含聊天频道 ID 的 zap 字段。
func FieldChannel(id uint64) zap.Field {
	return zap.Uint64(FieldNameChannel, id)
}

// FieldGame 返回一个包含游戏类型的 zap 字段。
func FieldGame(gameType string) zap.Field {
	return zap.String(FieldNameGame, gameType)
}
