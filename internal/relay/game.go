package relay

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// RequestType 是游戏内请求类型的符号名，例如 "draw"。
type RequestType string

// Vocabulary 描述一种游戏可识别的请求类型。
type Vocabulary interface {
	// Type 返回游戏类型名，同时作为后端路由键。
	Type() string
	// RequestTypes 按匹配优先级返回全部合法的请求类型。
	RequestTypes() []RequestType
	// ParseRequestType 解析请求类型符号名。
	ParseRequestType(token string) (RequestType, bool)
	// CloseRequestType 返回会结束会话的请求类型。
	CloseRequestType() RequestType
	// DealRequest 返回玩家加入后投递的初始请求。
	DealRequest(s *Session, p *Player) []byte
}

// ProgressHandler 处理后端推送的进度消息。
// 返回 false 表示对局已经结束，需要交由 EndingHandler 处理。
type ProgressHandler interface {
	HandleProgress(ctx context.Context, content string, s *Session) bool
}

// EndingHandler 处理对局结束消息，并在需要时关闭会话。
type EndingHandler interface {
	HandleEndingResult(ctx context.Context, content string, s *Session)
}

// ProgressChangeHandler 是可选能力，会话阶段变化后由主循环回调。
type ProgressChangeHandler interface {
	HandleProgressChange(ctx context.Context, s *Session, from, to Progress)
}

// Game 是一种游戏接入中继所需实现的全部能力。
type Game interface {
	Vocabulary
	ProgressHandler
	EndingHandler
}

// Catalog 按游戏类型索引 Game，在启动阶段构建，之后只读。
type Catalog struct {
	games map[string]Game
}

// NewCatalog 使用给定的游戏创建 Catalog，类型重复时 panic。
func NewCatalog(games ...Game) *Catalog {
	c := &Catalog{games: make(map[string]Game, len(games))}
	for _, g := range games {
		if err := c.Register(g); err != nil {
			panic(err)
		}
	}
	return c
}

// Register 注册一种游戏。只能在 Catalog 投入使用前调用。
func (c *Catalog) Register(g Game) error {
	if g == nil || g.Type() == "" {
		return merr.WrapErrParameterMissing("game type")
	}
	if _, ok := c.games[g.Type()]; ok {
		return merr.WrapErrParameterInvalidMsg("game %s already registered", g.Type())
	}
	c.games[g.Type()] = g
	return nil
}

// Get 按类型查找游戏。
func (c *Catalog) Get(gameType string) (Game, bool) {
	g, ok := c.games[gameType]
	return g, ok
}

// Types 返回已注册的游戏类型，按字典序排列。
func (c *Catalog) Types() []string {
	types := lo.Keys(c.games)
	sort.Strings(types)
	return types
}
