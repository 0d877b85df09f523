// Package blackjack 是接入中继的示例游戏：二十一点。
//
// 牌局规则由后端游戏引擎负责，这里只识别玩家指令、把后端推送的
// 进度与结算文档渲染成文本发送到玩家的私有频道。
package blackjack

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/json"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

// GameType 是二十一点的游戏类型名，同时是后端路由键。
const GameType = "blackjack"

// 玩家指令。
const (
	RequestDeal   relay.RequestType = "deal"
	RequestDraw   relay.RequestType = "draw"
	RequestStand  relay.RequestType = "stand"
	RequestDouble relay.RequestType = "double"
	RequestClose  relay.RequestType = "close"
)

// DefaultBet 是玩家未下注时发牌请求携带的注额。
const DefaultBet int64 = 10

// 二十一点的游戏阶段，位于 Starting 与 Closed 之间。
const (
	PhaseDealing    relay.Progress = 10
	PhasePlayerTurn relay.Progress = 20
	PhaseDealerTurn relay.Progress = 30
	PhaseSettled    relay.Progress = 40
)

var phases = map[string]relay.Progress{
	"dealing":     PhaseDealing,
	"player_turn": PhasePlayerTurn,
	"dealer_turn": PhaseDealerTurn,
}

var requestTypes = []relay.RequestType{RequestDeal, RequestDraw, RequestStand, RequestDouble, RequestClose}

// Notifier 向聊天频道发送文本。
type Notifier interface {
	SendMessage(ctx context.Context, channelID uint64, content string) error
}

// Game 实现 relay.Game。
type Game struct {
	log.Binder

	notifier Notifier
}

var (
	_ relay.Game                  = (*Game)(nil)
	_ relay.ProgressChangeHandler = (*Game)(nil)
)

// New 创建二十一点游戏，notifier 为 nil 时不发送任何消息。
func New(notifier Notifier) *Game {
	g := &Game{notifier: notifier}
	g.SetLogger(log.With(log.FieldGame(GameType)))
	return g
}

func (g *Game) Type() string {
	return GameType
}

func (g *Game) RequestTypes() []relay.RequestType {
	return requestTypes
}

func (g *Game) ParseRequestType(token string) (relay.RequestType, bool) {
	for _, t := range requestTypes {
		if string(t) == token {
			return t, true
		}
	}
	return "", false
}

func (g *Game) CloseRequestType() relay.RequestType {
	return RequestClose
}

type dealRequest struct {
	Action relay.RequestType `json:"action"`
	Player string            `json:"player,omitempty"`
	Bet    int64             `json:"bet"`
	Seat   int               `json:"seat"`
}

// DealRequest 返回玩家加入后的发牌请求。
func (g *Game) DealRequest(_ *relay.Session, p *relay.Player) []byte {
	bet := p.Bet()
	if bet <= 0 {
		bet = DefaultBet
	}
	data, err := json.Marshal(dealRequest{Action: RequestDeal, Player: p.Name(), Bet: bet, Seat: p.Order()})
	if err != nil {
		return []byte(RequestDeal)
	}
	return data
}

// progressDoc 是后端推送的进度文档。
type progressDoc struct {
	Phase    string          `json:"phase"`
	PlayerID typeutil.FlexID `json:"player_id"`
	Hand     []string        `json:"hand"`
	Total    int             `json:"total"`
	Message  string          `json:"message"`
}

// endingDoc 是后端推送的结算文档。
type endingDoc struct {
	Phase      string         `json:"phase"`
	DealerHand []string       `json:"dealer_hand"`
	Results    []playerResult `json:"results"`
}

type playerResult struct {
	PlayerID typeutil.FlexID `json:"player_id"`
	Outcome  string          `json:"outcome"`
	Payout   int64           `json:"payout"`
}

// HandleProgress 处理进度文档。phase 为 ending 时返回 false。
// 无法解析的文档被忽略。
func (g *Game) HandleProgress(ctx context.Context, content string, s *relay.Session) bool {
	var doc progressDoc
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		log.Ctx(ctx).Debug("ignore undecodable progress document", zap.Error(err))
		return true
	}
	if doc.Phase == "ending" {
		return false
	}
	if phase, ok := phases[doc.Phase]; ok {
		s.Advance(phase)
	}

	text := renderProgress(doc)
	if doc.PlayerID == 0 {
		g.broadcast(ctx, s, text)
		return true
	}
	p, ok := s.Player(doc.PlayerID.Uint64())
	if !ok {
		log.Ctx(ctx).Debug("progress for unknown player", log.FieldPlayer(doc.PlayerID.Uint64()))
		return true
	}
	if len(doc.Hand) > 0 {
		p.SetHand(doc.Hand)
	}
	g.send(ctx, p, text)
	return true
}

// HandleEndingResult 向每位玩家发送结算结果并关闭会话。
func (g *Game) HandleEndingResult(ctx context.Context, content string, s *relay.Session) {
	defer s.Close()

	var doc endingDoc
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		log.Ctx(ctx).Warn("undecodable ending document, closing session", zap.Error(err))
		g.broadcast(ctx, s, "The game ended.")
		return
	}
	s.Advance(PhaseSettled)

	results := make(map[uint64]playerResult, len(doc.Results))
	for _, r := range doc.Results {
		results[r.PlayerID.Uint64()] = r
	}
	for _, p := range s.Players() {
		r, ok := results[p.ID]
		if !ok {
			continue
		}
		g.send(ctx, p, renderResult(doc.DealerHand, r))
	}
}

// HandleProgressChange 在对局开始与结束时通知玩家。
func (g *Game) HandleProgressChange(ctx context.Context, s *relay.Session, from, to relay.Progress) {
	log.Ctx(ctx).Debug("blackjack progress changed", zap.Stringer("from", from), zap.Stringer("to", to))
	switch to {
	case relay.ProgressStarting:
		g.broadcast(ctx, s, fmt.Sprintf("Blackjack table is open with %d player(s). Type draw, stand, double or close.", s.PlayerCount()))
	case relay.ProgressClosed:
		g.broadcast(ctx, s, "Table closed. This channel will be removed shortly.")
	}
}

func (g *Game) broadcast(ctx context.Context, s *relay.Session, text string) {
	for _, p := range s.Players() {
		g.send(ctx, p, text)
	}
}

func (g *Game) send(ctx context.Context, p *relay.Player, text string) {
	ch := p.ChannelID()
	if g.notifier == nil || ch == 0 || text == "" {
		return
	}
	if err := g.notifier.SendMessage(ctx, ch, text); err != nil {
		g.Logger().RatedWarn(1, "failed to notify player", log.FieldPlayer(p.ID), log.FieldChannel(ch), zap.Error(err))
	}
}

func renderProgress(doc progressDoc) string {
	var b strings.Builder
	if len(doc.Hand) > 0 {
		fmt.Fprintf(&b, "Hand: %s (%d)", strings.Join(doc.Hand, " "), doc.Total)
	}
	if doc.Message != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(doc.Message)
	}
	return b.String()
}

func renderResult(dealer []string, r playerResult) string {
	text := fmt.Sprintf("Result: %s", r.Outcome)
	if r.Payout != 0 {
		text += fmt.Sprintf(", payout %+d", r.Payout)
	}
	if len(dealer) > 0 {
		text += fmt.Sprintf("\nDealer: %s", strings.Join(dealer, " "))
	}
	return text
}
