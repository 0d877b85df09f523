package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

// SystemPlayerID 是系统保留的玩家 ID，只用于投递关闭哨兵等内部消息。
const SystemPlayerID uint64 = 0

// Message 是请求队列中的一条入站消息。
type Message struct {
	PlayerID uint64
	Payload  []byte
}

// Player 描述会话中的一名玩家。
//
// Name、AvatarURL、ChannelID 遵循首次写入生效：一旦被设置为非空值，
// 后续的加入事件不会再覆盖。Bet、Hand、Order 由具体游戏的处理器维护。
type Player struct {
	ID uint64

	mu        sync.RWMutex
	name      string
	avatarURL string
	channelID uint64
	bet       int64
	hand      []string
	order     int
}

// PlayerInfo 是加入事件携带的玩家资料。
type PlayerInfo struct {
	ID        uint64
	Name      string
	AvatarURL string
	ChannelID uint64
}

func newPlayer(id uint64) *Player {
	return &Player{ID: id}
}

// merge 按首次写入生效的规则合并 info 中的字段。
func (p *Player) merge(info PlayerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name == "" {
		p.name = info.Name
	}
	if p.avatarURL == "" {
		p.avatarURL = info.AvatarURL
	}
	if p.channelID == 0 {
		p.channelID = info.ChannelID
	}
}

func (p *Player) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Player) AvatarURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.avatarURL
}

// ChannelID 返回玩家绑定的私有聊天频道，0 表示未绑定。
// 该绑定只用于清理，不代表任何权限。
func (p *Player) ChannelID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channelID
}

func (p *Player) Bet() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bet
}

func (p *Player) SetBet(bet int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bet = bet
}

// Hand 返回手牌的副本。
func (p *Player) Hand() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.hand...)
}

func (p *Player) SetHand(hand []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hand = append([]string(nil), hand...)
}

func (p *Player) Order() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.order
}

func (p *Player) SetOrder(order int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = order
}

// Session 是一局游戏在内存中的全部状态。
//
// Progress 只能由该会话唯一的主循环推进；initGuard 只保护
// NotAvailable -> Starting 这一次迁移。请求与响应队列创建后不再重建。
type Session struct {
	ID        string
	CreatedAt time.Time

	gameType   atomic.String
	lastActive atomic.Time
	progress   atomic.Int32

	players *typeutil.ConcurrentMap[uint64, *Player]
	seats   atomic.Int32
	guilds  *typeutil.ConcurrentSet[uint64]

	queueOnce   sync.Once
	queuesReady atomic.Bool
	requests    *Queue[Message]
	responses   *Queue[[]byte]

	initGuard *semaphore.Weighted
}

func newSession(id string) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		players:   typeutil.NewConcurrentMap[uint64, *Player](),
		guilds:    typeutil.NewConcurrentSet[uint64](),
		initGuard: semaphore.NewWeighted(1),
	}
	s.lastActive.Store(now)
	return s
}

// GameType 返回首次加入时记录的游戏类型。
func (s *Session) GameType() string {
	return s.gameType.Load()
}

// bindGame 记录游戏类型，首次写入生效，返回最终生效的类型。
func (s *Session) bindGame(gameType string) string {
	s.gameType.CompareAndSwap("", gameType)
	return s.gameType.Load()
}

// LastActive 返回最近一次处理消息的时间。
func (s *Session) LastActive() time.Time {
	return s.lastActive.Load()
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now())
}

// Progress 返回会话当前阶段。
func (s *Session) Progress() Progress {
	return Progress(s.progress.Load())
}

// Advance 将会话推进到 p。p 不大于当前阶段时拒绝并返回 false。
// 只应由会话主循环（包括其调用的游戏处理器）调用。
func (s *Session) Advance(p Progress) bool {
	for {
		cur := s.progress.Load()
		if int32(p) <= cur {
			return false
		}
		if s.progress.CompareAndSwap(cur, int32(p)) {
			return true
		}
	}
}

// Close 将会话推进到 Closed。只有真正完成迁移的那次调用返回 true。
func (s *Session) Close() bool {
	return s.Advance(ProgressClosed)
}

// tryStart 在 initGuard 保护下完成 NotAvailable -> Starting 的迁移。
// 同一会话只有一次调用会返回 true。
func (s *Session) tryStart(ctx context.Context) bool {
	if err := s.initGuard.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.initGuard.Release(1)

	return s.progress.CompareAndSwap(int32(ProgressNotAvailable), int32(ProgressStarting))
}

// abandon 将从未启动的会话直接置为 Closed。
// 与 tryStart 互斥：同一会话两者至多一个成功。
func (s *Session) abandon() bool {
	return s.progress.CompareAndSwap(int32(ProgressNotAvailable), int32(ProgressClosed))
}

// Player 按 ID 查找玩家。
func (s *Session) Player(id uint64) (*Player, bool) {
	return s.players.Get(id)
}

// Players 返回按 Order、ID 排序的玩家快照。
func (s *Session) Players() []*Player {
	players := s.players.Values()
	sort.Slice(players, func(i, j int) bool {
		if players[i].Order() != players[j].Order() {
			return players[i].Order() < players[j].Order()
		}
		return players[i].ID < players[j].ID
	})
	return players
}

// PlayerCount 返回玩家数量。
func (s *Session) PlayerCount() int {
	return s.players.Len()
}

// upsertPlayer 插入或合并玩家资料，返回会话中实际保存的玩家。
// 新玩家按加入顺序获得从 1 开始、互不重复的座位号。
func (s *Session) upsertPlayer(info PlayerInfo) *Player {
	p, loaded := s.players.GetOrInsert(info.ID, newPlayer(info.ID))
	if !loaded {
		p.SetOrder(int(s.seats.Inc()))
	}
	p.merge(info)
	return p
}

// Guilds 返回会话可见的服务器 ID。
func (s *Session) Guilds() []uint64 {
	return s.guilds.Collect()
}

// ensureQueues 惰性创建请求与响应队列，onCreate 只会在首次创建时执行一次。
func (s *Session) ensureQueues(onCreate func(responses *Queue[[]byte])) {
	s.queueOnce.Do(func() {
		s.requests = NewQueue[Message](s.ID + "/requests")
		s.responses = NewQueue[[]byte](s.ID + "/responses")
		s.queuesReady.Store(true)
		if onCreate != nil {
			onCreate(s.responses)
		}
	})
}

// queues 返回已创建的队列，尚未创建时均为 nil。
func (s *Session) queues() (*Queue[Message], *Queue[[]byte]) {
	if !s.queuesReady.Load() {
		return nil, nil
	}
	return s.requests, s.responses
}

// Enqueue 向请求队列投递一条消息。
func (s *Session) Enqueue(msg Message) error {
	requests, _ := s.queues()
	if requests == nil {
		return merr.WrapErrServiceNotReady("session "+s.ID, "queues not created")
	}
	return requests.Push(msg)
}

func (s *Session) closeQueues() {
	requests, responses := s.queues()
	if requests != nil {
		requests.Close()
	}
	if responses != nil {
		responses.Close()
	}
}
