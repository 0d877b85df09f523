package relay

import (
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

// ChannelBinding 记录一个活跃聊天频道所属的会话与玩家。
type ChannelBinding struct {
	SessionID string
	PlayerID  uint64
}

// Registry 是进程内所有会话的注册表。
//
// 会话表与活跃频道表相互独立：聊天消息的热路径只查询频道表，
// 不会与会话的创建和删除产生竞争。
type Registry struct {
	sessions *typeutil.ConcurrentMap[string, *Session]
	channels *typeutil.ConcurrentMap[uint64, ChannelBinding]
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		sessions: typeutil.NewConcurrentMap[string, *Session](),
		channels: typeutil.NewConcurrentMap[uint64, ChannelBinding](),
	}
}

// GetOrCreate 返回 id 对应的会话，不存在时原子地创建。
// 并发调用同一 id 时，所有调用方拿到的是同一个会话。
func (r *Registry) GetOrCreate(id string) *Session {
	if s, ok := r.sessions.Get(id); ok {
		return s
	}
	s, _ := r.sessions.GetOrInsert(id, newSession(id))
	return s
}

// Get 查找会话。
func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// Remove 删除会话，不存在时忽略。
func (r *Registry) Remove(id string) {
	r.sessions.Remove(id)
}

// removeSession 仅当注册表中保存的仍是 s 时才删除。
func (r *Registry) removeSession(s *Session) bool {
	return r.sessions.CompareAndRemove(s.ID, s)
}

// Len 返回会话数量。
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Range 遍历所有会话，回调返回 false 时终止。
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_ string, s *Session) bool {
		return fn(s)
	})
}

// BindChannel 将聊天频道标记为活跃，并记录其所属的会话与玩家。
func (r *Registry) BindChannel(channelID uint64, sessionID string, playerID uint64) {
	if channelID == 0 {
		return
	}
	r.channels.Insert(channelID, ChannelBinding{SessionID: sessionID, PlayerID: playerID})
}

// UnbindChannel 取消频道的活跃标记，不存在时忽略。
func (r *Registry) UnbindChannel(channelID uint64) {
	r.channels.Remove(channelID)
}

// ChannelBinding 返回频道的绑定信息。
func (r *Registry) ChannelBinding(channelID uint64) (ChannelBinding, bool) {
	return r.channels.Get(channelID)
}

// IsActiveChannel 判断频道是否属于某个活跃会话。
func (r *Registry) IsActiveChannel(channelID uint64) bool {
	return r.channels.Contain(channelID)
}

// ActiveChannels 返回活跃频道数量。
func (r *Registry) ActiveChannels() int {
	return r.channels.Len()
}
