package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

const fakeGameType = "cards"

type progressChange struct {
	from, to Progress
}

// fakeGame 是测试用的最小游戏：进度消息中包含 "ending" 时结束对局。
type fakeGame struct {
	mu       sync.Mutex
	progress []string
	endings  []string
	changes  []progressChange

	panicOn string
}

func newFakeGame() *fakeGame {
	return &fakeGame{}
}

func (g *fakeGame) Type() string { return fakeGameType }

func (g *fakeGame) RequestTypes() []RequestType {
	return []RequestType{"deal", "draw", "stand", "close"}
}

func (g *fakeGame) ParseRequestType(token string) (RequestType, bool) {
	for _, t := range g.RequestTypes() {
		if string(t) == token {
			return t, true
		}
	}
	return "", false
}

func (g *fakeGame) CloseRequestType() RequestType { return "close" }

func (g *fakeGame) DealRequest(_ *Session, _ *Player) []byte {
	return []byte("deal")
}

func (g *fakeGame) HandleProgress(_ context.Context, content string, s *Session) bool {
	if g.panicOn != "" && strings.Contains(content, g.panicOn) {
		panic("boom")
	}
	ending := strings.Contains(content, "ending")
	if !ending {
		s.Advance(Progress(10))
	}
	g.mu.Lock()
	g.progress = append(g.progress, content)
	g.mu.Unlock()
	return !ending
}

func (g *fakeGame) HandleEndingResult(_ context.Context, content string, s *Session) {
	g.mu.Lock()
	g.endings = append(g.endings, content)
	g.mu.Unlock()
	s.Close()
}

func (g *fakeGame) HandleProgressChange(_ context.Context, _ *Session, from, to Progress) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.changes = append(g.changes, progressChange{from: from, to: to})
}

func (g *fakeGame) Changes() []progressChange {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]progressChange(nil), g.changes...)
}

func (g *fakeGame) Progress() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.progress...)
}

func (g *fakeGame) Endings() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.endings...)
}

// fakeCleaner 记录被删除的频道，failOn 中的频道返回错误。
type fakeCleaner struct {
	mu      sync.Mutex
	deleted []uint64
	failOn  map[uint64]bool
}

func (c *fakeCleaner) DeleteChannel(_ context.Context, channelID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn[channelID] {
		return errors.Newf("channel %d is gone", channelID)
	}
	c.deleted = append(c.deleted, channelID)
	return nil
}

func (c *fakeCleaner) Deleted() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.deleted...)
}
