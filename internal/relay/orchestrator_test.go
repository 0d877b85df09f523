package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

type OrchestratorSuite struct {
	suite.Suite

	registry   *Registry
	dispatcher *backend.Dispatcher
	loopback   *backend.Loopback
	cleaner    *fakeCleaner
	game       *fakeGame

	restoreLogger func()
}

func (s *OrchestratorSuite) SetupSuite() {
	restore, err := log.SetupTestLogger(s.T(), &log.Config{Level: "debug"})
	s.Require().NoError(err)
	s.restoreLogger = restore
}

func (s *OrchestratorSuite) TearDownSuite() {
	if s.restoreLogger != nil {
		s.restoreLogger()
	}
}

func (s *OrchestratorSuite) SetupTest() {
	s.registry = NewRegistry()
	s.dispatcher = backend.NewDispatcher(backend.JSONCodec{})
	s.loopback = backend.NewLoopback(s.dispatcher)
	s.cleaner = &fakeCleaner{}
	s.game = newFakeGame()
}

func (s *OrchestratorSuite) newOrchestrator(timeout time.Duration) *Orchestrator {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	cfg.Grace = 0
	return NewOrchestrator(cfg, s.registry, NewCatalog(s.game), s.loopback, s.dispatcher, s.cleaner)
}

func (s *OrchestratorSuite) runAsync(o *Orchestrator, sessionID string) <-chan bool {
	done := make(chan bool, 1)
	go func() {
		done <- o.Run(context.Background(), sessionID)
	}()
	return done
}

func (s *OrchestratorSuite) awaitRun(done <-chan bool) bool {
	select {
	case started := <-done:
		return started
	case <-time.After(5 * time.Second):
		s.FailNow("session loop did not finish")
		return false
	}
}

func (s *OrchestratorSuite) publishedPayloads() []string {
	var out []string
	for _, req := range s.loopback.Published() {
		out = append(out, string(req.Payload))
	}
	return out
}

func (s *OrchestratorSuite) TestJoinValidation() {
	o := s.newOrchestrator(time.Minute)
	ctx := context.Background()

	_, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: "chess", Player: PlayerInfo{ID: 1}})
	s.ErrorIs(err, merr.ErrGameNotFound)

	_, err = o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: SystemPlayerID}})
	s.ErrorIs(err, merr.ErrParameterInvalid)

	_, err = o.Join(ctx, JoinRequest{GameType: fakeGameType, Player: PlayerInfo{ID: 1}})
	s.ErrorIs(err, merr.ErrParameterMissing)

	sess, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1}})
	s.NoError(err)
	sess.Close()
	_, err = o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 2}})
	s.ErrorIs(err, merr.ErrSessionClosed)
}

func (s *OrchestratorSuite) TestJoinTwiceFirstWriteWins() {
	o := s.newOrchestrator(time.Minute)
	ctx := context.Background()

	sess, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, GuildID: 5, Player: PlayerInfo{ID: 1, Name: "alice", ChannelID: 10}})
	s.Require().NoError(err)
	again, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, GuildID: 6, Player: PlayerInfo{ID: 1, Name: "mallory", ChannelID: 99}})
	s.Require().NoError(err)
	s.Same(sess, again)

	p, ok := sess.Player(1)
	s.Require().True(ok)
	s.Equal("alice", p.Name())
	s.EqualValues(10, p.ChannelID())
	s.ElementsMatch([]uint64{5, 6}, sess.Guilds())
	s.True(s.registry.IsActiveChannel(10))
	s.False(s.registry.IsActiveChannel(99))
	s.True(s.dispatcher.Registered("g1"))

	requests, _ := sess.queues()
	s.Equal(2, requests.Len())
}

func (s *OrchestratorSuite) TestConcurrentRunStartsOnce() {
	o := s.newOrchestrator(300 * time.Millisecond)
	_, err := o.Join(context.Background(), JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1}})
	s.Require().NoError(err)

	var (
		started atomic.Int32
		wg      sync.WaitGroup
		gate    = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			if o.Run(context.Background(), "g1") {
				started.Inc()
			}
		}()
	}
	close(gate)
	wg.Wait()

	s.EqualValues(1, started.Load())
	s.False(o.Run(context.Background(), "g1"))
}

func (s *OrchestratorSuite) TestTimeoutClosesOnce() {
	o := s.newOrchestrator(50 * time.Millisecond)
	sess, err := o.Join(context.Background(), JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1}})
	s.Require().NoError(err)

	s.True(s.awaitRun(s.runAsync(o, "g1")))
	s.Equal(ProgressClosed, sess.Progress())

	closed := 0
	for _, c := range s.game.Changes() {
		if c.to == ProgressClosed {
			closed++
		}
	}
	s.Equal(1, closed)
	s.Equal([]progressChange{
		{from: ProgressNotAvailable, to: ProgressStarting},
		{from: ProgressStarting, to: ProgressClosed},
	}, s.game.Changes())

	// 超时后不再创建新的竞争者。
	s.EqualValues(3, o.Racers())
	time.Sleep(150 * time.Millisecond)
	s.EqualValues(3, o.Racers())

	s.Equal(0, s.registry.Len())
	s.False(s.dispatcher.Registered("g1"))
}

func (s *OrchestratorSuite) TestSessionLifecycle() {
	o := s.newOrchestrator(10 * time.Second)
	s.loopback.SetHandler(func(_ context.Context, req backend.Request) []backend.Response {
		if string(req.Payload) == "draw" {
			return []backend.Response{{SessionID: req.SessionID, Payload: []byte("dealer shows 7")}}
		}
		return nil
	})

	ctx := context.Background()
	sess, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 10}})
	s.Require().NoError(err)
	_, err = o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 2, ChannelID: 11}})
	s.Require().NoError(err)

	done := s.runAsync(o, "g1")

	s.NoError(o.Deliver(10, 1, []byte("draw")))
	s.Eventually(func() bool {
		return len(s.game.Progress()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Equal(Progress(10), sess.Progress())

	s.NoError(o.Deliver(11, 2, []byte("close")))
	s.True(s.awaitRun(done))

	s.Equal([]string{"deal", "deal", "draw", "close"}, s.publishedPayloads())
	s.Equal([]string{"dealer shows 7"}, s.game.Progress())
	s.Equal(ProgressClosed, sess.Progress())
	s.ElementsMatch([]uint64{10, 11}, s.cleaner.Deleted())
	s.Equal(0, s.registry.Len())
	s.Equal(0, s.registry.ActiveChannels())
	s.False(s.dispatcher.Registered("g1"))
	s.ErrorIs(o.Deliver(10, 1, []byte("draw")), merr.ErrChannelNotFound)
}

func (s *OrchestratorSuite) TestEndingResultClosesSession() {
	o := s.newOrchestrator(10 * time.Second)
	s.loopback.SetHandler(func(_ context.Context, req backend.Request) []backend.Response {
		if string(req.Payload) == "stand" {
			return []backend.Response{{SessionID: req.SessionID, Payload: []byte(`{"state":"ending"}`)}}
		}
		return nil
	})

	_, err := o.Join(context.Background(), JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 10}})
	s.Require().NoError(err)
	done := s.runAsync(o, "g1")

	s.NoError(o.Deliver(10, 1, []byte("stand")))
	s.True(s.awaitRun(done))
	s.Equal([]string{`{"state":"ending"}`}, s.game.Endings())
	s.Equal([]uint64{10}, s.cleaner.Deleted())
	s.Equal(0, s.registry.Len())
}

func (s *OrchestratorSuite) TestInvalidUTF8ResponseDropped() {
	o := s.newOrchestrator(10 * time.Second)
	sess, err := o.Join(context.Background(), JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1}})
	s.Require().NoError(err)
	_, responses := sess.queues()
	s.NoError(responses.Push([]byte{0xff, 0xfe}))
	s.NoError(responses.Push([]byte("ending")))

	s.True(s.awaitRun(s.runAsync(o, "g1")))
	s.Equal([]string{"ending"}, s.game.Progress())
}

func (s *OrchestratorSuite) TestPanicForcesClose() {
	s.game.panicOn = "explode"
	o := s.newOrchestrator(10 * time.Second)
	sess, err := o.Join(context.Background(), JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 10}})
	s.Require().NoError(err)
	_, responses := sess.queues()
	s.NoError(responses.Push([]byte("explode")))

	s.True(s.awaitRun(s.runAsync(o, "g1")))
	s.Equal(ProgressClosed, sess.Progress())
	s.Equal([]uint64{10}, s.cleaner.Deleted())
	s.Equal(0, s.registry.Len())
}

func (s *OrchestratorSuite) TestCleanupFailureIsBestEffort() {
	s.cleaner.failOn = map[uint64]bool{10: true}
	o := s.newOrchestrator(10 * time.Second)
	ctx := context.Background()
	_, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 10}})
	s.Require().NoError(err)
	_, err = o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 2, ChannelID: 11}})
	s.Require().NoError(err)
	s.NoError(o.Deliver(10, 1, []byte("close")))

	s.True(s.awaitRun(s.runAsync(o, "g1")))
	s.Equal([]uint64{11}, s.cleaner.Deleted())
	s.Equal(0, s.registry.Len())
	s.Equal(0, s.registry.ActiveChannels())
}

func (s *OrchestratorSuite) TestShutdown() {
	o := s.newOrchestrator(time.Minute)
	ctx := context.Background()
	for _, id := range []string{"g1", "g2"} {
		_, err := o.Join(ctx, JoinRequest{SessionID: id, GameType: fakeGameType, Player: PlayerInfo{ID: 1}})
		s.Require().NoError(err)
		s.Require().NoError(o.Launch(id))
	}
	s.Eventually(func() bool {
		running := 0
		s.registry.Range(func(sess *Session) bool {
			if sess.Progress() == ProgressStarting {
				running++
			}
			return true
		})
		return running == 2
	}, 2*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.NoError(o.Shutdown(shutdownCtx))

	s.Equal(0, s.registry.Len())
	s.Empty(s.loopback.Published())
	s.ErrorIs(o.Launch("g3"), merr.ErrServiceUnavailable)
}

func (s *OrchestratorSuite) TestLaunchPoolFull() {
	cfg := DefaultConfig()
	cfg.Grace = 0
	cfg.MaxSessions = 1
	o := NewOrchestrator(cfg, s.registry, NewCatalog(s.game), s.loopback, s.dispatcher, s.cleaner)
	ctx := context.Background()
	_, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 10}})
	s.Require().NoError(err)
	g2, err := o.Join(ctx, JoinRequest{SessionID: "g2", GameType: fakeGameType, Player: PlayerInfo{ID: 2, ChannelID: 20}})
	s.Require().NoError(err)

	s.Require().NoError(o.Launch("g1"))
	s.Eventually(func() bool {
		sess, ok := s.registry.Get("g1")
		return ok && sess.Progress() != ProgressNotAvailable
	}, 2*time.Second, 5*time.Millisecond)

	s.ErrorIs(o.Launch("g2"), merr.ErrServiceTooManyRequests)
	s.Equal(ProgressClosed, g2.Progress())
	s.Eventually(func() bool {
		_, ok := s.registry.Get("g2")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	s.False(s.registry.IsActiveChannel(20))
	s.False(s.dispatcher.Registered("g2"))
	s.Equal([]uint64{20}, s.cleaner.Deleted())
	s.ErrorIs(o.Deliver(20, 2, []byte("draw")), merr.ErrChannelNotFound)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.NoError(o.Shutdown(shutdownCtx))

	s.Equal(0, s.registry.Len())
	s.Equal(0, s.registry.ActiveChannels())
	s.Equal(0, s.dispatcher.Len())
	s.ElementsMatch([]uint64{10, 20}, s.cleaner.Deleted())
}

func (s *OrchestratorSuite) TestShutdownDiscardsIdleSessions() {
	o := s.newOrchestrator(time.Minute)
	ctx := context.Background()
	idle, err := o.Join(ctx, JoinRequest{SessionID: "idle", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 30}})
	s.Require().NoError(err)
	s.True(s.dispatcher.Registered("idle"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.NoError(o.Shutdown(shutdownCtx))

	s.Equal(ProgressClosed, idle.Progress())
	s.Equal(0, s.registry.Len())
	s.False(s.registry.IsActiveChannel(30))
	s.False(s.dispatcher.Registered("idle"))
	s.Equal([]uint64{30}, s.cleaner.Deleted())
	s.Empty(s.loopback.Published())
	s.False(o.Run(ctx, "idle"))

	_, err = o.Join(ctx, JoinRequest{SessionID: "late", GameType: fakeGameType, Player: PlayerInfo{ID: 2, ChannelID: 31}})
	s.ErrorIs(err, merr.ErrServiceUnavailable)
	s.Equal(0, s.registry.Len())
}

func (s *OrchestratorSuite) TestJoinRacingCloseLeavesNoBinding() {
	o := s.newOrchestrator(time.Minute)
	ctx := context.Background()
	_, err := o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1, ChannelID: 100}})
	s.Require().NoError(err)
	done := s.runAsync(o, "g1")

	const joiners = 32
	var wg sync.WaitGroup
	for i := 1; i <= joiners; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			_, _ = o.Join(ctx, JoinRequest{SessionID: "g1", GameType: fakeGameType, Player: PlayerInfo{ID: 1 + id, ChannelID: 100 + id}})
		}(uint64(i))
		if i == joiners/2 {
			s.NoError(o.Deliver(100, 1, []byte("close")))
		}
	}
	wg.Wait()
	s.True(s.awaitRun(done))

	for ch := uint64(100); ch <= 100+joiners; ch++ {
		if binding, ok := s.registry.ChannelBinding(ch); ok {
			_, live := s.registry.Get(binding.SessionID)
			s.True(live, "channel %d bound to removed session", ch)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.NoError(o.Shutdown(shutdownCtx))
	s.Equal(0, s.registry.Len())
	s.Equal(0, s.registry.ActiveChannels())
}

func (s *OrchestratorSuite) TestRunUnknownSession() {
	o := s.newOrchestrator(time.Minute)
	s.False(o.Run(context.Background(), "missing"))
	s.Equal(0, s.registry.Len())
	s.ErrorIs(o.Deliver(42, 1, []byte("draw")), merr.ErrChannelNotFound)
}

func TestOrchestrator(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}
