package relay

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-garden-relay/internal/backend"
)

type RouterSuite struct {
	suite.Suite

	dispatcher *backend.Dispatcher
	loopback   *backend.Loopback
	router     *Router
	game       *fakeGame
	session    *Session
}

func (s *RouterSuite) SetupTest() {
	s.dispatcher = backend.NewDispatcher(backend.JSONCodec{})
	s.loopback = backend.NewLoopback(s.dispatcher)
	s.router = NewRouter(s.loopback, "__shutdown__", 3)
	s.router.retrySleep = 0
	s.game = newFakeGame()
	s.session = newSession("g1")
	s.session.bindGame(fakeGameType)
}

func (s *RouterSuite) TestMatchRequestType() {
	token, ok := MatchRequestType(s.game, []byte(`{"action":"draw"}`))
	s.True(ok)
	s.Equal(RequestType("draw"), token)

	// 多个符号同时出现时按声明顺序取第一个。
	token, ok = MatchRequestType(s.game, []byte("stand then draw"))
	s.True(ok)
	s.Equal(RequestType("draw"), token)

	_, ok = MatchRequestType(s.game, []byte("hello"))
	s.False(ok)
}

func (s *RouterSuite) TestForward() {
	outcome := s.router.Route(context.Background(), s.session, s.game, Message{PlayerID: 7, Payload: []byte("draw")})
	s.Equal(RouteContinue, outcome)

	published := s.loopback.Published()
	s.Require().Len(published, 1)
	s.Equal(backend.Request{SessionID: "g1", GameType: fakeGameType, PlayerID: 7, Payload: []byte("draw")}, published[0])
	s.Equal(ProgressNotAvailable, s.session.Progress())
}

func (s *RouterSuite) TestUnrecognizedDropped() {
	outcome := s.router.Route(context.Background(), s.session, s.game, Message{PlayerID: 7, Payload: []byte("hello there")})
	s.Equal(RouteContinue, outcome)
	s.Empty(s.loopback.Published())
}

func (s *RouterSuite) TestCloseRequest() {
	outcome := s.router.Route(context.Background(), s.session, s.game, Message{PlayerID: 7, Payload: []byte("close")})
	s.Equal(RouteClose, outcome)
	s.Equal(ProgressClosed, s.session.Progress())
	s.Len(s.loopback.Published(), 1)
}

func (s *RouterSuite) TestShutdownSentinelNeverForwarded() {
	outcome := s.router.Route(context.Background(), s.session, s.game, Message{PlayerID: SystemPlayerID, Payload: []byte("__shutdown__")})
	s.Equal(RouteShutdown, outcome)
	s.Equal(ProgressClosed, s.session.Progress())
	s.Empty(s.loopback.Published())

	// 普通玩家发送相同内容不会触发关闭。
	other := newSession("g2")
	outcome = s.router.Route(context.Background(), other, s.game, Message{PlayerID: 7, Payload: []byte("__shutdown__")})
	s.Equal(RouteContinue, outcome)
	s.Equal(ProgressNotAvailable, other.Progress())
}

func (s *RouterSuite) TestPublishRetry() {
	s.loopback.FailNext(2, errors.New("broker hiccup"))
	outcome := s.router.Route(context.Background(), s.session, s.game, Message{PlayerID: 7, Payload: []byte("draw")})
	s.Equal(RouteContinue, outcome)
	s.Len(s.loopback.Published(), 1)
}

func (s *RouterSuite) TestPublishFailureKeepsSession() {
	s.loopback.FailNext(5, errors.New("broker down"))
	outcome := s.router.Route(context.Background(), s.session, s.game, Message{PlayerID: 7, Payload: []byte("stand")})
	s.Equal(RouteContinue, outcome)
	s.Empty(s.loopback.Published())
	s.Equal(ProgressNotAvailable, s.session.Progress())
}

func (s *RouterSuite) TestOutcomeString() {
	s.Equal("continue", RouteContinue.String())
	s.Equal("close", RouteClose.String())
	s.Equal("shutdown", RouteShutdown.String())
	s.Equal("unknown", RouteOutcome(9).String())
}

func TestRouter(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}
