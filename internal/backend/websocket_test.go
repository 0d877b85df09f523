package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// echoEngine 是一个最小的后端：把每条请求的 payload 加上前缀回推给同一会话。
type echoEngine struct {
	codec    Codec
	upgrader websocket.Upgrader
	token    string

	mu    sync.Mutex
	conns []*websocket.Conn
}

// dropAll 断开所有已升级的连接，模拟后端重启。
func (e *echoEngine) dropAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		_ = c.Close()
	}
	e.conns = nil
}

func (e *echoEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.token != "" && r.Header.Get("Authorization") != e.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	e.mu.Lock()
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := e.codec.DecodeRequest(data)
		if err != nil {
			continue
		}
		frame, err := e.codec.EncodeResponse(Response{SessionID: req.SessionID, Payload: append([]byte("echo:"), req.Payload...)})
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

type WebSocketSuite struct {
	suite.Suite

	engine     *echoEngine
	server     *httptest.Server
	dispatcher *Dispatcher
	transport  *WebSocketTransport
	runDone    chan error
}

func (s *WebSocketSuite) SetupTest() {
	s.engine = &echoEngine{codec: JSONCodec{}, token: "secret"}
	s.server = httptest.NewServer(s.engine)
	s.dispatcher = NewDispatcher(JSONCodec{})

	opts := DefaultWebSocketOptions()
	opts.URL = "ws" + strings.TrimPrefix(s.server.URL, "http")
	opts.Headers = map[string]string{"Authorization": "secret"}
	opts.Reconnect = ReconnectOptions{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	s.transport = NewWebSocketTransport(opts, s.dispatcher)

	s.runDone = make(chan error, 1)
	go func() {
		s.runDone <- s.transport.Run(context.Background())
	}()
	s.Eventually(s.transport.Connected, 2*time.Second, 5*time.Millisecond)
}

func (s *WebSocketSuite) TearDownTest() {
	s.NoError(s.transport.Close())
	select {
	case err := <-s.runDone:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("websocket transport did not stop")
	}
	s.server.Close()
}

func (s *WebSocketSuite) TestRoundTrip() {
	sink := &recordingSink{}
	s.dispatcher.Register("g1", sink)

	s.NoError(s.transport.Publish(context.Background(), Request{SessionID: "g1", GameType: "blackjack", PlayerID: 7, Payload: []byte("draw")}))
	s.Eventually(func() bool {
		return len(sink.Payloads()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Equal([]string{"echo:draw"}, sink.Payloads())
}

func (s *WebSocketSuite) TestReconnect() {
	reconnects := testutil.ToFloat64(metrics.BackendReconnects.WithLabelValues(DriverWebSocket))
	s.engine.dropAll()
	s.Eventually(func() bool {
		return testutil.ToFloat64(metrics.BackendReconnects.WithLabelValues(DriverWebSocket)) > reconnects
	}, 2*time.Second, 5*time.Millisecond)
	s.Eventually(s.transport.Connected, 2*time.Second, 5*time.Millisecond)

	sink := &recordingSink{}
	s.dispatcher.Register("g2", sink)
	s.Eventually(func() bool {
		_ = s.transport.Publish(context.Background(), Request{SessionID: "g2", Payload: []byte("stand")})
		time.Sleep(20 * time.Millisecond)
		return len(sink.Payloads()) > 0
	}, 3*time.Second, 10*time.Millisecond)
	s.Equal("echo:stand", sink.Payloads()[0])
}

func TestWebSocket(t *testing.T) {
	suite.Run(t, new(WebSocketSuite))
}

func TestWebSocketNotConnected(t *testing.T) {
	tr := NewWebSocketTransport(WebSocketOptions{URL: "ws://127.0.0.1:1/relay"}, NewDispatcher(nil))
	err := tr.Publish(context.Background(), Request{SessionID: "g1"})
	if !merr.IsRetryableErr(err) {
		t.Fatalf("expected retryable backend error, got %v", err)
	}
}
