package session_test

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/smstool/gateway/internal/backoff"
	"github.com/smstool/gateway/internal/protocol"
	"github.com/smstool/gateway/internal/session"
)

// handlerStub records session lifecycle callbacks.
type handlerStub struct {
	mu       sync.Mutex
	opened   int
	closed   int
	failed   int
	messages [][]byte
}

func (h *handlerStub) OnOpened() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened++
}

func (h *handlerStub) OnMessage(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, append([]byte(nil), data...))
}

func (h *handlerStub) OnClosed(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *handlerStub) OnFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed++
}

func (h *handlerStub) counts() (opened, closed, failed, messages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened, h.closed, h.failed, len(h.messages)
}

// wsServer is a minimal controller-side websocket endpoint.
type wsServer struct {
	srv    *httptest.Server
	frames chan []byte

	mu    sync.Mutex
	conns []net.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan []byte, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go func() {
			for {
				data, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				s.frames <- data
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) latestConn(t *testing.T) net.Conn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection")
	}
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) sendText(t *testing.T, data []byte) {
	t.Helper()
	if err := wsutil.WriteServerText(s.latestConn(t), data); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func (s *wsServer) dropLatest(t *testing.T) {
	t.Helper()
	_ = s.latestConn(t).Close()
}

func (s *wsServer) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-s.frames:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newEngine(t *testing.T, endpoint string, handler session.Handler) *session.Engine {
	t.Helper()
	e, err := session.New(session.Config{
		Endpoint:    endpoint,
		DialTimeout: time.Second,
		Policy:      backoff.NewPolicy(10*time.Millisecond, 40*time.Millisecond, 0),
	}, handler, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"example.com", "ws://example.com/ws"},
		{"example.com/", "ws://example.com/ws"},
		{"ws://example.com/ws", "ws://example.com/ws"},
		{"wss://controller.example.com", "wss://controller.example.com/ws"},
		{"  example.com:8080  ", "ws://example.com:8080/ws"},
	}
	for _, tc := range cases {
		if got := session.NormalizeEndpoint(tc.in); got != tc.want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestConnectAndExchangeFrames(t *testing.T) {
	srv := newWSServer(t)
	handler := &handlerStub{}
	engine := newEngine(t, srv.endpoint(), handler)

	engine.Connect()
	waitFor(t, "open", func() bool {
		opened, _, _, _ := handler.counts()
		return opened == 1
	})
	if !engine.Connected() {
		t.Fatal("engine should report connected")
	}

	if err := engine.Send(protocol.NewPong("abc", time.Now())); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(srv.nextFrame(t), &frame); err != nil {
		t.Fatalf("client frame is not valid JSON: %v", err)
	}
	if frame["type"] != "pong" || frame["ping_message_id"] != "abc" {
		t.Errorf("unexpected frame: %v", frame)
	}

	srv.sendText(t, []byte(`{"type":"ping","message_id":"p-1"}`))
	waitFor(t, "inbound message", func() bool {
		_, _, _, messages := handler.counts()
		return messages == 1
	})
}

func TestSendWithoutConnection(t *testing.T) {
	engine := newEngine(t, "example.com", &handlerStub{})
	err := engine.Send(protocol.NewPong("abc", time.Now()))
	if !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	srv := newWSServer(t)
	handler := &handlerStub{}
	engine := newEngine(t, srv.endpoint(), handler)

	engine.Connect()
	waitFor(t, "first open", func() bool {
		opened, _, _, _ := handler.counts()
		return opened == 1
	})

	srv.dropLatest(t)

	waitFor(t, "reconnect", func() bool {
		opened, closed, _, _ := handler.counts()
		return closed >= 1 && opened == 2
	})
	if !engine.Connected() {
		t.Error("engine should be connected again")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	srv := newWSServer(t)
	handler := &handlerStub{}
	engine := newEngine(t, srv.endpoint(), handler)

	engine.Connect()
	waitFor(t, "open", func() bool {
		opened, _, _, _ := handler.counts()
		return opened == 1
	})

	engine.Disconnect()
	if engine.Connected() {
		t.Error("engine should be disconnected")
	}

	// Well past the reconnect delay: no new connection, no closed callback
	// for a manual disconnect.
	time.Sleep(80 * time.Millisecond)
	opened, closed, _, _ := handler.counts()
	if opened != 1 || closed != 0 {
		t.Errorf("opened=%d closed=%d after manual disconnect", opened, closed)
	}

	// The engine stays usable.
	engine.Connect()
	waitFor(t, "second open", func() bool {
		opened, _, _, _ := handler.counts()
		return opened == 2
	})
}

func TestDialFailureRetriesWithBackoff(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	handler := &handlerStub{}
	engine := newEngine(t, addr, handler)

	engine.Connect()
	waitFor(t, "repeated dial failures", func() bool {
		_, _, failed, _ := handler.counts()
		return failed >= 2
	})
	engine.Close()
}

func TestCloseIsPermanent(t *testing.T) {
	srv := newWSServer(t)
	handler := &handlerStub{}
	engine := newEngine(t, srv.endpoint(), handler)

	engine.Connect()
	waitFor(t, "open", func() bool {
		opened, _, _, _ := handler.counts()
		return opened == 1
	})

	engine.Close()
	if engine.Connected() {
		t.Error("engine should be disconnected after close")
	}

	engine.Connect()
	time.Sleep(50 * time.Millisecond)
	opened, _, _, _ := handler.counts()
	if opened != 1 {
		t.Errorf("opened=%d, connect after close must be a no-op", opened)
	}
}
