package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw    string
		host   string
		secure bool
		err    error
	}{
		{raw: "ws://ws.gate.io/v3/", host: "ws.gate.io:80"},
		{raw: "wss://ws.gate.io/v3/", host: "ws.gate.io:443", secure: true},
		{raw: "wss://ws.gate.io:8443/v3/", host: "ws.gate.io:8443", secure: true},
		{raw: "WS://localhost:9000", host: "localhost:9000"},
		{raw: "//ws.gate.io/v3/", host: "ws.gate.io:80"},
		{raw: "https://ws.gate.io/v3/", err: ErrUnsupportedScheme},
		{raw: "wss:///v3/", err: ErrMissingHost},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.raw)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("%s: expected %v, got %v", tc.raw, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.raw, err)
			continue
		}
		if ep.URL.Host != tc.host || ep.Secure != tc.secure {
			t.Errorf("%s: got host=%s secure=%v", tc.raw, ep.URL.Host, ep.Secure)
		}
	}
}

// echoServer 测试用 WebSocket 服务端：收到 "sub:<ch>" 后推送一条 "<ch>|hello"，收到 "kick" 时主动断开
type echoServer struct {
	*httptest.Server

	mu       sync.Mutex
	received []string
	conns    int
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	upgrader := websocket.Upgrader{EnableCompression: true}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		es.mu.Lock()
		es.conns++
		es.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			text := string(msg)
			es.mu.Lock()
			es.received = append(es.received, text)
			es.mu.Unlock()

			switch {
			case text == "kick":
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
				return
			case strings.HasPrefix(text, "sub:"):
				ch := strings.TrimPrefix(text, "sub:")
				_ = conn.WriteMessage(websocket.TextMessage, []byte(ch+"|hello"))
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(es.URL, "http")
}

func (es *echoServer) count(msg string) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return count(es.received, msg)
}

func (es *echoServer) connections() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.conns
}

func TestWSTransportEndToEnd(t *testing.T) {
	es := newEchoServer(t)
	opts := DefaultOptions()
	opts.ReconnectDelay = 20 * time.Millisecond
	s, err := New[fakeMsg]("ws", es.wsURL(), &fakeCodec{}, WithOptions(opts))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Disconnect(context.Background())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	st, err := s.Subscribe("trades")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if ev := recv(t, st); ev.Msg.Data != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if s.LastMessageAt().IsZero() || s.Stats().SessionID == "" {
		t.Fatalf("stats not populated: %+v", s.Stats())
	}

	// 服务端主动断开 -> 自动重连并重放订阅
	s.Send([]byte("kick"))
	if ev := recv(t, st); ev.Msg.Data != "hello" {
		t.Fatalf("expected replayed subscription to produce a message: %+v", ev)
	}
	waitFor(t, time.Second, func() bool { return es.count("sub:trades") == 2 }, "replayed subscribe")
	if es.connections() != 2 {
		t.Fatalf("expected 2 connections, got %d", es.connections())
	}
}

func TestWSTransportManualClose(t *testing.T) {
	es := newEchoServer(t)
	s, err := New[fakeMsg]("ws", es.wsURL(), &fakeCodec{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if s.IsOpen() {
		t.Fatalf("should be closed")
	}
	if s.Stats().ReconnectState != ReconnectIdle {
		t.Fatalf("manual close must not start a reconnect")
	}
	// 未连接时再次断开也成功
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
}

func TestWSTransportHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := New[fakeMsg]("ws", "ws"+strings.TrimPrefix(srv.URL, "http"), &fakeCodec{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = s.Connect(context.Background())
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Op != "handshake" {
		t.Fatalf("expected handshake ConnectError, got %v", err)
	}
}

func TestWSTransportWriteWhenClosed(t *testing.T) {
	tr := NewWSTransport(TransportOptions{}, TransportHooks{})
	if err := tr.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close on unopened transport: %v", err)
	}
}

func TestForceReconnectWithSlowListener(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if ch, ok := strings.CutPrefix(string(msg), "sub:"); ok {
				for i := 0; i < 16; i++ {
					if conn.WriteMessage(websocket.TextMessage, []byte(ch+"|"+strconv.Itoa(i))) != nil {
						return
					}
				}
			}
		}
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.StreamBuffer = 1
	s, err := New[fakeMsg]("ws", "ws"+strings.TrimPrefix(srv.URL, "http"), &fakeCodec{}, WithOptions(opts))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// 监听者不读取，读 goroutine 阻塞在投递上
	st, err := s.Subscribe("trades")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(st.Events()) == 1 }, "listener buffer full")
	time.Sleep(20 * time.Millisecond)

	done := make(chan bool, 1)
	go func() { done <- s.ForceReconnect("ws_stale") }()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected an open session to close")
		}
	case <-time.After(time.Second):
		t.Fatalf("ForceReconnect blocked on a slow listener")
	}

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
}
