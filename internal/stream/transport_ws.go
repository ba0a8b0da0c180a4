package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsTransport 基于 gorilla/websocket 的传输层。
// 一个读 goroutine（解析+路由都在这里执行），一个写 goroutine 消费有界发送队列，一个心跳 goroutine。
type wsTransport struct {
	opts  TransportOptions
	hooks TransportHooks
	log   zerolog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	open    bool
	closing bool

	sendCh    chan []byte
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWSTransport 默认的 TransportFactory
func NewWSTransport(opts TransportOptions, hooks TransportHooks) Transport {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	return &wsTransport{
		opts:   opts,
		hooks:  hooks,
		log:    opts.Logger,
		sendCh: make(chan []byte, opts.SendQueueSize),
		done:   make(chan struct{}),
	}
}

// Open 拨号并完成握手，返回后会话即可读写
func (t *wsTransport) Open(ctx context.Context, endpoint Endpoint, timeout time.Duration) error {
	t.mu.Lock()
	if t.conn != nil || t.closing {
		t.mu.Unlock()
		return &ConnectError{URL: endpoint.String(), Op: "dial", Err: ErrClosed}
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  timeout,
		EnableCompression: t.opts.Compression,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.log.Info().Str("url", endpoint.String()).Bool("compression", t.opts.Compression).Msg("正在连接 WebSocket")
	conn, resp, err := dialer.DialContext(dialCtx, endpoint.String(), t.opts.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return &ConnectError{
				URL: endpoint.String(),
				Op:  "handshake",
				Err: fmt.Errorf("%s - %s: %w", resp.Status, strings.TrimSpace(string(body)), err),
			}
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return &ConnectError{
				URL: endpoint.String(),
				Op:  "dial",
				Err: fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err),
			}
		}
		return &ConnectError{URL: endpoint.String(), Op: "dial", Err: err}
	}

	if t.opts.MaxFramePayload > 0 {
		conn.SetReadLimit(t.opts.MaxFramePayload)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.opts.WriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	t.mu.Lock()
	if t.closing {
		// 握手期间被 Close
		t.mu.Unlock()
		_ = conn.Close()
		return &ConnectError{URL: endpoint.String(), Op: "handshake", Err: ErrClosed}
	}
	t.conn = conn
	t.open = true
	t.mu.Unlock()

	if t.hooks.OnOpen != nil {
		t.hooks.OnOpen()
	}

	t.wg.Add(2)
	go t.readLoop(conn)
	go t.writeLoop(conn)
	if t.opts.PingInterval > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop(conn)
	}
	return nil
}

// Write 放入发送队列，不等待真正写出
func (t *wsTransport) Write(payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.open {
		return ErrNotConnected
	}
	select {
	case t.sendCh <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close 发送关闭帧，关闭连接并等待后台 goroutine 退出
func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.closing = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.opts.WriteWait),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.log.Debug().Err(err).Msg("发送关闭帧失败")
	}
	_ = conn.Close()
	t.wg.Wait()
	return nil
}

// IsOpen 会话是否可用
func (t *wsTransport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.finish(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))

		if t.hooks.OnMessage != nil {
			t.hooks.OnMessage(message)
		}
	}
}

func (t *wsTransport) writeLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case payload := <-t.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				t.log.Warn().Err(err).Msg("WebSocket 写入失败，关闭会话")
				_ = conn.Close()
				return
			}
		}
	}
}

// heartbeatLoop 定期发送 ping，失败时关闭连接让读循环退出
func (t *wsTransport) heartbeatLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteWait)); err != nil {
				t.log.Warn().Err(err).Msg("WebSocket 心跳失败")
				_ = conn.Close()
				return
			}
		}
	}
}

// finish 读循环退出时调用一次：标记不可用、停止写/心跳，并上报关闭事件
func (t *wsTransport) finish(conn *websocket.Conn, cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.open = false
		closing := t.closing
		t.mu.Unlock()

		close(t.done)
		_ = conn.Close()

		clean := closing || websocket.IsCloseError(cause, websocket.CloseNormalClosure)
		if t.hooks.OnClose != nil {
			t.hooks.OnClose(clean, cause)
		}
	})
}
