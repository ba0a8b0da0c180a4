package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connection 连接管理：持有当前传输会话，是 "链路是否可用" 的唯一来源。
// 每次 connect 生成新的 generation，旧会话的回调一律忽略。
type connection struct {
	name    string
	rawURL  string
	opts    Options
	factory TransportFactory
	log     zerolog.Logger
	obs     Observer

	onMessage         func(payload []byte)
	onUnexpectedClose func(gen uint64)

	connectMu sync.Mutex // 串行化 connect / disconnect

	mu        sync.RWMutex
	state     ConnectionState
	transport Transport
	gen       uint64
	sessionID string

	compression atomic.Bool
	lastMessage atomic.Int64
}

func newConnection(name, rawURL string, opts Options, factory TransportFactory, logger zerolog.Logger, obs Observer) *connection {
	c := &connection{
		name:    name,
		rawURL:  rawURL,
		opts:    opts,
		factory: factory,
		log:     logger,
		obs:     obs,
	}
	c.compression.Store(opts.Compression)
	return c
}

// connect 建立一个会话；已连接时直接返回。
// abort 在拿到 connectMu 后检查，用于丢弃已被主动断开作废的重连。
func (c *connection) connect(ctx context.Context, abort func() bool) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	endpoint, err := ParseEndpoint(c.rawURL)
	if err != nil {
		c.obs.Connected(c.name, err)
		return err
	}
	if abort != nil && abort() {
		return &ConnectError{URL: endpoint.String(), Op: "dial", Err: ErrClosed}
	}

	c.mu.Lock()
	if c.state == StateConnected && c.transport != nil && c.transport.IsOpen() {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	sessionID := uuid.NewString()
	logger := c.log.With().Str("session", sessionID).Uint64("gen", gen).Logger()
	t := c.factory(TransportOptions{
		Compression:     c.compression.Load(),
		MaxFramePayload: c.opts.MaxFramePayload,
		PingInterval:    c.opts.PingInterval,
		PongWait:        c.opts.PongWait,
		WriteWait:       c.opts.WriteWait,
		SendQueueSize:   c.opts.SendQueueSize,
		Header:          c.opts.Header,
		Logger:          logger,
	}, TransportHooks{
		// 新会话从握手完成开始计算空闲时间
		OnOpen:    func() { c.lastMessage.Store(time.Now().UnixNano()) },
		OnMessage: func(payload []byte) { c.handleMessage(payload) },
		OnClose:   func(clean bool, err error) { c.handleClose(gen, clean, err) },
	})
	c.transport = t
	c.sessionID = sessionID
	c.mu.Unlock()

	if err := t.Open(ctx, endpoint, c.opts.ConnectTimeout); err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
			c.transport = nil
		}
		c.mu.Unlock()

		var cerr *ConnectError
		if !errors.As(err, &cerr) {
			err = &ConnectError{URL: endpoint.String(), Op: "dial", Err: err}
		}
		c.obs.Connected(c.name, err)
		logger.Warn().Err(err).Msg("WebSocket 连接失败")
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.transport != t {
		// 握手刚完成会话就被关闭了
		c.mu.Unlock()
		err := &ConnectError{URL: endpoint.String(), Op: "handshake", Err: ErrClosed}
		c.obs.Connected(c.name, err)
		return err
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.obs.Connected(c.name, nil)
	logger.Info().Str("url", endpoint.String()).Msg("WebSocket 已连接")
	return nil
}

// disconnect 标记为主动关闭后关闭会话，始终成功
func (c *connection) disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	t := c.transport
	if t != nil {
		c.state = StateManualClosing
	}
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			c.log.Warn().Err(err).Msg("关闭 WebSocket 会话失败")
		}
	}

	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
}

// forceClose 不标记主动关闭直接断开，按意外断开处理并进入重连流程。
// Close 要等读 goroutine 退出，而读 goroutine 可能阻塞在慢消费者的投递上，所以在后台关闭。
func (c *connection) forceClose() bool {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return false
	}
	go func() {
		if err := t.Close(); err != nil {
			c.log.Warn().Err(err).Msg("关闭 WebSocket 会话失败")
		}
	}()
	return true
}

// send 尽力发送，成功时返回写入的会话 generation；调用方决定如何记录失败
func (c *connection) send(payload []byte) (uint64, error) {
	c.mu.RLock()
	t := c.transport
	state := c.state
	gen := c.gen
	c.mu.RUnlock()

	if t == nil || state != StateConnected || !t.IsOpen() {
		return 0, ErrNotConnected
	}
	if err := t.Write(payload); err != nil {
		return 0, err
	}
	return gen, nil
}

func (c *connection) isOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected && c.transport != nil && c.transport.IsOpen()
}

func (c *connection) snapshot() (ConnectionState, string, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.sessionID, c.gen
}

func (c *connection) lastMessageAt() time.Time {
	ns := c.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *connection) handleMessage(payload []byte) {
	c.lastMessage.Store(time.Now().UnixNano())
	c.obs.BytesReceived(c.name, len(payload))
	if c.onMessage != nil {
		c.onMessage(payload)
	}
}

// handleClose 会话关闭回调：主动关闭只更新状态，其他情况通知重连控制
func (c *connection) handleClose(gen uint64, clean bool, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.log.Debug().Uint64("gen", gen).Msg("忽略过期会话的关闭事件")
		return
	}
	manual := c.state == StateManualClosing
	c.state = StateDisconnected
	c.transport = nil
	c.mu.Unlock()

	c.obs.Disconnected(c.name, manual)
	if manual {
		c.log.Info().Uint64("gen", gen).Msg("WebSocket 已主动断开")
		return
	}

	c.log.Warn().Err(err).Bool("clean", clean).Uint64("gen", gen).Msg("WebSocket 被对端关闭")
	if c.onUnexpectedClose != nil {
		c.onUnexpectedClose(gen)
	}
}
