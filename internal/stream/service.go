package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newplayman/market-stream/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BudgetKeyPrefix 重连预算在共享存储中的 key 前缀，后接客户端名称
const BudgetKeyPrefix = "RetryWithDelay_"

// Service 一条 WebSocket 连接上的流式客户端
type Service[T any] struct {
	name  string
	codec Codec[T]
	opts  Options
	log   zerolog.Logger
	obs   Observer

	signer Signer
	nonces NonceSource
	policy ReplayPolicy

	conn      *connection
	registry  *Registry[T]
	router    *Router[T]
	acks      *ackWaiter
	reconnect *reconnector
	limiter   *replayLimiter

	correlateAuth bool
	manual        atomic.Bool
	resubMu       sync.Mutex

	authMu sync.Mutex
	authed map[string]uint64 // 凭证 -> 最近一次鉴权所在的会话 generation
}

type settings struct {
	opts    Options
	logger  *zerolog.Logger
	obs     Observer
	budget  RetryBudget
	factory TransportFactory
	signer  Signer
	nonces  NonceSource
	policy  *ReplayPolicy
}

// Option 构造参数
type Option func(*settings)

// WithLogger 指定日志，默认使用全局 log.Logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = &l }
}

// WithObserver 指标上报
func WithObserver(obs Observer) Option {
	return func(s *settings) { s.obs = obs }
}

// WithBudget 共享重连预算，默认进程内存储
func WithBudget(b RetryBudget) Option {
	return func(s *settings) { s.budget = b }
}

// WithTransportFactory 替换传输层（测试用）
func WithTransportFactory(f TransportFactory) Option {
	return func(s *settings) { s.factory = f }
}

func WithSigner(signer Signer) Option {
	return func(s *settings) { s.signer = signer }
}

func WithNonceSource(n NonceSource) Option {
	return func(s *settings) { s.nonces = n }
}

func WithReplayPolicy(p ReplayPolicy) Option {
	return func(s *settings) { s.policy = &p }
}

// WithOptions 连接参数，未设置的字段使用默认值
func WithOptions(o Options) Option {
	return func(s *settings) { s.opts = o }
}

// New 创建客户端，地址非法时返回 ConnectError
func New[T any](name, url string, codec Codec[T], opts ...Option) (*Service[T], error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	if _, err := ParseEndpoint(url); err != nil {
		return nil, err
	}

	cfg := settings{opts: DefaultOptions()}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.opts.normalize()

	logger := log.Logger
	if cfg.logger != nil {
		logger = *cfg.logger
	}
	logger = logger.With().Str("client", name).Logger()
	if cfg.obs == nil {
		cfg.obs = nopObserver{}
	}
	if cfg.budget == nil {
		cfg.budget = store.NewBudget(store.NewMemoryStore(), store.DefaultBudgetConfig())
	}
	if cfg.factory == nil {
		cfg.factory = NewWSTransport
	}
	if cfg.signer == nil {
		cfg.signer = HMACSigner{}
	}
	if cfg.nonces == nil {
		cfg.nonces = NewMillisNonce()
	}
	policy := DefaultReplayPolicy()
	if cfg.policy != nil {
		policy = *cfg.policy
	}
	policy.normalize()

	s := &Service[T]{
		name:    name,
		codec:   codec,
		opts:    cfg.opts,
		log:     logger,
		obs:     cfg.obs,
		signer:  cfg.signer,
		nonces:  cfg.nonces,
		policy:  policy,
		acks:    newAckWaiter(),
		authed:  make(map[string]uint64),
		limiter: newReplayLimiter(cfg.opts.ReplayRate, cfg.opts.ReplayBurst),
	}
	_, s.correlateAuth = any(codec).(AuthAckDecoder[T])

	s.registry = NewRegistry[T](cfg.opts.StreamBuffer, s.activate, s.deactivate)
	s.registry.onChange = func(n int) { s.obs.Subscriptions(s.name, n) }
	s.router = NewRouter[T](name, codec, s.registry, s.acks, logger, s.obs)

	s.conn = newConnection(name, url, cfg.opts, cfg.factory, logger, s.obs)
	s.conn.onMessage = s.router.HandleRaw

	s.reconnect = &reconnector{
		name:        name,
		key:         BudgetKeyPrefix + name,
		budget:      cfg.budget,
		delay:       cfg.opts.ReconnectDelay,
		log:         logger,
		obs:         s.obs,
		connect:     func(ctx context.Context) error { return s.conn.connect(ctx, s.manual.Load) },
		resubscribe: s.ResubscribeAll,
		suppressed:  s.manual.Load,
	}
	s.conn.onUnexpectedClose = s.reconnect.onUnexpectedClose
	return s, nil
}

// Name 客户端名称，也用于重连预算的 key
func (s *Service[T]) Name() string { return s.name }

// Connect 建立连接，握手完成后返回
func (s *Service[T]) Connect(ctx context.Context) error {
	s.manual.Store(false)
	return s.conn.connect(ctx, nil)
}

// Disconnect 主动断开：作废待执行的重连，关闭会话并关闭全部监听者（不发送退订）。
// ctx 结束时提前返回，清理在后台继续完成。
func (s *Service[T]) Disconnect(ctx context.Context) error {
	s.manual.Store(true)
	s.reconnect.cancel()
	// 先关闭监听者，读 goroutine 阻塞在投递上时也能退出
	s.registry.Clear()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.conn.disconnect()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 订阅频道。未连接时返回 ErrNotConnected；同一频道重复订阅共享一个线上订阅。
// 私有频道首次订阅前先用其凭证鉴权（本会话已鉴权过的凭证不重复发送），最多等待 AuthAckTimeout。
func (s *Service[T]) Subscribe(channel string, args ...any) (*Stream[T], error) {
	if !s.conn.isOpen() {
		return nil, ErrNotConnected
	}
	id := s.codec.SubscriptionID(channel, args)
	sub := Subscription{ID: id, Channel: channel, Args: args}
	if s.policy.private(sub) && !s.registry.Has(id) {
		s.authorize(context.Background(), sub)
	}
	st, err := s.registry.Subscribe(id, channel, args)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Unsubscribe 退订频道并关闭其全部监听者
func (s *Service[T]) Unsubscribe(channelID string) {
	if !s.registry.Unsubscribe(channelID) {
		s.log.Debug().Str("channel", channelID).Msg("频道未订阅，忽略退订")
	}
}

// Send 尽力发送原始报文，失败只记录日志
func (s *Service[T]) Send(payload []byte) {
	_, _ = s.send(payload, "send")
}

// IsOpen 连接当前是否可用
func (s *Service[T]) IsOpen() bool {
	return s.conn.isOpen()
}

// UseCompressedMessages 是否启用 permessage-deflate，下次连接生效
func (s *Service[T]) UseCompressedMessages(enabled bool) {
	s.conn.compression.Store(enabled)
}

// Stats 运行状态快照
func (s *Service[T]) Stats() Stats {
	state, session, gen := s.conn.snapshot()
	return Stats{
		Name:           s.name,
		State:          state,
		ReconnectState: s.reconnect.current(),
		SessionID:      session,
		Generation:     gen,
		Subscriptions:  s.registry.Len(),
		Reconnects:     s.reconnect.attempts.Load(),
		LastMessageAt:  s.conn.lastMessageAt(),
	}
}

// LastMessageAt 最近一次收到入站帧的时间
func (s *Service[T]) LastMessageAt() time.Time {
	return s.conn.lastMessageAt()
}

// ForceReconnect 以意外断开的方式关闭当前会话，走正常的重连流程。
// 会话在后台关闭，不等待读 goroutine 退出；返回 false 表示没有可关闭的会话或已主动断开。
func (s *Service[T]) ForceReconnect(reason string) bool {
	if s.manual.Load() {
		return false
	}
	s.log.Warn().Str("reason", reason).Msg("强制重连")
	return s.conn.forceClose()
}

// activate 背压导致的跳过不回滚订阅，generation 返回 0，下次重放时补发
func (s *Service[T]) activate(sub Subscription) (uint64, error) {
	payload, err := s.codec.BuildSubscribe(sub.Channel, sub.Args)
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("channel", sub.ID).Msg("订阅频道")
	gen, err := s.send(payload, "subscribe")
	if errors.Is(err, ErrNotConnected) {
		return 0, err
	}
	return gen, nil
}

func (s *Service[T]) deactivate(channelID string) {
	payload, err := s.codec.BuildUnsubscribe(channelID)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channelID).Msg("构造退订报文失败")
		return
	}
	s.log.Info().Str("channel", channelID).Msg("退订频道")
	_, _ = s.send(payload, "unsubscribe")
}

// send 发送失败记录为 SendSkipped
func (s *Service[T]) send(payload []byte, op string) (uint64, error) {
	gen, err := s.conn.send(payload)
	if err == nil {
		return gen, nil
	}
	reason := "error"
	switch {
	case errors.Is(err, ErrNotConnected):
		reason = "not_connected"
	case errors.Is(err, ErrBackpressure):
		reason = "backpressure"
	}
	s.obs.SendSkipped(s.name, reason)
	s.log.Warn().Err(err).Str("op", op).Str("reason", reason).Msg("WebSocket 不可写，跳过发送")
	return 0, err
}
