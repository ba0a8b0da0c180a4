package stream

import (
	"net/http"
	"time"
)

// ConnectionState 连接状态，仅由连接管理修改
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateManualClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateManualClosing:
		return "manual_closing"
	default:
		return "unknown"
	}
}

// Subscription 一个逻辑订阅：重放时需要的频道名和订阅参数
type Subscription struct {
	ID      string // ChannelIdentifier
	Channel string
	Args    []any
}

// Event 推送给监听者的消息或错误，二者只有一个有效
type Event[T any] struct {
	Msg T
	Err error
}

// Options 连接内核参数
type Options struct {
	ConnectTimeout  time.Duration // 建连（含 TLS 与 WebSocket 握手）超时
	MaxFramePayload int64         // 单帧最大长度
	Compression     bool          // permessage-deflate
	PingInterval    time.Duration // 心跳间隔
	PongWait        time.Duration // 读超时
	WriteWait       time.Duration // 写超时
	SendQueueSize   int           // 发送队列长度，满了视为不可写
	ReconnectDelay  time.Duration // 意外断开后延迟多久重连
	StreamBuffer    int           // 每个监听者的缓冲
	ReplayRate      float64       // 重放订阅的速率（条/秒），<=0 不限速
	ReplayBurst     int
	Header          http.Header
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		MaxFramePayload: 65536,
		PingInterval:    20 * time.Second,
		PongWait:        30 * time.Second,
		WriteWait:       10 * time.Second,
		SendQueueSize:   256,
		ReconnectDelay:  10 * time.Second,
		StreamBuffer:    64,
		ReplayRate:      20,
		ReplayBurst:     10,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.MaxFramePayload <= 0 {
		o.MaxFramePayload = def.MaxFramePayload
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = def.StreamBuffer
	}
	if o.ReplayBurst <= 0 {
		o.ReplayBurst = def.ReplayBurst
	}
}

// Stats 运行状态快照
type Stats struct {
	Name           string
	State          ConnectionState
	ReconnectState ReconnectState
	SessionID      string
	Generation     uint64
	Subscriptions  int
	Reconnects     int64
	LastMessageAt  time.Time
}

// Observer 指标上报，由 metrics 包实现
type Observer interface {
	Connected(client string, err error)
	Disconnected(client string, manual bool)
	ReconnectScheduled(client string)
	BudgetExhausted(client string)
	Routed(client, channel string)
	Dropped(client, reason string)
	SendSkipped(client, reason string)
	ResubscribeFailed(client string)
	Subscriptions(client string, n int)
	BytesReceived(client string, n int)
	AuthAckWait(client string, d time.Duration, acked bool)
}

type nopObserver struct{}

func (nopObserver) Connected(string, error)                 {}
func (nopObserver) Disconnected(string, bool)               {}
func (nopObserver) ReconnectScheduled(string)               {}
func (nopObserver) BudgetExhausted(string)                  {}
func (nopObserver) Routed(string, string)                   {}
func (nopObserver) Dropped(string, string)                  {}
func (nopObserver) SendSkipped(string, string)              {}
func (nopObserver) ResubscribeFailed(string)                {}
func (nopObserver) Subscriptions(string, int)               {}
func (nopObserver) BytesReceived(string, int)               {}
func (nopObserver) AuthAckWait(string, time.Duration, bool) {}
