package stream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Endpoint 校验过的 WebSocket 地址（端口已补全）
type Endpoint struct {
	URL    *url.URL
	Secure bool
}

func (e Endpoint) String() string {
	if e.URL == nil {
		return ""
	}
	return e.URL.String()
}

// ParseEndpoint 解析地址：ws 默认 80 端口，wss 默认 443 端口并走 TLS，其他 scheme 拒绝。
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, &ConnectError{URL: raw, Op: "parse", Err: err}
	}
	if u.Hostname() == "" {
		return Endpoint{}, &ConnectError{URL: raw, Op: "parse", Err: ErrMissingHost}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "ws"
	}
	var port string
	switch scheme {
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	default:
		return Endpoint{}, &ConnectError{URL: raw, Op: "parse", Err: ErrUnsupportedScheme}
	}

	out := *u
	out.Scheme = scheme
	if u.Port() == "" {
		out.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return Endpoint{URL: &out, Secure: scheme == "wss"}, nil
}

// TransportOptions 单个会话的传输参数
type TransportOptions struct {
	Compression     bool
	MaxFramePayload int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendQueueSize   int
	Header          http.Header
	Logger          zerolog.Logger
}

// TransportHooks 传输层生命周期回调，都在传输层的后台 goroutine 上执行
type TransportHooks struct {
	OnOpen    func() // 握手完成、读循环启动之前
	OnMessage func(payload []byte)
	OnClose   func(clean bool, err error) // 每个会话只触发一次
}

// Transport 一条物理连接（一次会话），关闭后不可复用
type Transport interface {
	Open(ctx context.Context, endpoint Endpoint, timeout time.Duration) error
	// Write 尽力发送，不阻塞：未连接返回 ErrNotConnected，队列满返回 ErrBackpressure
	Write(payload []byte) error
	// Close 发送关闭帧并回收读写 goroutine
	Close() error
	IsOpen() bool
}

// TransportFactory 每次 connect 创建一个新的会话
type TransportFactory func(opts TransportOptions, hooks TransportHooks) Transport
