package stream

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Signer 私有频道鉴权签名
type Signer interface {
	Sign(secret string, nonce int64) (string, error)
}

// HMACSigner base64(HMAC-SHA512(secret, nonce))
type HMACSigner struct{}

// Sign 对十进制 nonce 签名
func (HMACSigner) Sign(secret string, nonce int64) (string, error) {
	mac := hmac.New(sha512.New, []byte(secret))
	if _, err := mac.Write([]byte(strconv.FormatInt(nonce, 10))); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// NonceSource 鉴权 nonce，必须单调递增
type NonceSource interface {
	Next() int64
}

// MillisNonce 毫秒时间戳 nonce，同一毫秒内多次调用时顺延。零值可用。
type MillisNonce struct {
	last atomic.Int64
	now  func() int64 // nil 时使用系统时间
}

// NewMillisNonce 默认 nonce 生成器
func NewMillisNonce() *MillisNonce {
	return &MillisNonce{now: func() int64 { return time.Now().UnixMilli() }}
}

// Next 返回 max(当前毫秒, 上一次+1)
func (m *MillisNonce) Next() int64 {
	for {
		prev := m.last.Load()
		var next int64
		if m.now != nil {
			next = m.now()
		} else {
			next = time.Now().UnixMilli()
		}
		if next <= prev {
			next = prev + 1
		}
		if m.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// ackWaiter 按 nonce 关联鉴权请求与应答
type ackWaiter struct {
	mu      sync.Mutex
	pending map[int64]chan struct{}
}

func newAckWaiter() *ackWaiter {
	return &ackWaiter{pending: make(map[int64]chan struct{})}
}

func (a *ackWaiter) register(nonce int64) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.pending[nonce] = ch
	return ch
}

func (a *ackWaiter) resolve(nonce int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[nonce]
	if !ok {
		return false
	}
	delete(a.pending, nonce)
	close(ch)
	return true
}

func (a *ackWaiter) forget(nonce int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, nonce)
}
