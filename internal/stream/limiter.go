package stream

import (
	"context"
	"sync"
	"time"
)

// replayLimiter 令牌桶，控制重连后重放订阅的速率，避免触发交易所限流
type replayLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

// newReplayLimiter rate<=0 时返回 nil，表示不限速
func newReplayLimiter(rate float64, burst int) *replayLimiter {
	if rate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &replayLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// reserve 取一个令牌，返回需要等待的时间
func (l *replayLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.tokens--
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens / l.rate * float64(time.Second))
}

// Wait 阻塞到拿到令牌或 ctx 结束
func (l *replayLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	wait := l.reserve()
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
