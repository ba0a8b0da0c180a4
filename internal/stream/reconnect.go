package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newplayman/market-stream/internal/store"
	"github.com/rs/zerolog"
)

// ReconnectState 重连控制状态
type ReconnectState int32

const (
	ReconnectIdle ReconnectState = iota
	ReconnectAwaitingRetrySlot
	ReconnectReconnecting
	ReconnectResubscribing
)

func (s ReconnectState) String() string {
	switch s {
	case ReconnectIdle:
		return "idle"
	case ReconnectAwaitingRetrySlot:
		return "awaiting_retry_slot"
	case ReconnectReconnecting:
		return "reconnecting"
	case ReconnectResubscribing:
		return "resubscribing"
	default:
		return "unknown"
	}
}

// RetryBudget 共享重连预算，store.Budget 是默认实现
type RetryBudget interface {
	Acquire(ctx context.Context, key string) (store.Decision, error)
}

const budgetTimeout = 5 * time.Second

// reconnector 意外断开 -> 申请预算 -> 延迟重连 -> 重放订阅。
// 每个周期有一个 epoch，主动断开会推进 epoch，已经触发的定时回调因此变成空操作。
type reconnector struct {
	name   string
	key    string
	budget RetryBudget
	delay  time.Duration
	log    zerolog.Logger
	obs    Observer

	connect     func(ctx context.Context) error
	resubscribe func(ctx context.Context) ResubscribeReport
	suppressed  func() bool

	mu    sync.Mutex
	state ReconnectState
	epoch uint64
	timer *time.Timer

	attempts atomic.Int64
}

// onUnexpectedClose 连接管理上报的意外断开
func (r *reconnector) onUnexpectedClose(gen uint64) {
	if r.suppressed() {
		r.log.Info().Uint64("gen", gen).Msg("已主动断开，跳过重连")
		return
	}

	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = ReconnectAwaitingRetrySlot
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), budgetTimeout)
	dec, err := r.budget.Acquire(ctx, r.key)
	cancel()
	if err != nil {
		// 共享存储不可用时不阻止恢复
		r.log.Warn().Err(err).Str("key", r.key).Msg("重连预算不可用，继续重连")
		dec = store.Decision{Allowed: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch || r.suppressed() {
		return
	}
	if !dec.Allowed {
		r.state = ReconnectIdle
		r.obs.BudgetExhausted(r.name)
		r.log.Error().
			Int64("count", dec.Count).
			Bool("shortened", dec.Shortened).
			Dur("window_left", dec.TTL).
			Msg("重连次数超过上限，暂停重连")
		return
	}

	r.attempts.Add(1)
	r.obs.ReconnectScheduled(r.name)
	r.log.Warn().
		Int64("count", dec.Count).
		Dur("delay", r.delay).
		Msg("WebSocket 被关闭，准备重连")
	r.timer = time.AfterFunc(r.delay, func() { r.fire(epoch) })
}

// fire 定时器到期：重连并重放订阅
func (r *reconnector) fire(epoch uint64) {
	if !r.transition(epoch, ReconnectAwaitingRetrySlot, ReconnectReconnecting) {
		return
	}

	ctx := context.Background()
	if err := r.connect(ctx); err != nil {
		r.log.Warn().Err(err).Msg("WebSocket 重连失败")
		r.transition(epoch, ReconnectReconnecting, ReconnectIdle)
		return
	}

	if !r.transition(epoch, ReconnectReconnecting, ReconnectResubscribing) {
		return
	}
	r.log.Warn().Msg("重连成功，重新订阅频道")
	report := r.resubscribe(ctx)
	r.log.Info().
		Int("authenticated", report.Authenticated).
		Int("replayed", report.Replayed).
		Int("current", report.Current).
		Int("skipped", report.Skipped).
		Strs("failed", report.Failed).
		Msg("频道重订阅完成")
	r.transition(epoch, ReconnectResubscribing, ReconnectIdle)
}

// transition epoch 未变化、未被主动断开且当前状态匹配时才切换
func (r *reconnector) transition(epoch uint64, from, to ReconnectState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch || r.state != from {
		return false
	}
	if to != ReconnectIdle && r.suppressed() {
		r.state = ReconnectIdle
		return false
	}
	if from == ReconnectAwaitingRetrySlot {
		r.timer = nil
	}
	r.state = to
	return true
}

// cancel 主动断开时调用：作废当前周期和未触发的定时器
func (r *reconnector) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = ReconnectIdle
}

func (r *reconnector) current() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
