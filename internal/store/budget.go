package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// 与 Redis TTL 语义保持一致的特殊返回值
const (
	NoExpiry   time.Duration = -1 // key 存在但没有过期时间
	KeyMissing time.Duration = -2 // key 不存在
)

// Store 重连预算的共享存储能力（可以是进程内，也可以是 Redis 等外部存储）
type Store interface {
	Increment(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, d time.Duration) error
}

// Acquirer 由能够原子完成整个 "计数+过期检查+缩短窗口" 流程的存储实现
type Acquirer interface {
	Acquire(ctx context.Context, key string, cfg BudgetConfig) (Decision, error)
}

// BudgetConfig 重连预算配置
type BudgetConfig struct {
	Ceiling   int64         // 窗口内允许的最大重连次数
	Window    time.Duration // 滚动窗口长度
	Shortened time.Duration // 超限后把剩余窗口缩短到该值
}

// DefaultBudgetConfig 默认 5 分钟内最多 30 次，超限后窗口缩短到 30 秒
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Ceiling:   30,
		Window:    5 * time.Minute,
		Shortened: 30 * time.Second,
	}
}

func (c *BudgetConfig) normalize() {
	def := DefaultBudgetConfig()
	if c.Ceiling <= 0 {
		c.Ceiling = def.Ceiling
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Shortened <= 0 {
		c.Shortened = def.Shortened
	}
	if c.Shortened > c.Window {
		c.Shortened = c.Window
	}
}

// Decision 一次预算申请的结果
type Decision struct {
	Count     int64         // 当前窗口内已使用的次数（含本次）
	Allowed   bool          // 是否允许本次重连
	Shortened bool          // 本次是否缩短了窗口
	TTL       time.Duration // 窗口剩余时间
}

// Budget 按 key 维护的滚动窗口重连计数
type Budget struct {
	mu    sync.Mutex
	store Store
	cfg   BudgetConfig
}

// NewBudget 创建重连预算
func NewBudget(st Store, cfg BudgetConfig) *Budget {
	cfg.normalize()
	if st == nil {
		st = NewMemoryStore()
	}
	return &Budget{store: st, cfg: cfg}
}

// Config 返回生效的配置
func (b *Budget) Config() BudgetConfig {
	return b.cfg
}

// Acquire 为 key 申请一次重连额度。
// 存储实现了 Acquirer 时整个流程交给存储原子执行；否则在进程内加锁串行执行。
func (b *Budget) Acquire(ctx context.Context, key string) (Decision, error) {
	if a, ok := b.store.(Acquirer); ok {
		return a.Acquire(ctx, key, b.cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	count, err := b.store.Increment(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("increment %s: %w", key, err)
	}
	ttl, err := b.store.TTL(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl == NoExpiry || ttl == KeyMissing {
		if err := b.store.Expire(ctx, key, b.cfg.Window); err != nil {
			return Decision{}, fmt.Errorf("expire %s: %w", key, err)
		}
		ttl = b.cfg.Window
	}

	dec := Decision{Count: count, TTL: ttl}
	if count <= b.cfg.Ceiling {
		dec.Allowed = true
		return dec, nil
	}
	if ttl > b.cfg.Shortened {
		if err := b.store.Expire(ctx, key, b.cfg.Shortened); err != nil {
			return dec, fmt.Errorf("shorten %s: %w", key, err)
		}
		dec.TTL = b.cfg.Shortened
		dec.Shortened = true
	}
	return dec, nil
}
