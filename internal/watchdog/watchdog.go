package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Target 被监控的推送连接，stream.Service 实现该接口
type Target interface {
	Name() string
	IsOpen() bool
	LastMessageAt() time.Time
	ForceReconnect(reason string) bool
}

// Hooks 连续多次无数据 / 恢复时的回调，可选
type Hooks interface {
	Unhealthy(name, reason string)
	Recovered(name string)
}

// Config 看门狗配置
type Config struct {
	CheckInterval     time.Duration
	StaleThreshold    time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

func (c *Config) normalize() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 60 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
}

type health struct {
	failures   int
	recoveries int
	unhealthy  bool
}

// Watchdog 检测长时间没有入站消息的连接，按意外断开触发重连
type Watchdog struct {
	cfg     Config
	targets []Target
	hooks   Hooks
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state map[string]*health
}

// NewWatchdog 创建看门狗，hooks 可以为 nil
func NewWatchdog(cfg Config, hooks Hooks, targets ...Target) *Watchdog {
	cfg.normalize()
	return &Watchdog{
		cfg:     cfg,
		targets: targets,
		hooks:   hooks,
		now:     time.Now,
		state:   make(map[string]*health),
	}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	if len(w.targets) == 0 {
		log.Warn().Msg("watchdog 未启用：没有监控目标")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(childCtx)
	}()
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check 检查一轮；未连接的目标交给重连控制处理，这里跳过
func (w *Watchdog) check() {
	now := w.now()
	for _, t := range w.targets {
		if !t.IsOpen() {
			continue
		}
		last := t.LastMessageAt()
		if last.IsZero() {
			continue
		}
		if now.Sub(last) > w.cfg.StaleThreshold {
			w.stale(t, now.Sub(last))
		} else {
			w.fresh(t)
		}
	}
}

func (w *Watchdog) stale(t Target, idle time.Duration) {
	w.mu.Lock()
	h := w.healthOf(t.Name())
	h.failures++
	h.recoveries = 0
	escalate := h.failures >= w.cfg.FailureThreshold && !h.unhealthy
	if escalate {
		h.unhealthy = true
	}
	w.mu.Unlock()

	log.Error().
		Str("client", t.Name()).
		Dur("idle", idle).
		Dur("stale_threshold", w.cfg.StaleThreshold).
		Msg("WebSocket长时间无数据，触发重连")
	t.ForceReconnect("ws_stale")

	if escalate && w.hooks != nil {
		w.hooks.Unhealthy(t.Name(), "websocket_stale")
	}
}

func (w *Watchdog) fresh(t Target) {
	w.mu.Lock()
	h := w.healthOf(t.Name())
	h.failures = 0
	recovered := false
	if h.unhealthy {
		h.recoveries++
		if h.recoveries >= w.cfg.RecoveryThreshold {
			h.unhealthy = false
			recovered = true
		}
	}
	w.mu.Unlock()

	if recovered {
		log.Info().Str("client", t.Name()).Msg("WebSocket恢复")
		if w.hooks != nil {
			w.hooks.Recovered(t.Name())
		}
	}
}

func (w *Watchdog) healthOf(name string) *health {
	h, ok := w.state[name]
	if !ok {
		h = &health{}
		w.state[name] = h
	}
	return h
}
