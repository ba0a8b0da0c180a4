package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/newplayman/market-stream/internal/store"
	"github.com/newplayman/market-stream/internal/stream"
)

// Config 全局配置结构
type Config struct {
	Global        GlobalConfig         `mapstructure:"global"`
	Stream        StreamConfig         `mapstructure:"stream"`
	Budget        BudgetConfig         `mapstructure:"budget"`
	Redis         RedisConfig          `mapstructure:"redis"`
	Watchdog      WatchdogConfig       `mapstructure:"watchdog"`
	Journal       JournalConfig        `mapstructure:"journal"`
	Log           LogConfig            `mapstructure:"log"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

// GlobalConfig 全局配置
type GlobalConfig struct {
	LogLevel    string `mapstructure:"log_level"`    // 日志级别
	MetricsPort int    `mapstructure:"metrics_port"` // Prometheus 端口，0 表示不启动
	APIKey      string `mapstructure:"api_key"`      // 私有频道鉴权
	APISecret   string `mapstructure:"api_secret"`
}

// StreamConfig 连接参数
type StreamConfig struct {
	Name            string        `mapstructure:"name"` // 客户端名称，同名实例共享重连预算
	URL             string        `mapstructure:"url"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	MaxFramePayload int64         `mapstructure:"max_frame_payload"`
	Compression     bool          `mapstructure:"compression"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`     // WebSocket ping
	AppPingInterval time.Duration `mapstructure:"app_ping_interval"` // 交易所 server.ping，0 表示关闭
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	StreamBuffer    int           `mapstructure:"stream_buffer"`
	ReplayRate      float64       `mapstructure:"replay_rate"` // 重放订阅速率（条/秒）
	ReplayBurst     int           `mapstructure:"replay_burst"`
	AuthAckTimeout  time.Duration `mapstructure:"auth_ack_timeout"`
}

// BudgetConfig 重连预算
type BudgetConfig struct {
	Ceiling         int64         `mapstructure:"ceiling"`
	Window          time.Duration `mapstructure:"window"`
	ShortenedWindow time.Duration `mapstructure:"shortened_window"`
}

// RedisConfig 共享重连预算的存储，addr 为空时使用进程内存储
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WatchdogConfig 长时间无消息时强制重连
type WatchdogConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// JournalConfig 连接事件写入 sqlite，path 为空时关闭
type JournalConfig struct {
	Path        string `mapstructure:"path"`
	EventBuffer int    `mapstructure:"event_buffer"`
}

// LogConfig 日志文件滚动，file 为空时只输出到终端
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // 天
	Compress   bool   `mapstructure:"compress"`
}

// SubscriptionConfig 启动时订阅的频道
type SubscriptionConfig struct {
	Channel string `mapstructure:"channel"`
	Args    []any  `mapstructure:"args"`
	Private bool   `mapstructure:"private"` // true 时在参数前补上 api_key/api_secret
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	v            *viper.Viper
	changeHooks  []func(*Config)
)

func applyDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", "info")
	v.SetDefault("global.metrics_port", 9100)

	v.SetDefault("stream.name", "gateio")
	v.SetDefault("stream.connect_timeout", "10s")
	v.SetDefault("stream.reconnect_delay", "10s")
	v.SetDefault("stream.max_frame_payload", 65536)
	v.SetDefault("stream.ping_interval", "20s")
	v.SetDefault("stream.app_ping_interval", "0s")
	v.SetDefault("stream.pong_wait", "30s")
	v.SetDefault("stream.write_wait", "10s")
	v.SetDefault("stream.send_queue_size", 256)
	v.SetDefault("stream.stream_buffer", 64)
	v.SetDefault("stream.replay_rate", 20)
	v.SetDefault("stream.replay_burst", 10)
	v.SetDefault("stream.auth_ack_timeout", "3000ms")

	v.SetDefault("budget.ceiling", 30)
	v.SetDefault("budget.window", "5m")
	v.SetDefault("budget.shortened_window", "30s")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.stale_after", "60s")
	v.SetDefault("watchdog.check_interval", "5s")

	v.SetDefault("journal.event_buffer", 256)

	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.compress", true)
}

// LoadConfig 加载配置文件
func LoadConfig(path string) (*Config, error) {
	nv := viper.New()
	nv.SetConfigFile(path)
	nv.SetConfigType("yaml")
	applyDefaults(nv)

	// 环境变量覆盖
	nv.SetEnvPrefix("STREAM")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
	// 显式绑定敏感字段
	nv.BindEnv("global.api_key", "STREAM_API_KEY")
	nv.BindEnv("global.api_secret", "STREAM_API_SECRET")
	nv.BindEnv("redis.addr", "STREAM_REDIS_ADDR")
	nv.BindEnv("redis.password", "STREAM_REDIS_PASSWORD")
	nv.BindEnv("stream.url", "STREAM_URL")

	if err := nv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := nv.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 验证配置
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	mu.Lock()
	globalConfig = &cfg
	v = nv
	mu.Unlock()

	log.Info().Str("path", path).Msg("配置加载成功")
	return &cfg, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// OnChange 注册热重载回调，新配置通过验证后调用
func OnChange(fn func(*Config)) {
	mu.Lock()
	defer mu.Unlock()
	changeHooks = append(changeHooks, fn)
}

// validateConfig 验证配置有效性
func validateConfig(cfg *Config) error {
	if cfg.Stream.Name == "" {
		return fmt.Errorf("stream.name 不能为空")
	}
	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url 不能为空")
	}
	u, err := url.Parse(cfg.Stream.URL)
	if err != nil {
		return fmt.Errorf("stream.url 非法: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "ws" && s != "wss" {
		return fmt.Errorf("stream.url 只支持 ws/wss，当前为 %q", u.Scheme)
	}
	if cfg.Stream.ConnectTimeout <= 0 {
		return fmt.Errorf("stream.connect_timeout 必须 > 0")
	}
	if cfg.Stream.ReconnectDelay < 0 {
		return fmt.Errorf("stream.reconnect_delay 不能为负")
	}

	if cfg.Budget.Ceiling < 1 {
		return fmt.Errorf("budget.ceiling 必须 >= 1")
	}
	if cfg.Budget.Window <= 0 {
		return fmt.Errorf("budget.window 必须 > 0")
	}
	if cfg.Budget.ShortenedWindow > cfg.Budget.Window {
		return fmt.Errorf("budget.shortened_window (%s) 不能大于 budget.window (%s)",
			cfg.Budget.ShortenedWindow, cfg.Budget.Window)
	}

	if cfg.Watchdog.Enabled && cfg.Watchdog.StaleAfter <= 0 {
		return fmt.Errorf("watchdog.stale_after 必须 > 0")
	}

	needAuth := false
	for i, sub := range cfg.Subscriptions {
		if sub.Channel == "" {
			return fmt.Errorf("subscriptions[%d]: channel 不能为空", i)
		}
		if sub.Private {
			needAuth = true
		}
	}
	if needAuth && (cfg.Global.APIKey == "" || cfg.Global.APISecret == "") {
		return fmt.Errorf("私有频道需要配置 API Key 和 Secret")
	}
	return nil
}

// WatchConfig 监听配置文件变化并热重载
func WatchConfig() {
	mu.RLock()
	nv := v
	mu.RUnlock()
	if nv == nil {
		return
	}

	nv.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		var newCfg Config
		if err := nv.Unmarshal(&newCfg); err != nil {
			log.Error().Err(err).Msg("重载配置失败")
			return
		}

		if err := validateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		mu.Lock()
		globalConfig = &newCfg
		hooks := append([]func(*Config){}, changeHooks...)
		mu.Unlock()

		for _, fn := range hooks {
			fn(&newCfg)
		}
		log.Info().Msg("配置热重载成功")
	})
	nv.WatchConfig()
}

// StreamOptions 转换为连接内核参数
func (c *Config) StreamOptions() stream.Options {
	return stream.Options{
		ConnectTimeout:  c.Stream.ConnectTimeout,
		MaxFramePayload: c.Stream.MaxFramePayload,
		Compression:     c.Stream.Compression,
		PingInterval:    c.Stream.PingInterval,
		PongWait:        c.Stream.PongWait,
		WriteWait:       c.Stream.WriteWait,
		SendQueueSize:   c.Stream.SendQueueSize,
		ReconnectDelay:  c.Stream.ReconnectDelay,
		StreamBuffer:    c.Stream.StreamBuffer,
		ReplayRate:      c.Stream.ReplayRate,
		ReplayBurst:     c.Stream.ReplayBurst,
	}
}

// ReplayPolicy 重订阅规则，只覆盖鉴权等待时间
func (c *Config) ReplayPolicy() stream.ReplayPolicy {
	p := stream.DefaultReplayPolicy()
	if c.Stream.AuthAckTimeout > 0 {
		p.AuthAckTimeout = c.Stream.AuthAckTimeout
	}
	return p
}

// BudgetConfig 重连预算参数
func (c *Config) BudgetConfig() store.BudgetConfig {
	return store.BudgetConfig{
		Ceiling:   c.Budget.Ceiling,
		Window:    c.Budget.Window,
		Shortened: c.Budget.ShortenedWindow,
	}
}

// SubscriptionArgs 订阅参数；私有频道前两个参数为 apiKey/secret
func (c *Config) SubscriptionArgs(sub SubscriptionConfig) []any {
	args := make([]any, 0, len(sub.Args)+2)
	if sub.Private {
		args = append(args, c.Global.APIKey, c.Global.APISecret)
	}
	return append(args, sub.Args...)
}
