package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/newplayman/market-stream/internal/config"
	gateway "github.com/newplayman/market-stream/internal/exchange"
	"github.com/newplayman/market-stream/internal/journal"
	"github.com/newplayman/market-stream/internal/metrics"
	"github.com/newplayman/market-stream/internal/store"
	"github.com/newplayman/market-stream/internal/stream"
	"github.com/newplayman/market-stream/internal/watchdog"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，为空时使用配置文件")
)

func main() {
	flag.Parse()

	setupLogger("info", config.LogConfig{})

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	level := cfg.Global.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogger(level, cfg.Log)

	// 单实例锁，同名客户端只允许一个进程
	lockFile := fmt.Sprintf("/tmp/market_stream_%s.lock", cfg.Stream.Name)
	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		log.Fatal().Str("client", cfg.Stream.Name).Msg("已有同名进程在运行")
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		os.Remove(lockFile)
	}()

	log.Info().
		Str("client", cfg.Stream.Name).
		Str("url", cfg.Stream.URL).
		Int("subscriptions", len(cfg.Subscriptions)).
		Msg("行情推送客户端启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	budget, closeBudget, err := newBudget(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化重连预算失败")
	}
	defer closeBudget()

	var (
		jdb      *journal.DB
		recorder *journal.Recorder
		observer stream.Observer = metrics.Observer{}
	)
	if cfg.Journal.Path != "" {
		jdb, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("打开事件记录库失败")
		}
		defer jdb.Close()
		recorder = journal.NewRecorder(jdb, observer, cfg.Journal.EventBuffer)
		defer recorder.Close()
		observer = recorder
	}

	codec := gateway.NewCodec()
	svc, err := stream.New[gateway.Message](cfg.Stream.Name, cfg.Stream.URL, codec,
		stream.WithOptions(cfg.StreamOptions()),
		stream.WithObserver(observer),
		stream.WithBudget(budget),
		stream.WithReplayPolicy(cfg.ReplayPolicy()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("创建客户端失败")
	}

	if cfg.Global.MetricsPort > 0 {
		var routes []func(*http.ServeMux)
		if jdb != nil {
			routes = append(routes, journal.NewAPIHandler(jdb, recorder, svc).Routes)
		}
		if _, err := metrics.StartMetricsServer(cfg.Global.MetricsPort, routes...); err != nil {
			log.Error().Err(err).Msg("启动监控服务器失败")
		}
	}

	// 热重载：日志级别和压缩开关，压缩在下次建连时生效
	config.OnChange(func(c *config.Config) {
		if *logLevel == "" {
			setLevel(c.Global.LogLevel)
		}
		svc.UseCompressedMessages(c.Stream.Compression)
	})
	config.WatchConfig()

	if err := svc.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("连接失败")
	}

	for _, sub := range cfg.Subscriptions {
		st, err := svc.Subscribe(sub.Channel, cfg.SubscriptionArgs(sub)...)
		if err != nil {
			log.Fatal().Err(err).Str("channel", sub.Channel).Msg("订阅失败")
		}
		go consume(ctx, st)
	}

	if cfg.Stream.AppPingInterval > 0 {
		go appPing(ctx, svc, codec, cfg.Stream.AppPingInterval)
	}

	var wd *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		var hooks watchdog.Hooks
		if recorder != nil {
			hooks = recorder
		}
		wd = watchdog.NewWatchdog(watchdog.Config{
			CheckInterval:  cfg.Watchdog.CheckInterval,
			StaleThreshold: cfg.Watchdog.StaleAfter,
		}, hooks, svc)
		wd.Start(ctx)
	}

	log.Info().Msg("启动完成，开始接收推送...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("收到退出信号，正在关闭...")

	if wd != nil {
		wd.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.Disconnect(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("断开连接超时")
	}
	cancel()

	stats := svc.Stats()
	log.Info().Interface("stats", stats).Msg("已关闭")
}

// newBudget 配置了 Redis 时多进程共享预算，否则使用进程内计数
func newBudget(ctx context.Context, cfg *config.Config) (*store.Budget, func(), error) {
	if cfg.Redis.Addr == "" {
		return store.NewBudget(store.NewMemoryStore(), cfg.BudgetConfig()), func() {}, nil
	}
	rs, err := store.NewRedisStore(ctx, store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("重连预算使用 Redis 存储")
	return store.NewBudget(rs, cfg.BudgetConfig()), func() { rs.Close() }, nil
}

func consume(ctx context.Context, st *stream.Stream[gateway.Message]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-st.Events():
			if !ok {
				log.Info().Str("channel", st.ID()).Msg("订阅已关闭")
				return
			}
			if ev.Err != nil {
				log.Warn().Err(ev.Err).Str("channel", st.ID()).Msg("频道错误")
				continue
			}
			logMessage(ev.Msg)
		}
	}
}

func logMessage(msg gateway.Message) {
	switch msg.Method {
	case "depth.update":
		d, err := gateway.ParseDepth(msg)
		if err != nil {
			log.Warn().Err(err).Msg("解析盘口失败")
			return
		}
		e := log.Debug().Str("market", d.Market).Bool("clean", d.Clean)
		if bid, ok := d.BestBid(); ok {
			e = e.Str("bid", bid.Price.String())
		}
		if ask, ok := d.BestAsk(); ok {
			e = e.Str("ask", ask.Price.String())
		}
		e.Msg("盘口更新")
	case "trades.update":
		t, err := gateway.ParseTrades(msg)
		if err != nil {
			log.Warn().Err(err).Msg("解析成交失败")
			return
		}
		for _, tr := range t.Trades {
			log.Debug().
				Str("market", t.Market).
				Str("side", tr.Side).
				Str("price", tr.Price.String()).
				Str("amount", tr.Amount.String()).
				Msg("成交")
		}
	default:
		log.Debug().Str("channel", msg.Channel).Str("method", msg.Method).RawJSON("params", rawOrNull(msg.Params)).Msg("推送")
	}
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// appPing 交易所应用层心跳，连接不可写时 Send 只记录跳过
func appPing(ctx context.Context, svc *stream.Service[gateway.Message], codec *gateway.Codec, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !svc.IsOpen() {
				continue
			}
			frame, err := codec.Ping()
			if err != nil {
				log.Error().Err(err).Msg("构造 ping 失败")
				continue
			}
			svc.Send(frame)
		}
	}
}

// setupLogger 设置日志；配置了文件时同时写入滚动日志
func setupLogger(level string, lc config.LogConfig) {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	if lc.File != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAge,
			Compress:   lc.Compress,
		}
		out = zerolog.MultiLevelWriter(out, fileLogger)
	}
	log.Logger = log.Output(out)
	setLevel(level)
}

func setLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
