package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// 连接指标
	ConnectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_connect_total",
			Help: "建连次数（result=ok|error）",
		},
		[]string{"client", "result"},
	)

	DisconnectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_disconnect_total",
			Help: "断开次数（kind=manual|unexpected）",
		},
		[]string{"client", "kind"},
	)

	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_reconnect_attempts_total",
			Help: "已调度的重连次数",
		},
		[]string{"client"},
	)

	RetryBudgetExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_retry_budget_exhausted_total",
			Help: "重连预算耗尽而放弃重连的次数",
		},
		[]string{"client"},
	)

	// 消息指标
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_routed_total",
			Help: "投递给监听者的消息数",
		},
		[]string{"client", "channel"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_dropped_total",
			Help: "丢弃的消息数（reason=decode|no_subscriber|panic）",
		},
		[]string{"client", "reason"},
	)

	SendSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_send_skipped_total",
			Help: "连接不可写而跳过的发送",
		},
		[]string{"client", "reason"},
	)

	ResubscribeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_resubscribe_failures_total",
			Help: "重连后重订阅失败的频道数",
		},
		[]string{"client"},
	)

	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_active_subscriptions",
			Help: "当前活跃的线上订阅数",
		},
		[]string{"client"},
	)

	// WebSocket流量监控
	WSBytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_ws_bytes_received_total",
			Help: "WebSocket接收字节数（下行流量）",
		},
		[]string{"client"},
	)

	AuthAckWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_auth_ack_wait_seconds",
			Help:    "重订阅前等待鉴权应答的耗时",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"client", "acked"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		ConnectTotal,
		DisconnectTotal,
		ReconnectAttempts,
		RetryBudgetExhausted,
		MessagesRouted,
		MessagesDropped,
		SendSkipped,
		ResubscribeFailures,
		ActiveSubscriptions,
		WSBytesReceived,
		AuthAckWait,
	)
}

// StartMetricsServer 启动Prometheus监控服务器，并返回实际监听端口；
// routes 可在同一端口上挂载额外接口
func StartMetricsServer(port int, routes ...func(*http.ServeMux)) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for _, fn := range routes {
		fn(mux)
	}

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	log.Info().Int("port", actualPort).Msg("启动Prometheus监控服务器")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Prometheus服务器启动失败")
		}
	}()

	return actualPort, nil
}

// Observer 把连接内核的事件写入上面的指标，实现 stream.Observer
type Observer struct{}

func (Observer) Connected(client string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ConnectTotal.WithLabelValues(client, result).Inc()
}

func (Observer) Disconnected(client string, manual bool) {
	kind := "unexpected"
	if manual {
		kind = "manual"
	}
	DisconnectTotal.WithLabelValues(client, kind).Inc()
}

func (Observer) ReconnectScheduled(client string) {
	ReconnectAttempts.WithLabelValues(client).Inc()
}

func (Observer) BudgetExhausted(client string) {
	RetryBudgetExhausted.WithLabelValues(client).Inc()
}

func (Observer) Routed(client, channel string) {
	MessagesRouted.WithLabelValues(client, channel).Inc()
}

func (Observer) Dropped(client, reason string) {
	MessagesDropped.WithLabelValues(client, reason).Inc()
}

func (Observer) SendSkipped(client, reason string) {
	SendSkipped.WithLabelValues(client, reason).Inc()
}

func (Observer) ResubscribeFailed(client string) {
	ResubscribeFailures.WithLabelValues(client).Inc()
}

func (Observer) Subscriptions(client string, n int) {
	ActiveSubscriptions.WithLabelValues(client).Set(float64(n))
}

func (Observer) BytesReceived(client string, n int) {
	WSBytesReceived.WithLabelValues(client).Add(float64(n))
}

func (Observer) AuthAckWait(client string, d time.Duration, acked bool) {
	label := "false"
	if acked {
		label = "true"
	}
	AuthAckWait.WithLabelValues(client, label).Observe(d.Seconds())
}
