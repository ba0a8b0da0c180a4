package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/market-stream/internal/stream"
)

func TestSubscribeRoundTrip(t *testing.T) {
	c := NewCodec()

	payload, err := c.BuildSubscribe("book", []any{"BTCUSD"})
	require.NoError(t, err)

	var req request
	require.NoError(t, json.Unmarshal(payload, &req))
	require.Equal(t, "book.subscribe", req.Method)
	require.Equal(t, []any{"BTCUSD"}, req.Params)

	// 回显请求
	echo, err := c.Decode(payload)
	require.NoError(t, err)
	id, err := c.ChannelID(echo)
	require.NoError(t, err)
	require.Equal(t, "book", id)

	// 推送
	update, err := c.Decode([]byte(`{"method":"book.update","params":["BTCUSD"],"id":null}`))
	require.NoError(t, err)
	id, err = c.ChannelID(update)
	require.NoError(t, err)
	require.Equal(t, "book", id)
	require.Equal(t, c.SubscriptionID("book", []any{"BTCUSD"}), id)
}

func TestResponseResolvesByRequestID(t *testing.T) {
	c := NewCodec()
	payload, err := c.BuildSubscribe("depth", []any{"EOS_USDT", 5, "0.0001"})
	require.NoError(t, err)
	var req request
	require.NoError(t, json.Unmarshal(payload, &req))

	resp := []byte(`{"error":null,"result":{"status":"success"},"id":` + itoa(req.ID) + `}`)
	msg, err := c.Decode(resp)
	require.NoError(t, err)
	require.True(t, msg.IsResponse())
	id, err := c.ChannelID(msg)
	require.NoError(t, err)
	require.Equal(t, "depth", id)

	// 同一 id 只能匹配一次
	msg, err = c.Decode(resp)
	require.NoError(t, err)
	_, err = c.ChannelID(msg)
	require.ErrorIs(t, err, ErrNoChannel)
}

func TestErrorResponse(t *testing.T) {
	c := NewCodec()
	payload, _ := c.BuildSubscribe("kline", []any{"BTC_USDT", 60})
	var req request
	require.NoError(t, json.Unmarshal(payload, &req))

	msg, err := c.Decode([]byte(`{"error":{"code":2,"message":"invalid argument"},"result":null,"id":` + itoa(req.ID) + `}`))
	require.NoError(t, err)
	cause := c.MessageError(msg)
	require.Error(t, cause)
	var rpcErr *RPCError
	require.True(t, errors.As(cause, &rpcErr))
	require.Equal(t, 2, rpcErr.Code)
}

func TestPrivateChannelStripsCredentials(t *testing.T) {
	c := NewCodec()
	payload, err := c.BuildSubscribe("order", []any{"key", "secret", "BTC_USDT", "ETH_USDT"})
	require.NoError(t, err)
	require.NotContains(t, string(payload), "secret")

	var req request
	require.NoError(t, json.Unmarshal(payload, &req))
	require.Equal(t, "order.subscribe", req.Method)
	require.Equal(t, []any{"BTC_USDT", "ETH_USDT"}, req.Params)

	_, err = c.BuildSubscribe("order", []any{"key"})
	require.ErrorIs(t, err, ErrNoAuth)
}

func TestServerMethodsAreNotSuffixed(t *testing.T) {
	c := NewCodec()
	payload, err := c.Ping()
	require.NoError(t, err)
	require.Contains(t, string(payload), `"method":"server.ping"`)

	unsub, err := c.BuildUnsubscribe("depth")
	require.NoError(t, err)
	require.Contains(t, string(unsub), `"method":"depth.unsubscribe"`)

	msg, err := c.Decode([]byte(`{"method":"server.ping","params":[],"id":null}`))
	require.NoError(t, err)
	id, _ := c.ChannelID(msg)
	require.Equal(t, ChannelPing, id)
}

func TestAuthAckCorrelation(t *testing.T) {
	c := NewCodec()
	payload, err := c.BuildAuth("key", "sig", 1700000000123)
	require.NoError(t, err)
	var req request
	require.NoError(t, json.Unmarshal(payload, &req))
	require.Equal(t, ChannelSign, req.Method)
	require.Len(t, req.Params, 3)

	ok := []byte(`{"error":null,"result":{"status":"success"},"id":` + itoa(req.ID) + `}`)
	msg, err := c.Decode(ok)
	require.NoError(t, err)
	nonce, acked := c.AuthAck(msg)
	require.True(t, acked)
	require.Equal(t, int64(1700000000123), nonce)

	payload, _ = c.BuildAuth("key", "sig", 1700000000124)
	require.NoError(t, json.Unmarshal(payload, &req))
	denied := []byte(`{"error":{"code":6,"message":"auth failed"},"result":null,"id":` + itoa(req.ID) + `}`)
	msg, _ = c.Decode(denied)
	_, acked = c.AuthAck(msg)
	require.False(t, acked)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := NewCodec().Decode([]byte(`{"method":`))
	require.Error(t, err)
}

func TestPendingIsBounded(t *testing.T) {
	c := NewCodec()
	for i := 0; i < maxPending+10; i++ {
		_, err := c.BuildSubscribe("depth", []any{"BTC_USDT"})
		require.NoError(t, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.pending, maxPending)
	require.Len(t, c.order, maxPending)
}

// gate.io 风格的服务端：订阅返回 success 并推送一条 depth.update，server.sign 返回 success
func TestCodecWithStreamService(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if json.Unmarshal(raw, &req) != nil {
				continue
			}
			mu.Lock()
			methods = append(methods, req.Method)
			mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"error":null,"result":{"status":"success"},"id":`+itoa(req.ID)+`}`))
			if req.Method == "depth.subscribe" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(
					`{"method":"depth.update","params":[true,{"asks":[["8000.00","9.6250"]],"bids":[["7999.50","0.0010"]]},"BTC_USDT"],"id":null}`))
			}
		}
	}))
	defer srv.Close()

	policy := stream.DefaultReplayPolicy()
	policy.AuthAckTimeout = 2 * time.Second
	s, err := stream.New[Message]("gateio", "ws"+strings.TrimPrefix(srv.URL, "http"), NewCodec(),
		stream.WithReplayPolicy(policy))
	require.NoError(t, err)
	defer s.Disconnect(context.Background())
	require.NoError(t, s.Connect(context.Background()))

	depth, err := s.Subscribe("depth", "BTC_USDT", 5, "0.01")
	require.NoError(t, err)

	var update DepthUpdate
	timeout := time.After(2 * time.Second)
	for update.Market == "" {
		select {
		case ev := <-depth.Events():
			require.NoError(t, ev.Err)
			if ev.Msg.Method != "depth.update" {
				continue
			}
			update, err = ParseDepth(ev.Msg)
			require.NoError(t, err)
		case <-timeout:
			t.Fatal("no depth update received")
		}
	}
	require.Equal(t, "BTC_USDT", update.Market)
	bid, ok := update.BestBid()
	require.True(t, ok)
	require.True(t, bid.Price.Equal(decimal.RequireFromString("7999.5")))

	// 私有频道订阅前先鉴权，server.sign 的应答结束等待
	start := time.Now()
	_, err = s.Subscribe("order", "key", "secret", "BTC_USDT")
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"depth.subscribe", "server.sign", "order.subscribe"}, methods)
	mu.Unlock()

	// 当前会话上都已发送过，手动重放不重复发送
	report := s.ResubscribeAll(context.Background())
	require.Equal(t, 0, report.Authenticated)
	require.Equal(t, 0, report.Replayed)
	require.Equal(t, 2, report.Current)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
