package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/newplayman/market-stream/internal/stream"
)

const (
	ChannelSign  = "server.sign"
	ChannelPing  = "server.ping"
	ChannelOrder = "order"

	// 未应答请求最多保留的条数，超过后丢弃最早的
	maxPending = 4096
)

var (
	ErrNoChannel = errors.New("message has neither method nor known request id")
	ErrNoAuth    = errors.New("private channel requires apiKey and secret args")
)

type pendingReq struct {
	channel string
	nonce   int64 // 仅鉴权请求
}

// Codec gate.io v3 WebSocket 报文编解码，实现 stream.Codec[Message]。
// 订阅报文 method = "<channel>.subscribe"，推送 method = "<channel>.update"，
// server.* 方法原样使用。应答没有 method，按请求 id 找回所属频道。
type Codec struct {
	stream.BaseBuilder

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]pendingReq
	order   []int64
}

// NewCodec 创建 codec
func NewCodec() *Codec {
	return &Codec{pending: make(map[int64]pendingReq)}
}

// Decode 解析一帧；应答会消费掉对应的请求记录
func (c *Codec) Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode gateio message: %w", err)
	}

	switch {
	case msg.Method != "":
		msg.Channel = channelOfMethod(msg.Method)
	case msg.ID != nil:
		if req, ok := c.take(*msg.ID); ok {
			msg.Channel = req.channel
			msg.nonce = req.nonce
		}
	}
	return msg, nil
}

// ChannelID 推送取 method 前缀，应答取请求时的频道
func (c *Codec) ChannelID(msg Message) (string, error) {
	if msg.Channel == "" {
		return "", ErrNoChannel
	}
	return msg.Channel, nil
}

// MessageError 应答带 error 时作为该频道的错误推送
func (c *Codec) MessageError(msg Message) error {
	if msg.Error != nil {
		return msg.Error
	}
	return nil
}

// AuthAck 成功的 server.sign 应答
func (c *Codec) AuthAck(msg Message) (int64, bool) {
	if msg.nonce == 0 || msg.Error != nil {
		return 0, false
	}
	var res statusResult
	if err := json.Unmarshal(msg.Result, &res); err != nil || res.Status != "success" {
		return 0, false
	}
	return msg.nonce, true
}

// BuildSubscribe 私有频道（order）的前两个参数是 apiKey/secret，只用于鉴权，不上送
func (c *Codec) BuildSubscribe(channel string, args []any) ([]byte, error) {
	params := args
	if strings.Contains(channel, ChannelOrder) {
		if len(args) < 2 {
			return nil, fmt.Errorf("%s: %w", channel, ErrNoAuth)
		}
		params = args[2:]
	}
	return c.build(channel, methodOf(channel, "subscribe"), params, 0)
}

// BuildUnsubscribe 退订该频道的全部市场
func (c *Codec) BuildUnsubscribe(channelID string) ([]byte, error) {
	return c.build(channelID, methodOf(channelID, "unsubscribe"), nil, 0)
}

// BuildAuth server.sign 请求，应答通过 AuthAck 关联到 nonce
func (c *Codec) BuildAuth(apiKey, signature string, nonce int64) ([]byte, error) {
	return c.build(ChannelSign, ChannelSign, []any{apiKey, signature, nonce}, nonce)
}

// Ping server.ping 请求
func (c *Codec) Ping() ([]byte, error) {
	return c.build(ChannelPing, ChannelPing, nil, 0)
}

func (c *Codec) build(channel, method string, params []any, nonce int64) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	c.remember(id, pendingReq{channel: channel, nonce: nonce})
	return payload, nil
}

func (c *Codec) remember(id int64, req pendingReq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = req
	c.order = append(c.order, id)
	for len(c.order) > maxPending {
		delete(c.pending, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Codec) take(id int64) (pendingReq, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return req, ok
}

// methodOf server.* 方法不加后缀
func methodOf(channel, action string) string {
	if strings.HasPrefix(channel, "server.") {
		return channel
	}
	return channel + "." + action
}

// channelOfMethod "depth.update" -> "depth"，"server.ping" 保持原样
func channelOfMethod(method string) string {
	if strings.HasPrefix(method, "server.") {
		return method
	}
	if i := strings.LastIndexByte(method, '.'); i > 0 {
		return method[:i]
	}
	return method
}
