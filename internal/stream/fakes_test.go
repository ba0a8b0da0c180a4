package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMsg 测试用消息：线上格式 "channel|data"
type fakeMsg struct {
	Channel string
	Data    string
}

type fakeCodec struct {
	BaseBuilder

	mu      sync.Mutex
	failSub map[string]bool
}

func (c *fakeCodec) Decode(raw []byte) (fakeMsg, error) {
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return fakeMsg{}, errors.New("malformed frame")
	}
	return fakeMsg{Channel: parts[0], Data: parts[1]}, nil
}

func (c *fakeCodec) ChannelID(msg fakeMsg) (string, error) {
	if msg.Channel == "" {
		return "", errors.New("no channel")
	}
	return msg.Channel, nil
}

func (c *fakeCodec) BuildSubscribe(channel string, args []any) ([]byte, error) {
	c.mu.Lock()
	fail := c.failSub[channel]
	c.mu.Unlock()
	if fail {
		return nil, errors.New("build failed")
	}
	if len(args) == 0 {
		return []byte("sub:" + channel), nil
	}
	return []byte(fmt.Sprintf("sub:%s:%v", channel, args)), nil
}

func (c *fakeCodec) BuildUnsubscribe(id string) ([]byte, error) {
	return []byte("unsub:" + id), nil
}

func (c *fakeCodec) BuildAuth(apiKey, signature string, nonce int64) ([]byte, error) {
	return []byte(fmt.Sprintf("auth:%s:%d", apiKey, nonce)), nil
}

func (c *fakeCodec) setFail(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSub == nil {
		c.failSub = make(map[string]bool)
	}
	c.failSub[channel] = true
}

// errorCodec "error" 开头的数据视为频道错误
type errorCodec struct{ fakeCodec }

func (c *errorCodec) MessageError(msg fakeMsg) error {
	if strings.HasPrefix(msg.Data, "error") {
		return errors.New(msg.Data)
	}
	return nil
}

// ackCodec "ack|<nonce>" 是鉴权应答
type ackCodec struct{ fakeCodec }

func (c *ackCodec) AuthAck(msg fakeMsg) (int64, bool) {
	if msg.Channel != "ack" {
		return 0, false
	}
	n, err := strconv.ParseInt(msg.Data, 10, 64)
	return n, err == nil
}

// fakeTransport 内存传输层：记录写出的报文，由测试注入入站消息和断开事件
type fakeTransport struct {
	net   *fakeNet
	hooks TransportHooks

	mu     sync.Mutex
	open   bool
	closed bool
	writes []string
}

func (t *fakeTransport) Open(ctx context.Context, _ Endpoint, _ time.Duration) error {
	if err := t.net.nextOpenErr(); err != nil {
		return err
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	if t.hooks.OnOpen != nil {
		t.hooks.OnOpen()
	}
	return nil
}

func (t *fakeTransport) Write(payload []byte) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.net.backpressure {
		t.mu.Unlock()
		return ErrBackpressure
	}
	t.writes = append(t.writes, string(payload))
	t.mu.Unlock()

	if t.net.respond != nil {
		if reply := t.net.respond(string(payload)); reply != "" {
			go t.inject(reply)
		}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.finish(true, nil)
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// drop 模拟对端断开
func (t *fakeTransport) drop() {
	t.finish(false, io.ErrUnexpectedEOF)
}

func (t *fakeTransport) finish(clean bool, err error) {
	t.mu.Lock()
	if t.closed || !t.open {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.open = false
	t.mu.Unlock()
	if t.hooks.OnClose != nil {
		t.hooks.OnClose(clean, err)
	}
}

func (t *fakeTransport) inject(raw string) {
	t.hooks.OnMessage([]byte(raw))
}

func (t *fakeTransport) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// fakeNet 记录每次 connect 创建的会话
type fakeNet struct {
	mu         sync.Mutex
	transports []*fakeTransport
	openErrs   []error

	backpressure bool
	respond      func(payload string) string
}

func (n *fakeNet) factory(_ TransportOptions, hooks TransportHooks) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &fakeTransport{net: n, hooks: hooks}
	n.transports = append(n.transports, t)
	return t
}

func (n *fakeNet) nextOpenErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.openErrs) == 0 {
		return nil
	}
	err := n.openErrs[0]
	n.openErrs = n.openErrs[1:]
	return err
}

func (n *fakeNet) sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports)
}

func (n *fakeNet) session(i int) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[i]
}

func (n *fakeNet) last() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[len(n.transports)-1]
}

// recordingObserver 记录关心的指标事件
type recordingObserver struct {
	nopObserver

	mu          sync.Mutex
	skipped     []string
	dropped     []string
	exhausted   int
	scheduled   int
	resubFailed int
	authAcked   int
}

func (o *recordingObserver) SendSkipped(_, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped = append(o.skipped, reason)
}

func (o *recordingObserver) Dropped(_, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped = append(o.dropped, reason)
}

func (o *recordingObserver) BudgetExhausted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *recordingObserver) ReconnectScheduled(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled++
}

func (o *recordingObserver) ResubscribeFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resubFailed++
}

func (o *recordingObserver) AuthAckWait(_ string, _ time.Duration, acked bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if acked {
		o.authAcked++
	}
}

// connectHook 每次连接成功后回调 fn，n 是第几次成功
type connectHook struct {
	nopObserver

	mu sync.Mutex
	n  int
	fn func(n int)
}

func (h *connectHook) Connected(_ string, err error) {
	if err != nil {
		return
	}
	h.mu.Lock()
	h.n++
	n, fn := h.n, h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// ackAuth 对 "auth:<key>:<nonce>" 回复 "ack|<nonce>"
func ackAuth(payload string) string {
	if !strings.HasPrefix(payload, "auth:") {
		return ""
	}
	return "ack|" + payload[strings.LastIndex(payload, ":")+1:]
}

type fixedNonce struct{ n int64 }

func (f *fixedNonce) Next() int64 {
	f.n++
	return f.n
}

func newTestService[T any](t *testing.T, codec Codec[T], net *fakeNet, extra ...Option) *Service[T] {
	t.Helper()
	opts := DefaultOptions()
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.ReplayRate = 0
	base := []Option{
		WithOptions(opts),
		WithTransportFactory(net.factory),
		WithNonceSource(&fixedNonce{n: 1000}),
	}
	s, err := New[T]("test", "wss://stream.example.com/v3/", codec, append(base, extra...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func recv[T any](t *testing.T, s *Stream[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("stream %s closed", s.ID())
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event on %s", s.ID())
	}
	return Event[T]{}
}

func count(writes []string, payload string) int {
	n := 0
	for _, w := range writes {
		if w == payload {
			n++
		}
	}
	return n
}
