package journal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-stream/internal/stream"
)

// 事件类型
const (
	KindConnected       = "connected"
	KindConnectFailed   = "connect_failed"
	KindDisconnected    = "disconnected"
	KindClosed          = "closed"
	KindReconnect       = "reconnect_scheduled"
	KindBudgetExhausted = "budget_exhausted"
	KindResubFailed     = "resubscribe_failed"
	KindUnhealthy       = "unhealthy"
	KindRecovered       = "recovered"
)

// Recorder 把连接生命周期事件异步写入 DB，其余指标转发给 next。
// 回调可能在读协程上执行，队列满时丢弃事件而不是阻塞。
type Recorder struct {
	db   *DB
	next stream.Observer

	queue   chan EventRecord
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder next 为 nil 时只写 DB
func NewRecorder(db *DB, next stream.Observer, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		db:    db,
		next:  next,
		queue: make(chan EventRecord, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		if err := r.db.InsertEvent(e); err != nil {
			log.Error().Err(err).Str("kind", e.Kind).Msg("写入事件失败")
		}
	}
}

// Close 写完队列中剩余事件后返回
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// Dropped 因队列满丢弃的事件数
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) record(client, kind, detail string) {
	e := EventRecord{Client: client, Kind: kind, Detail: detail, Timestamp: time.Now().UnixMilli()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Connected(client string, err error) {
	if err != nil {
		r.record(client, KindConnectFailed, err.Error())
	} else {
		r.record(client, KindConnected, "")
	}
	if r.next != nil {
		r.next.Connected(client, err)
	}
}

func (r *Recorder) Disconnected(client string, manual bool) {
	if manual {
		r.record(client, KindClosed, "")
	} else {
		r.record(client, KindDisconnected, "")
	}
	if r.next != nil {
		r.next.Disconnected(client, manual)
	}
}

func (r *Recorder) ReconnectScheduled(client string) {
	r.record(client, KindReconnect, "")
	if r.next != nil {
		r.next.ReconnectScheduled(client)
	}
}

func (r *Recorder) BudgetExhausted(client string) {
	r.record(client, KindBudgetExhausted, "")
	if r.next != nil {
		r.next.BudgetExhausted(client)
	}
}

func (r *Recorder) ResubscribeFailed(client string) {
	r.record(client, KindResubFailed, "")
	if r.next != nil {
		r.next.ResubscribeFailed(client)
	}
}

func (r *Recorder) Routed(client, channel string) {
	if r.next != nil {
		r.next.Routed(client, channel)
	}
}

func (r *Recorder) Dropped(client, reason string) {
	if r.next != nil {
		r.next.Dropped(client, reason)
	}
}

func (r *Recorder) SendSkipped(client, reason string) {
	if r.next != nil {
		r.next.SendSkipped(client, reason)
	}
}

func (r *Recorder) Subscriptions(client string, n int) {
	if r.next != nil {
		r.next.Subscriptions(client, n)
	}
}

func (r *Recorder) BytesReceived(client string, n int) {
	if r.next != nil {
		r.next.BytesReceived(client, n)
	}
}

func (r *Recorder) AuthAckWait(client string, d time.Duration, acked bool) {
	if r.next != nil {
		r.next.AuthAckWait(client, d, acked)
	}
}

// Unhealthy / Recovered 供看门狗回调
func (r *Recorder) Unhealthy(client, reason string) {
	r.record(client, KindUnhealthy, reason)
}

func (r *Recorder) Recovered(client string) {
	r.record(client, KindRecovered, "")
}
