package stream

import (
	"sync"
)

type entry[T any] struct {
	sub       Subscription
	listeners []*Stream[T]
	sentGen   uint64 // 订阅报文最近一次写出时的会话 generation，0 表示当前未发出
}

func (e *entry[T]) remove(key uint64) bool {
	for i, l := range e.listeners {
		if l.key == key {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Registry 频道标识 -> 订阅。
// 订阅/退订报文在锁内发出，保证同一频道的订阅一定先于退订写入发送队列。
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	order   []string
	nextKey uint64
	buffer  int

	activate   func(sub Subscription) (uint64, error)
	deactivate func(channelID string)
	onChange   func(n int)
}

// NewRegistry 创建订阅登记。activate 在频道首次订阅时发送订阅报文并返回写出时的会话 generation（未写出返回 0），
// deactivate 在最后一个监听者离开时发送退订报文。
func NewRegistry[T any](buffer int, activate func(Subscription) (uint64, error), deactivate func(string)) *Registry[T] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Registry[T]{
		entries:    make(map[string]*entry[T]),
		buffer:     buffer,
		activate:   activate,
		deactivate: deactivate,
	}
}

// Subscribe 新增一个监听者；频道已存在时共享上游订阅，不产生额外的线上请求
func (r *Registry[T]) Subscribe(id, channel string, args []any) (*Stream[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextKey++
	s := newStream[T](id, r.nextKey, r.buffer)
	key := s.key
	s.detach = func() { r.detach(id, key) }

	if e, ok := r.entries[id]; ok {
		e.listeners = append(e.listeners, s)
		return s, nil
	}

	e := &entry[T]{
		sub:       Subscription{ID: id, Channel: channel, Args: append([]any(nil), args...)},
		listeners: []*Stream[T]{s},
	}
	r.entries[id] = e
	r.order = append(r.order, id)

	if r.activate != nil {
		gen, err := r.activate(e.sub)
		if err != nil {
			r.removeLocked(id)
			return nil, err
		}
		e.sentGen = gen
	}
	r.changedLocked()
	return s, nil
}

// detach 监听者取消
func (r *Registry[T]) detach(id string, key uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || !e.remove(key) {
		return
	}
	if len(e.listeners) > 0 {
		return
	}
	r.removeLocked(id)
	if r.deactivate != nil {
		r.deactivate(id)
	}
	r.changedLocked()
}

// Unsubscribe 显式退订：发送退订报文并关闭该频道全部监听者
func (r *Registry[T]) Unsubscribe(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(id)
	if r.deactivate != nil {
		r.deactivate(id)
	}
	r.changedLocked()
	r.mu.Unlock()

	for _, l := range e.listeners {
		l.shutdown()
	}
	return true
}

// Clear 清空所有订阅并关闭监听者，不发送退订（用于主动断开）
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry[T])
	r.order = nil
	r.changedLocked()
	r.mu.Unlock()

	for _, e := range entries {
		for _, l := range e.listeners {
			l.shutdown()
		}
	}
}

// Deliver 把事件推给频道的全部监听者，没有订阅时返回 false
func (r *Registry[T]) Deliver(id string, ev Event[T]) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	var listeners []*Stream[T]
	if ok {
		listeners = append(listeners, e.listeners...)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, l := range listeners {
		l.push(ev)
	}
	return true
}

// Snapshot 按订阅顺序返回当前全部订阅，供重连后重放
func (r *Registry[T]) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.entries[id]; ok {
			out = append(out, e.sub)
		}
	}
	return out
}

// Has 频道是否有活跃订阅
func (r *Registry[T]) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// SentOn 频道订阅报文最近一次写出时的会话 generation
func (r *Registry[T]) SentOn(id string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.sentGen, true
}

// Replay 在锁内重发单个频道的订阅报文。频道已退订，或者已经在 gen 会话上发出过时不发送，返回 false。
// send 返回实际写出时的会话 generation。
func (r *Registry[T]) Replay(id string, gen uint64, send func(sub Subscription) (uint64, error)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.sentGen == gen {
		return false, nil
	}
	sent, err := send(e.sub)
	if err != nil {
		return false, err
	}
	e.sentGen = sent
	return true, nil
}

// Len 活跃订阅数
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry[T]) removeLocked(id string) {
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry[T]) changedLocked() {
	if r.onChange != nil {
		r.onChange(len(r.entries))
	}
}
