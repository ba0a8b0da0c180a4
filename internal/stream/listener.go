package stream

import "sync"

// Stream 某个频道的一个监听者。多个 Stream 可以共享同一个线上订阅。
type Stream[T any] struct {
	id  string
	key uint64
	ch  chan Event[T]

	done     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool

	detach func()
}

func newStream[T any](id string, key uint64, buffer int) *Stream[T] {
	return &Stream[T]{
		id:   id,
		key:  key,
		ch:   make(chan Event[T], buffer),
		done: make(chan struct{}),
	}
}

// ID 频道标识
func (s *Stream[T]) ID() string { return s.id }

// Events 消息通道，Cancel 或主动断开后关闭
func (s *Stream[T]) Events() <-chan Event[T] { return s.ch }

// Done 取消后关闭
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Cancel 取消监听。最后一个监听者取消时发送退订并移除订阅。
// 返回后不会再收到任何消息，可重复调用。
func (s *Stream[T]) Cancel() {
	s.stop()
	if s.detach != nil {
		s.detach()
	}
	s.shutdown()
}

func (s *Stream[T]) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// shutdown 等待进行中的推送退出，丢弃未读消息后关闭通道
func (s *Stream[T]) shutdown() {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for {
		select {
		case <-s.ch:
		default:
			close(s.ch)
			return
		}
	}
}

// push 在读 goroutine 上同步投递；监听者处理过慢会阻塞其他频道，取消时立即返回
func (s *Stream[T]) push(ev Event[T]) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}
