package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryConcurrentSubscribeActivatesOnce(t *testing.T) {
	var activations, deactivations atomic.Int32
	r := NewRegistry[string](4,
		func(Subscription) (uint64, error) { activations.Add(1); return 1, nil },
		func(string) { deactivations.Add(1) },
	)

	var wg sync.WaitGroup
	streams := make([]*Stream[string], 50)
	for i := range streams {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Subscribe("book", "book", []any{"BTC_USDT"})
			if err != nil {
				t.Errorf("Subscribe failed: %v", err)
				return
			}
			streams[i] = s
		}(i)
	}
	wg.Wait()

	if activations.Load() != 1 || r.Len() != 1 {
		t.Fatalf("expected one activation, got %d (len=%d)", activations.Load(), r.Len())
	}

	for _, s := range streams {
		wg.Add(1)
		go func(s *Stream[string]) {
			defer wg.Done()
			s.Cancel()
		}(s)
	}
	wg.Wait()

	if deactivations.Load() != 1 || r.Len() != 0 {
		t.Fatalf("expected one deactivation, got %d (len=%d)", deactivations.Load(), r.Len())
	}
}

func TestRegistryActivateFailureRollsBack(t *testing.T) {
	r := NewRegistry[string](4, func(Subscription) (uint64, error) { return 0, ErrNotConnected }, nil)

	if _, err := r.Subscribe("trades", "trades", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if r.Has("trades") || len(r.Snapshot()) != 0 {
		t.Fatalf("failed subscribe must not leave an entry")
	}
}

func TestRegistrySnapshotKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry[string](4, nil, nil)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Subscribe(id, id, []any{id + "-arg"}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	r.Unsubscribe("a")

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != "c" || snap[1].ID != "b" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap[0].Args[0] != "c-arg" {
		t.Fatalf("args not kept: %+v", snap[0])
	}
}

func TestRegistryDeliverAfterCancel(t *testing.T) {
	r := NewRegistry[string](1, nil, nil)
	s, _ := r.Subscribe("trades", "trades", nil)
	other, _ := r.Subscribe("trades", "trades", nil)

	if !r.Deliver("trades", Event[string]{Msg: "1"}) {
		t.Fatalf("expected delivery")
	}
	s.Cancel()

	// 缓冲已满的监听者取消后，投递不能阻塞
	<-other.Events()
	r.Deliver("trades", Event[string]{Msg: "2"})
	if ev := <-other.Events(); ev.Msg != "2" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if r.Deliver("unknown", Event[string]{Msg: "x"}) {
		t.Fatalf("unknown channel must not be delivered")
	}
}

func TestRegistryClearClosesWithoutDeactivate(t *testing.T) {
	var deactivated atomic.Int32
	r := NewRegistry[string](4, nil, func(string) { deactivated.Add(1) })
	s, _ := r.Subscribe("trades", "trades", nil)

	r.Clear()
	if _, ok := <-s.Events(); ok {
		t.Fatalf("listener should be closed")
	}
	if deactivated.Load() != 0 || r.Len() != 0 {
		t.Fatalf("Clear must not send unsubscribe")
	}
	s.Cancel()
	if deactivated.Load() != 0 {
		t.Fatalf("cancel after Clear must be a no-op")
	}
}

func TestRegistryReplaySkipsCurrentSession(t *testing.T) {
	r := NewRegistry[string](4, func(Subscription) (uint64, error) { return 2, nil }, nil)
	_, _ = r.Subscribe("book", "book", nil)
	_, _ = r.Subscribe("trades", "trades", nil)

	var sent []string
	send := func(sub Subscription) (uint64, error) {
		sent = append(sent, sub.ID)
		return 2, nil
	}
	if ok, err := r.Replay("book", 2, send); ok || err != nil {
		t.Fatalf("already sent on session 2, got ok=%v err=%v", ok, err)
	}
	if ok, _ := r.Replay("trades", 3, send); !ok {
		t.Fatalf("expected replay on a new session")
	}
	if gen, _ := r.SentOn("trades"); gen != 2 {
		t.Fatalf("replay must record the session it was written on, got %d", gen)
	}
	if ok, _ := r.Replay("gone", 3, send); ok {
		t.Fatalf("unknown channel must not be replayed")
	}
	if ok, err := r.Replay("book", 3, func(Subscription) (uint64, error) { return 0, ErrBackpressure }); ok || !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected send error, got ok=%v err=%v", ok, err)
	}
	if gen, _ := r.SentOn("book"); gen != 2 {
		t.Fatalf("failed replay must keep the previous session, got %d", gen)
	}
	if len(sent) != 1 || sent[0] != "trades" {
		t.Fatalf("unexpected sends: %v", sent)
	}
}
