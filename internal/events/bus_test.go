package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBus_TypedAndAllHandlers(t *testing.T) {
	bus := NewBus(16, nil)
	bus.Start()
	defer bus.Stop()

	var typed, all int32
	bus.Subscribe(ConnectionChanged, func(Event) { atomic.AddInt32(&typed, 1) })
	bus.SubscribeAll(func(Event) { atomic.AddInt32(&all, 1) })

	bus.Publish(New(ConnectionChanged, ConnectionPayload{Connected: true}))
	bus.Publish(New(TaskReceived, TaskPayload{}))

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&all) == 2 })
	if got := atomic.LoadInt32(&typed); got != 1 {
		t.Fatalf("typed handler calls = %d, want 1", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(16, nil)
	bus.Start()
	defer bus.Stop()

	var calls int32
	unsub := bus.Subscribe(TasksChanged, func(Event) { atomic.AddInt32(&calls, 1) })
	bus.Publish(New(TasksChanged, TasksChangedPayload{Count: 1}))
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })

	unsub()
	bus.Publish(New(TasksChanged, TasksChangedPayload{Count: 2}))
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls after unsubscribe = %d, want 1", got)
	}
}

func TestBus_PanicInHandlerDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(16, nil)
	bus.Start()
	defer bus.Stop()

	var ok int32
	bus.Subscribe(PrintError, func(Event) { panic("boom") })
	bus.Subscribe(PrintError, func(Event) { atomic.AddInt32(&ok, 1) })

	bus.Publish(New(PrintError, ErrorPayload{}))
	bus.Publish(New(PrintError, ErrorPayload{}))
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&ok) == 2 })
}

func TestBus_ChannelPreservesOrder(t *testing.T) {
	bus := NewBus(16, nil)
	bus.Start()
	defer bus.Stop()

	ch, unsub := bus.Channel(8)
	defer unsub()

	for i := 0; i < 3; i++ {
		bus.Publish(New(TasksChanged, TasksChangedPayload{Count: i}))
	}
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			if p := e.Payload.(TasksChangedPayload); p.Count != i {
				t.Fatalf("event %d carried count %d", i, p.Count)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_StopDrainsPending(t *testing.T) {
	bus := NewBus(64, nil)
	var mu sync.Mutex
	seen := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	for i := 0; i < 10; i++ {
		bus.Publish(New(TasksChanged, TasksChangedPayload{Count: i}))
	}
	bus.Start()
	bus.Stop()
	mu.Lock()
	defer mu.Unlock()
	if seen != 10 {
		t.Fatalf("seen = %d, want 10", seen)
	}
}
