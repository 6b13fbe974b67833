package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akriventsev/eventcore/framework/metrics"
)

// MockEventHandler обработчик для тестов
type MockEventHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
	delay  time.Duration
	panics bool
}

func (h *MockEventHandler) Handle(ctx context.Context, event Event) error {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.panics {
		panic("boom")
	}
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return h.err
}

func (h *MockEventHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func newTestEvent(eventType, aggregateID string) *BaseEvent {
	return NewBaseEvent(eventType, aggregateID)
}

func TestEventSubscriber_DeliversToAllHandlers(t *testing.T) {
	s := NewEventSubscriber()
	h1 := &MockEventHandler{}
	h2 := &MockEventHandler{}
	other := &MockEventHandler{}

	if _, err := s.Subscribe("OrderPlaced", h1); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	_, _ = s.Subscribe("OrderPlaced", h2)
	_, _ = s.Subscribe("OrderShipped", other)

	result := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-1"))

	if result.HandlerCount() != 2 {
		t.Errorf("Expected 2 outcomes, got %d", result.HandlerCount())
	}
	if result.Err() != nil {
		t.Errorf("Expected no error, got %v", result.Err())
	}
	if h1.Count() != 1 || h2.Count() != 1 {
		t.Errorf("Expected both handlers to receive event, got %d and %d", h1.Count(), h2.Count())
	}
	if other.Count() != 0 {
		t.Error("Handler of another type should not be called")
	}
}

func TestEventSubscriber_FailureIsolation(t *testing.T) {
	s := NewEventSubscriber()
	failing := &MockEventHandler{err: errors.New("handler failed")}
	panicking := &MockEventHandler{panics: true}
	healthy := &MockEventHandler{}

	_, _ = s.Subscribe("OrderPlaced", failing)
	_, _ = s.Subscribe("OrderPlaced", panicking)
	_, _ = s.Subscribe("OrderPlaced", healthy)

	result := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-1"))

	if healthy.Count() != 1 {
		t.Error("Healthy handler should still run")
	}
	if len(result.Failed()) != 2 {
		t.Fatalf("Expected 2 failed outcomes, got %d", len(result.Failed()))
	}
	if !errors.Is(result.Err(), ErrHandlerFailed) {
		t.Errorf("Expected ErrHandlerFailed, got %v", result.Err())
	}
	if !result.Outcomes[2].Succeeded() {
		t.Error("Expected outcome order to follow subscription order")
	}
}

func TestEventSubscriber_HandlerTimeout(t *testing.T) {
	recorder := metrics.NewInMemoryRecorder()
	s := NewEventSubscriber(WithHandlerTimeout(20*time.Millisecond), WithRecorder(recorder))
	slow := &MockEventHandler{delay: time.Second}
	fast := &MockEventHandler{}

	_, _ = s.Subscribe("OrderPlaced", slow)
	_, _ = s.Subscribe("OrderPlaced", fast)

	start := time.Now()
	result := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-1"))
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("Dispatch should not wait for slow handler, took %v", elapsed)
	}
	if !result.Outcomes[0].TimedOut {
		t.Error("Expected first outcome to be a timeout")
	}
	if !errors.Is(result.Outcomes[0].Err, ErrHandlerTimeout) {
		t.Errorf("Expected ErrHandlerTimeout, got %v", result.Outcomes[0].Err)
	}
	if fast.Count() != 1 {
		t.Error("Fast handler should complete")
	}
	if recorder.Counter(metrics.EventBusHandlerTimeoutsTotal, nil) != 1 {
		t.Error("Expected timeout metric to be recorded")
	}
	if recorder.Counter(metrics.EventBusHandlerSuccessTotal, nil) != 1 {
		t.Error("Expected success metric to be recorded")
	}
}

func TestEventSubscriber_Concurrent(t *testing.T) {
	s := NewEventSubscriber()
	var running, maxRunning int32
	handler := EventHandlerFunc(func(ctx context.Context, e Event) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	for i := 0; i < 3; i++ {
		_, _ = s.Subscribe("Tick", handler)
	}

	s.HandleEvent(context.Background(), newTestEvent("Tick", "clock"))

	if atomic.LoadInt32(&maxRunning) < 2 {
		t.Errorf("Expected handlers to run concurrently, max parallel %d", maxRunning)
	}
}

func TestEventSubscriber_NoSubscribers(t *testing.T) {
	s := NewEventSubscriber()
	result := s.HandleEvent(context.Background(), newTestEvent("Nobody", "x"))
	if result.HandlerCount() != 0 || result.Err() != nil {
		t.Errorf("Expected empty successful result, got %+v", result)
	}
}

func TestEventSubscriber_Unsubscribe(t *testing.T) {
	s := NewEventSubscriber()
	h := &MockEventHandler{}
	sub, _ := s.Subscribe("OrderPlaced", h)
	keep, _ := s.Subscribe("OrderPlaced", h)

	if err := s.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsActive() {
		t.Error("Subscription should be inactive")
	}
	if !keep.IsActive() {
		t.Error("Other subscription with same handler should stay active")
	}
	if err := s.Unsubscribe(sub); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	_ = s.Publish(context.Background(), newTestEvent("OrderPlaced", "order-1"))
	if h.Count() != 1 {
		t.Errorf("Expected 1 delivery, got %d", h.Count())
	}

	s.UnsubscribeAll()
	if s.SubscriptionCount() != 0 {
		t.Error("Expected no subscriptions")
	}
	if keep.IsActive() {
		t.Error("UnsubscribeAll should deactivate subscriptions")
	}
}

func TestEventSubscriber_SubscribeValidation(t *testing.T) {
	s := NewEventSubscriber()
	if _, err := s.Subscribe("", &MockEventHandler{}); err == nil {
		t.Error("Expected error for empty event type")
	}
	if _, err := s.Subscribe("X", nil); err == nil {
		t.Error("Expected error for nil handler")
	}
}

func TestFilteredSubscriber_PredicateOncePerEvent(t *testing.T) {
	var calls int32
	filter := func(e Event) bool {
		atomic.AddInt32(&calls, 1)
		return e.AggregateID() == "order-1"
	}
	s := NewFilteredSubscriber(filter)
	h1 := &MockEventHandler{}
	h2 := &MockEventHandler{}
	_, _ = s.Subscribe("OrderPlaced", h1)
	_, _ = s.Subscribe("OrderPlaced", h2)

	accepted := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-1"))
	rejected := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-2"))

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected filter to run once per event, ran %d times", calls)
	}
	if accepted.Filtered || accepted.HandlerCount() != 2 {
		t.Errorf("Expected accepted event to reach both handlers: %+v", accepted)
	}
	if !rejected.Filtered || rejected.HandlerCount() != 0 {
		t.Errorf("Expected rejected event to be filtered: %+v", rejected)
	}
	if h1.Count() != 1 || h2.Count() != 1 {
		t.Error("Handlers should only see accepted event")
	}
}

func TestFilteredSubscriber_PanickingFilterRejects(t *testing.T) {
	s := NewFilteredSubscriber(func(Event) bool { panic("bad filter") })
	h := &MockEventHandler{}
	_, _ = s.Subscribe("OrderPlaced", h)

	result := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-1"))
	if !result.Filtered || h.Count() != 0 {
		t.Error("Expected event to be rejected")
	}
}

func TestPrioritySubscriber_Order(t *testing.T) {
	s := NewPrioritySubscriber()
	var mu sync.Mutex
	var order []string
	record := func(name string) EventHandler {
		return EventHandlerFunc(func(ctx context.Context, e Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	_, _ = s.SubscribeWithPriority("OrderPlaced", record("low"), 1)
	_, _ = s.SubscribeWithPriority("OrderPlaced", record("high"), 10)
	_, _ = s.SubscribeWithPriority("OrderPlaced", record("mid-a"), 5)
	_, _ = s.SubscribeWithPriority("OrderPlaced", record("mid-b"), 5)
	_, _ = s.Subscribe("OrderPlaced", record("default"))

	if err := s.Publish(context.Background(), newTestEvent("OrderPlaced", "order-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	expected := []string{"high", "mid-a", "mid-b", "low", "default"}
	if len(order) != len(expected) {
		t.Fatalf("Expected %d calls, got %v", len(expected), order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("Position %d: expected %s, got %s", i, expected[i], order[i])
		}
	}
}

func TestPrioritySubscriber_Sequential(t *testing.T) {
	s := NewPrioritySubscriber()
	var running, overlap int32
	handler := EventHandlerFunc(func(ctx context.Context, e Event) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	for i := 0; i < 3; i++ {
		_, _ = s.SubscribeWithPriority("Tick", handler, i)
	}

	s.HandleEvent(context.Background(), newTestEvent("Tick", "clock"))

	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("Priority handlers must not overlap")
	}
}

func TestPrioritySubscriber_FailureDoesNotStopChain(t *testing.T) {
	s := NewPrioritySubscriber()
	first := &MockEventHandler{err: errors.New("first failed")}
	second := &MockEventHandler{}
	_, _ = s.SubscribeWithPriority("OrderPlaced", first, 2)
	_, _ = s.SubscribeWithPriority("OrderPlaced", second, 1)

	result := s.HandleEvent(context.Background(), newTestEvent("OrderPlaced", "order-1"))
	if second.Count() != 1 {
		t.Error("Lower priority handler should still run")
	}
	if len(result.Failed()) != 1 {
		t.Errorf("Expected 1 failure, got %d", len(result.Failed()))
	}
}
