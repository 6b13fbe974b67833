package eventsourcing

import (
	"context"
	"sync"
	"testing"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// orderCountProjection считает заказы по агрегатам
type orderCountProjection struct {
	mu     sync.Mutex
	counts map[string]int
	resets int
}

func newOrderCountProjection() *orderCountProjection {
	return &orderCountProjection{counts: make(map[string]int)}
}

func (p *orderCountProjection) Name() string { return "order-count" }

func (p *orderCountProjection) EventTypes() []string { return []string{"OrderPlaced"} }

func (p *orderCountProjection) HandleEvent(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[event.AggregateID()]++
	return nil
}

func (p *orderCountProjection) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = make(map[string]int)
	p.resets++
	return nil
}

func (p *orderCountProjection) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[id]
}

func newProjectionFixture(t *testing.T) (*InMemoryEventStore, *events.EventSubscriber, *ProjectionManager) {
	t.Helper()
	store, err := NewInMemoryEventStore(DefaultStoreConfig())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	bus := events.NewEventSubscriber()
	config := DefaultReplayConfig()
	config.DelayBetweenBatches = 0
	manager, err := NewProjectionManager(store, bus, config, nil)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return store, bus, manager
}

func TestProjectionManager_Register(t *testing.T) {
	_, bus, manager := newProjectionFixture(t)
	projection := newOrderCountProjection()

	if err := manager.Register(projection); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := manager.Register(projection); !core.HasCode(err, core.ErrValidation) {
		t.Errorf("Expected validation error for duplicate projection, got %v", err)
	}
	if got := len(bus.Subscriptions("OrderPlaced")); got != 1 {
		t.Errorf("Expected 1 subscription, got %d", got)
	}

	if err := manager.Unregister("order-count"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := bus.SubscriptionCount(); got != 0 {
		t.Errorf("Expected no subscriptions after unregister, got %d", got)
	}
	if err := manager.Unregister("order-count"); !core.HasCode(err, core.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestProjectionManager_LiveEvents(t *testing.T) {
	_, bus, manager := newProjectionFixture(t)
	projection := newOrderCountProjection()
	if err := manager.Register(projection); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for _, e := range newEvents("OrderPlaced", "order-1", 2) {
		if err := bus.Publish(ctx, e); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := bus.Publish(ctx, events.NewBaseEvent("OrderShipped", "order-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if got := projection.count("order-1"); got != 2 {
		t.Errorf("Expected 2 orders, got %d", got)
	}
	status, err := manager.Status("order-count")
	if err != nil {
		t.Fatal(err)
	}
	if status.EventsProcessed != 2 || status.State != ProjectionRunning {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestProjectionManager_Rebuild(t *testing.T) {
	store, _, manager := newProjectionFixture(t)
	ctx := context.Background()

	if err := store.Append(ctx, "order-1", newEvents("OrderPlaced", "order-1", 3), ExpectNoStream()); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "order-2", newEvents("OrderPlaced", "order-2", 1), ExpectNoStream()); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "order-2", newEvents("OrderShipped", "order-2", 1), ExpectVersion(1)); err != nil {
		t.Fatal(err)
	}

	projection := newOrderCountProjection()
	projection.counts["stale"] = 10
	if err := manager.Register(projection); err != nil {
		t.Fatal(err)
	}

	progress, err := manager.Rebuild(ctx, "order-count")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if progress.TotalEvents != 4 || progress.FailedEvents != 0 {
		t.Errorf("Unexpected progress %+v", progress)
	}
	if projection.resets != 1 {
		t.Errorf("Expected reset to be called once, got %d", projection.resets)
	}
	if projection.count("stale") != 0 || projection.count("order-1") != 3 || projection.count("order-2") != 1 {
		t.Errorf("Unexpected projection state %v", projection.counts)
	}

	status, _ := manager.Status("order-count")
	if status.Progress != 100 || status.EventsProcessed != 4 {
		t.Errorf("Unexpected status %+v", status)
	}

	if _, err := manager.Rebuild(ctx, "missing"); !core.HasCode(err, core.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestProjectionManager_HandlerMiddleware(t *testing.T) {
	store, bus, manager := newProjectionFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := make(map[string]int)
	manager.WithHandlerMiddleware(func(name string, next events.EventHandler) events.EventHandler {
		return events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
			mu.Lock()
			calls[name]++
			mu.Unlock()
			return next.Handle(ctx, event)
		})
	})

	projection := newOrderCountProjection()
	if err := manager.Register(projection); err != nil {
		t.Fatal(err)
	}

	live := newEvents("OrderPlaced", "order-1", 1)
	if result := bus.HandleEvent(ctx, live[0]); result.Err() != nil {
		t.Fatalf("live dispatch failed: %v", result.Err())
	}
	if err := store.Append(ctx, "order-1", newEvents("OrderPlaced", "order-1", 2), ExpectNoStream()); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Rebuild(ctx, "order-count"); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls["order-count"] != 3 {
		t.Errorf("Expected middleware to see 1 live and 2 rebuilt events, got %d", calls["order-count"])
	}
	if projection.count("order-1") != 2 {
		t.Errorf("Expected rebuilt count 2, got %d", projection.count("order-1"))
	}
}

func TestProjectionBuilder(t *testing.T) {
	var placed, resets int
	projection := NewProjectionBuilder("builder").
		OnEvent("OrderPlaced", func(ctx context.Context, e events.Event) error {
			placed++
			return nil
		}).
		OnReset(func(ctx context.Context) error {
			resets++
			return nil
		}).
		Build()

	if got := projection.EventTypes(); len(got) != 1 || got[0] != "OrderPlaced" {
		t.Fatalf("Unexpected event types %v", got)
	}

	ctx := context.Background()
	_ = projection.HandleEvent(ctx, events.NewBaseEvent("OrderPlaced", "o"))
	_ = projection.HandleEvent(ctx, events.NewBaseEvent("Unknown", "o"))
	_ = projection.Reset(ctx)

	if placed != 1 || resets != 1 {
		t.Errorf("Expected 1 placed and 1 reset, got %d and %d", placed, resets)
	}
}
