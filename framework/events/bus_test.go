package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryEventBus_MiddlewareOrder(t *testing.T) {
	bus := NewInMemoryEventBus(nil)
	var trail []string
	bus.WithMiddleware(func(ctx context.Context, e Event, next func(context.Context, Event) error) error {
		trail = append(trail, "outer")
		return next(ctx, e)
	}).WithMiddleware(func(ctx context.Context, e Event, next func(context.Context, Event) error) error {
		trail = append(trail, "inner")
		return next(ctx, e)
	})

	_, err := bus.Subscribe("OrderPlaced", EventHandlerFunc(func(ctx context.Context, e Event) error {
		trail = append(trail, "handler")
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewBaseEvent("OrderPlaced", "order-1")))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trail)
}

func TestInMemoryEventBus_DeadLetter(t *testing.T) {
	dlq := NewInMemoryDeadLetterQueue(10)
	bus := NewInMemoryEventBus(NewEventSubscriber()).WithDeadLetterQueue(dlq)
	_, _ = bus.Subscribe("OrderPlaced", &MockEventHandler{err: errors.New("nope")})

	err := bus.Publish(context.Background(), NewBaseEvent("OrderPlaced", "order-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandlerFailed))
	require.Equal(t, 1, dlq.Len())
	assert.Contains(t, dlq.Items()[0].Reason, "nope")
}

func TestInMemoryDeadLetterQueue_Bounded(t *testing.T) {
	dlq := NewInMemoryDeadLetterQueue(2)
	for i := 0; i < 3; i++ {
		_ = dlq.Publish(context.Background(), NewBaseEvent("E", "a"), "r")
	}
	assert.Equal(t, 2, dlq.Len())
}

func TestInMemoryEventBus_Shutdown(t *testing.T) {
	bus := NewInMemoryEventBus(nil)
	require.NoError(t, bus.Shutdown(context.Background()))
	require.NoError(t, bus.Shutdown(context.Background()))

	err := bus.Publish(context.Background(), NewBaseEvent("OrderPlaced", "order-1"))
	assert.True(t, errors.Is(err, ErrBusStopped))
}

func TestAsyncEventPublisher_DeliversAndDrains(t *testing.T) {
	s := NewEventSubscriber()
	var delivered int32
	_, _ = s.Subscribe("OrderPlaced", EventHandlerFunc(func(ctx context.Context, e Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}))

	p := NewAsyncEventPublisher(s, 2, 100)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Publish(context.Background(), NewBaseEvent("OrderPlaced", "order-1")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, int32(20), atomic.LoadInt32(&delivered))

	err := p.Publish(context.Background(), NewBaseEvent("OrderPlaced", "order-1"))
	assert.Error(t, err)
}

func TestAsyncEventPublisher_RetryAndOnError(t *testing.T) {
	var attempts int32
	target := PublisherFunc(func(ctx context.Context, e Event) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("broker down")
	})

	failed := make(chan Event, 1)
	p := NewAsyncEventPublisher(target, 1, 1).
		WithRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}).
		OnError(func(e Event, err error) { failed <- e })

	require.NoError(t, p.Publish(context.Background(), NewBaseEvent("OrderPlaced", "order-1")))

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnError callback")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	require.NoError(t, p.Stop(context.Background()))
}
