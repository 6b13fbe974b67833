package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
)

// ErrBusStopped шина остановлена
var ErrBusStopped = core.Sentinel(core.ErrComponentShuttingDown, "event bus is stopped")

// InMemoryEventBus шина событий поверх подписчика: middleware,
// dead letter queue и корректная остановка
type InMemoryEventBus struct {
	subscriber SubscriberDispatcher
	middleware []EventMiddleware
	dlq        DeadLetterQueue
	mu         sync.RWMutex

	wg         sync.WaitGroup // активные публикации
	shutdownMu sync.Mutex
	stopped    bool
}

// EventMiddleware middleware для событий
type EventMiddleware func(ctx context.Context, event Event, next func(ctx context.Context, event Event) error) error

// DeadLetterQueue интерфейс для dead letter queue
type DeadLetterQueue interface {
	Publish(ctx context.Context, event Event, reason string) error
}

// NewInMemoryEventBus создает шину. Если subscriber равен nil, используется EventSubscriber.
func NewInMemoryEventBus(subscriber SubscriberDispatcher) *InMemoryEventBus {
	if subscriber == nil {
		subscriber = NewEventSubscriber()
	}
	return &InMemoryEventBus{
		subscriber: subscriber,
		middleware: make([]EventMiddleware, 0),
	}
}

// WithMiddleware добавляет middleware к шине
func (b *InMemoryEventBus) WithMiddleware(middleware EventMiddleware) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
	return b
}

// WithDeadLetterQueue устанавливает DLQ
func (b *InMemoryEventBus) WithDeadLetterQueue(dlq DeadLetterQueue) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = dlq
	return b
}

// Publish публикует событие через цепочку middleware
func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.shutdownMu.Lock()
	if b.stopped {
		b.shutdownMu.Unlock()
		return ErrBusStopped
	}
	b.wg.Add(1)
	b.shutdownMu.Unlock()
	defer b.wg.Done()

	b.mu.RLock()
	chain := make([]EventMiddleware, len(b.middleware))
	copy(chain, b.middleware)
	dlq := b.dlq
	b.mu.RUnlock()

	next := func(ctx context.Context, event Event) error {
		return b.subscriber.HandleEvent(ctx, event).Err()
	}
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		prevNext := next
		next = func(ctx context.Context, event Event) error {
			return mw(ctx, event, prevNext)
		}
	}

	err := next(ctx, event)
	if err != nil && dlq != nil {
		_ = dlq.Publish(ctx, event, err.Error())
	}
	return err
}

// HandleEvent доставляет событие напрямую подписчику, минуя middleware
func (b *InMemoryEventBus) HandleEvent(ctx context.Context, event Event) DispatchResult {
	return b.subscriber.HandleEvent(ctx, event)
}

// Subscribe подписывается на тип события
func (b *InMemoryEventBus) Subscribe(eventType string, handler EventHandler) (*Subscription, error) {
	return b.subscriber.Subscribe(eventType, handler)
}

// Unsubscribe отписывает подписку
func (b *InMemoryEventBus) Unsubscribe(sub *Subscription) error {
	return b.subscriber.Unsubscribe(sub)
}

// UnsubscribeAll удаляет все подписки
func (b *InMemoryEventBus) UnsubscribeAll() {
	b.subscriber.UnsubscribeAll()
}

// Shutdown корректно завершает работу шины. Повторный вызов ничего не делает.
func (b *InMemoryEventBus) Shutdown(ctx context.Context) error {
	b.shutdownMu.Lock()
	if b.stopped {
		b.shutdownMu.Unlock()
		return nil
	}
	b.stopped = true
	b.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timeout after waiting for active publications")
	}
}

// DeadLetter событие, не доставленное шиной
type DeadLetter struct {
	Event    Event
	Reason   string
	FailedAt time.Time
}

// InMemoryDeadLetterQueue DLQ в памяти с ограничением размера
type InMemoryDeadLetterQueue struct {
	items   []DeadLetter
	maxSize int
	mu      sync.Mutex
}

// NewInMemoryDeadLetterQueue создает DLQ. maxSize <= 0 означает без ограничения.
func NewInMemoryDeadLetterQueue(maxSize int) *InMemoryDeadLetterQueue {
	return &InMemoryDeadLetterQueue{maxSize: maxSize}
}

// Publish сохраняет событие. При переполнении вытесняется самое старое.
func (q *InMemoryDeadLetterQueue) Publish(_ context.Context, event Event, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, DeadLetter{Event: event, Reason: reason, FailedAt: time.Now().UTC()})
	if q.maxSize > 0 && len(q.items) > q.maxSize {
		q.items = q.items[len(q.items)-q.maxSize:]
	}
	return nil
}

// Items возвращает копию содержимого
func (q *InMemoryDeadLetterQueue) Items() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.items))
	copy(out, q.items)
	return out
}

// Len возвращает число событий в очереди
func (q *InMemoryDeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
