package events

import "context"

// EventHandler обработчик доменных событий
type EventHandler interface {
	// Handle обрабатывает событие
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc адаптер функции к EventHandler
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle вызывает f(ctx, event)
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher публикатор событий
type Publisher interface {
	// Publish публикует событие и возвращает ошибку, если доставка не удалась
	Publish(ctx context.Context, event Event) error
}

// Dispatcher доставляет событие подписчикам и возвращает детальный результат
type Dispatcher interface {
	HandleEvent(ctx context.Context, event Event) DispatchResult
}

// Subscriber управляет подписками
type Subscriber interface {
	Subscribe(eventType string, handler EventHandler) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
	UnsubscribeAll()
}

// SubscriberDispatcher объединяет управление подписками, доставку и публикацию.
// Реализуется EventSubscriber, FilteredSubscriber и PrioritySubscriber.
type SubscriberDispatcher interface {
	Subscriber
	Dispatcher
	Publisher
}

// PublisherFunc адаптер функции к Publisher
type PublisherFunc func(ctx context.Context, event Event) error

// Publish вызывает f(ctx, event)
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
