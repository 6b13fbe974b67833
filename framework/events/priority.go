package events

import (
	"context"
	"sort"
)

// PrioritySubscriber подписчик, вызывающий обработчики последовательно
// в порядке убывания приоритета. При равном приоритете сохраняется порядок подписки.
type PrioritySubscriber struct {
	*EventSubscriber
}

// NewPrioritySubscriber создает подписчик с приоритетами
func NewPrioritySubscriber(opts ...SubscriberOption) *PrioritySubscriber {
	return &PrioritySubscriber{EventSubscriber: NewEventSubscriber(opts...)}
}

// SubscribeWithPriority регистрирует обработчик с приоритетом. Больше значит раньше.
func (s *PrioritySubscriber) SubscribeWithPriority(eventType string, handler EventHandler, priority int) (*Subscription, error) {
	return s.subscribe(eventType, handler, priority)
}

// Subscriptions возвращает подписки на тип события в порядке вызова
func (s *PrioritySubscriber) Subscriptions(eventType string) []*Subscription {
	subs := s.EventSubscriber.Subscriptions(eventType)
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority > subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	return subs
}

// HandleEvent вызывает обработчики по одному, ожидая завершения каждого.
// Ошибка обработчика не прерывает цепочку.
func (s *PrioritySubscriber) HandleEvent(ctx context.Context, event Event) DispatchResult {
	return s.dispatch(ctx, event, s.Subscriptions(event.EventType()), true)
}

// Publish доставляет событие последовательно
func (s *PrioritySubscriber) Publish(ctx context.Context, event Event) error {
	return s.HandleEvent(ctx, event).Err()
}
