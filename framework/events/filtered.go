package events

import (
	"context"

	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/metrics"
)

// FilteredSubscriber подписчик, доставляющий только события, прошедшие фильтр.
// Фильтр вызывается ровно один раз на событие, до доставки.
type FilteredSubscriber struct {
	*EventSubscriber
	filter Filter
}

// NewFilteredSubscriber создает подписчик с фильтром. nil-фильтр пропускает все события.
func NewFilteredSubscriber(filter Filter, opts ...SubscriberOption) *FilteredSubscriber {
	if filter == nil {
		filter = All()
	}
	return &FilteredSubscriber{
		EventSubscriber: NewEventSubscriber(opts...),
		filter:          filter,
	}
}

// HandleEvent проверяет фильтр и доставляет событие, если оно принято
func (s *FilteredSubscriber) HandleEvent(ctx context.Context, event Event) DispatchResult {
	if !s.accept(event) {
		s.recorder.IncCounter(ctx, metrics.EventBusEventsFilteredTotal,
			map[string]string{"event_type": event.EventType()}, 1)
		s.logger.Log(logging.LevelDebug, "event rejected by filter",
			logging.EventID(event.EventID()),
			logging.EventType(event.EventType()),
		)
		return DispatchResult{EventID: event.EventID(), EventType: event.EventType(), Filtered: true}
	}
	return s.EventSubscriber.HandleEvent(ctx, event)
}

// Publish доставляет событие с учетом фильтра
func (s *FilteredSubscriber) Publish(ctx context.Context, event Event) error {
	return s.HandleEvent(ctx, event).Err()
}

// accept вызывает фильтр. Паника в фильтре считается отказом.
func (s *FilteredSubscriber) accept(event Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Log(logging.LevelError, "event filter panicked",
				logging.EventID(event.EventID()),
				logging.EventType(event.EventType()),
			)
			ok = false
		}
	}()
	return s.filter(event)
}
