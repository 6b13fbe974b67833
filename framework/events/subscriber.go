package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/metrics"
)

// DefaultHandlerTimeout таймаут обработчика по умолчанию
const DefaultHandlerTimeout = 30 * time.Second

// SubscriberConfig конфигурация подписчика
type SubscriberConfig struct {
	// HandlerTimeout максимальное время выполнения одного обработчика
	HandlerTimeout time.Duration
}

// DefaultSubscriberConfig возвращает конфигурацию по умолчанию
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{HandlerTimeout: DefaultHandlerTimeout}
}

// Validate проверяет конфигурацию
func (c SubscriberConfig) Validate() error {
	if c.HandlerTimeout <= 0 {
		return core.NewError(core.ErrInvalidConfig, "handler timeout must be positive")
	}
	return nil
}

// SubscriberOption опция подписчика
type SubscriberOption func(*EventSubscriber)

// WithSubscriberConfig задает конфигурацию. Некорректные значения заменяются значениями по умолчанию.
func WithSubscriberConfig(config SubscriberConfig) SubscriberOption {
	return func(s *EventSubscriber) {
		if config.Validate() != nil {
			config = DefaultSubscriberConfig()
		}
		s.config = config
	}
}

// WithHandlerTimeout задает таймаут обработчика
func WithHandlerTimeout(timeout time.Duration) SubscriberOption {
	return WithSubscriberConfig(SubscriberConfig{HandlerTimeout: timeout})
}

// WithLogger задает логгер
func WithLogger(logger logging.Logger) SubscriberOption {
	return func(s *EventSubscriber) {
		s.logger = logging.OrNop(logger)
	}
}

// WithRecorder задает recorder метрик
func WithRecorder(recorder metrics.Recorder) SubscriberOption {
	return func(s *EventSubscriber) {
		s.recorder = metrics.OrNop(recorder)
	}
}

// WithTracer задает tracer для спанов доставки
func WithTracer(tracer trace.Tracer) SubscriberOption {
	return func(s *EventSubscriber) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// EventSubscriber подписчик, доставляющий событие всем обработчикам его типа
// параллельно. Ошибка, паника или таймаут одного обработчика не влияют на остальные.
type EventSubscriber struct {
	config   SubscriberConfig
	logger   logging.Logger
	recorder metrics.Recorder
	tracer   trace.Tracer

	subs map[string][]*Subscription
	seq  uint64
	mu   sync.RWMutex
}

// NewEventSubscriber создает новый подписчик
func NewEventSubscriber(opts ...SubscriberOption) *EventSubscriber {
	s := &EventSubscriber{
		config:   DefaultSubscriberConfig(),
		logger:   logging.Nop(),
		recorder: metrics.NopRecorder{},
		tracer:   noop.NewTracerProvider().Tracer("eventcore/events"),
		subs:     make(map[string][]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config возвращает конфигурацию подписчика
func (s *EventSubscriber) Config() SubscriberConfig {
	return s.config
}

// Subscribe регистрирует обработчик на тип события
func (s *EventSubscriber) Subscribe(eventType string, handler EventHandler) (*Subscription, error) {
	return s.subscribe(eventType, handler, 0)
}

func (s *EventSubscriber) subscribe(eventType string, handler EventHandler, priority int) (*Subscription, error) {
	if eventType == "" {
		return nil, core.NewError(core.ErrValidation, "event type is required")
	}
	if handler == nil {
		return nil, core.NewError(core.ErrValidation, "handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	sub := newSubscription(eventType, handler, priority, s.seq)
	s.subs[eventType] = append(s.subs[eventType], sub)

	s.logger.Log(logging.LevelDebug, "handler subscribed",
		logging.EventType(eventType),
		logging.Str("subscription_id", sub.ID()),
		logging.Int("priority", priority),
	)
	return sub, nil
}

// Unsubscribe удаляет подписку
func (s *EventSubscriber) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.subs[sub.eventType]
	for i, existing := range list {
		if existing != sub {
			continue
		}
		// новый слайс: снимки, взятые доставкой, не меняются
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(s.subs, sub.eventType)
		} else {
			s.subs[sub.eventType] = next
		}
		sub.active.Store(false)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, sub.ID())
}

// UnsubscribeAll удаляет все подписки
func (s *EventSubscriber) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.subs {
		for _, sub := range list {
			sub.active.Store(false)
		}
	}
	s.subs = make(map[string][]*Subscription)
}

// Subscriptions возвращает копию подписок на тип события в порядке регистрации
func (s *EventSubscriber) Subscriptions(eventType string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.subs[eventType]
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// SubscriptionCount возвращает общее число подписок
func (s *EventSubscriber) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, list := range s.subs {
		n += len(list)
	}
	return n
}

// EventTypes возвращает типы событий, на которые есть подписки
func (s *EventSubscriber) EventTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.subs))
	for t := range s.subs {
		types = append(types, t)
	}
	return types
}

// HandleEvent доставляет событие всем подписчикам его типа параллельно
func (s *EventSubscriber) HandleEvent(ctx context.Context, event Event) DispatchResult {
	return s.dispatch(ctx, event, s.Subscriptions(event.EventType()), false)
}

// Publish доставляет событие и возвращает объединенную ошибку обработчиков
func (s *EventSubscriber) Publish(ctx context.Context, event Event) error {
	return s.HandleEvent(ctx, event).Err()
}

func (s *EventSubscriber) invoker() *invoker {
	return &invoker{timeout: s.config.HandlerTimeout, logger: s.logger, recorder: s.recorder}
}

// dispatch вызывает обработчики параллельно или последовательно.
// Порядок Outcomes совпадает с порядком subs.
func (s *EventSubscriber) dispatch(ctx context.Context, event Event, subs []*Subscription, sequential bool) DispatchResult {
	result := DispatchResult{EventID: event.EventID(), EventType: event.EventType()}
	labels := map[string]string{"event_type": event.EventType()}
	s.recorder.IncCounter(ctx, metrics.EventBusEventsTotal, labels, 1)

	if len(subs) == 0 {
		s.recorder.IncCounter(ctx, metrics.EventBusEventsUnhandledTotal, labels, 1)
		s.logger.Log(logging.LevelDebug, "no handlers registered for event",
			logging.EventID(event.EventID()),
			logging.EventType(event.EventType()),
		)
		return result
	}

	ctx, span := s.tracer.Start(ctx, "event.dispatch "+event.EventType(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", event.EventID()),
			attribute.String("event.type", event.EventType()),
			attribute.String("event.aggregate_id", event.AggregateID()),
			attribute.Int("event.handlers", len(subs)),
		),
	)
	defer span.End()

	inv := s.invoker()
	result.Outcomes = make([]HandlerOutcome, len(subs))

	if sequential {
		for i, sub := range subs {
			result.Outcomes[i] = inv.invoke(ctx, sub, event)
		}
	} else {
		var wg sync.WaitGroup
		for i, sub := range subs {
			wg.Add(1)
			go func(i int, sub *Subscription) {
				defer wg.Done()
				result.Outcomes[i] = inv.invoke(ctx, sub, event)
			}(i, sub)
		}
		wg.Wait()
	}

	if failed := result.Failed(); len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d handlers failed", len(failed), len(subs)))
	}
	return result
}
