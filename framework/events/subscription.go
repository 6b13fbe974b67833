package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Subscription регистрация обработчика на тип события
type Subscription struct {
	id           string
	eventType    string
	handler      EventHandler
	priority     int
	seq          uint64
	subscribedAt time.Time
	active       atomic.Bool
}

func newSubscription(eventType string, handler EventHandler, priority int, seq uint64) *Subscription {
	s := &Subscription{
		id:           uuid.New().String(),
		eventType:    eventType,
		handler:      handler,
		priority:     priority,
		seq:          seq,
		subscribedAt: time.Now().UTC(),
	}
	s.active.Store(true)
	return s
}

// ID возвращает непрозрачный идентификатор подписки
func (s *Subscription) ID() string {
	return s.id
}

// EventType возвращает тип события подписки
func (s *Subscription) EventType() string {
	return s.eventType
}

// Priority возвращает приоритет подписки. Больше значит раньше.
func (s *Subscription) Priority() int {
	return s.priority
}

// SubscribedAt возвращает время подписки
func (s *Subscription) SubscribedAt() time.Time {
	return s.subscribedAt
}

// IsActive проверяет, активна ли подписка
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Handler возвращает обработчик подписки
func (s *Subscription) Handler() EventHandler {
	return s.handler
}
