// Package events предоставляет базовые интерфейсы для работы с доменными событиями
// и внутрипроцессную доставку событий подписчикам.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event представляет доменное событие
type Event interface {
	// EventID возвращает уникальный идентификатор события
	EventID() string
	// EventType возвращает тип события
	EventType() string
	// OccurredAt возвращает время возникновения события
	OccurredAt() time.Time
	// AggregateID возвращает идентификатор агрегата
	AggregateID() string
	// Metadata возвращает метаданные события
	Metadata() EventMetadata
}

// VersionedEvent событие, знающее свою версию в потоке агрегата
type VersionedEvent interface {
	Event
	EventVersion() int64
}

// AggregateTypedEvent событие, знающее тип своего агрегата
type AggregateTypedEvent interface {
	Event
	AggregateType() string
}

// PayloadEvent событие с полезной нагрузкой
type PayloadEvent interface {
	Event
	Payload() interface{}
}

// VersionOf возвращает версию события или 0, если событие ее не знает
func VersionOf(e Event) int64 {
	if v, ok := e.(VersionedEvent); ok {
		return v.EventVersion()
	}
	return 0
}

// AggregateTypeOf возвращает тип агрегата события. Если событие не реализует
// AggregateTypedEvent, используется ключ метаданных "aggregate_type".
func AggregateTypeOf(e Event) string {
	if v, ok := e.(AggregateTypedEvent); ok && v.AggregateType() != "" {
		return v.AggregateType()
	}
	if val, ok := e.Metadata().Get("aggregate_type"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// PayloadOf возвращает полезную нагрузку события или nil
func PayloadOf(e Event) interface{} {
	if v, ok := e.(PayloadEvent); ok {
		return v.Payload()
	}
	return nil
}

// EventMetadata метаданные события
type EventMetadata map[string]interface{}

// Get получает значение метаданных по ключу
func (m EventMetadata) Get(key string) (interface{}, bool) {
	val, ok := m[key]
	return val, ok
}

// Set устанавливает значение метаданных. Запись в nil-карту игнорируется.
func (m EventMetadata) Set(key string, value interface{}) {
	if m == nil {
		return
	}
	m[key] = value
}

// Clone возвращает поверхностную копию метаданных
func (m EventMetadata) Clone() EventMetadata {
	out := make(EventMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CorrelationID возвращает correlation ID
func (m EventMetadata) CorrelationID() string {
	return m.str("correlation_id")
}

// CausationID возвращает causation ID
func (m EventMetadata) CausationID() string {
	return m.str("causation_id")
}

// UserID возвращает ID пользователя
func (m EventMetadata) UserID() string {
	return m.str("user_id")
}

func (m EventMetadata) str(key string) string {
	val, ok := m.Get(key)
	if !ok {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// BaseEvent базовая реализация события
type BaseEvent struct {
	eventID       string
	eventType     string
	occurredAt    time.Time
	aggregateID   string
	aggregateType string
	version       int64
	payload       interface{}
	metadata      EventMetadata
}

// NewBaseEvent создает новое базовое событие
func NewBaseEvent(eventType, aggregateID string) *BaseEvent {
	return &BaseEvent{
		eventID:     uuid.New().String(),
		eventType:   eventType,
		occurredAt:  time.Now().UTC(),
		aggregateID: aggregateID,
		metadata:    make(EventMetadata),
	}
}

// BaseEventParams поля для восстановления события из хранилища или транспорта
type BaseEventParams struct {
	ID            string
	EventType     string
	OccurredAt    time.Time
	AggregateID   string
	AggregateType string
	Version       int64
	Payload       interface{}
	Metadata      EventMetadata
}

// RestoreBaseEvent восстанавливает событие с заданными полями без генерации ID
func RestoreBaseEvent(p BaseEventParams) *BaseEvent {
	metadata := p.Metadata
	if metadata == nil {
		metadata = make(EventMetadata)
	}
	return &BaseEvent{
		eventID:       p.ID,
		eventType:     p.EventType,
		occurredAt:    p.OccurredAt,
		aggregateID:   p.AggregateID,
		aggregateType: p.AggregateType,
		version:       p.Version,
		payload:       p.Payload,
		metadata:      metadata,
	}
}

// WithMetadata добавляет метаданные к событию
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata.Set(key, value)
	return e
}

// WithCorrelationID устанавливает correlation ID
func (e *BaseEvent) WithCorrelationID(id string) *BaseEvent {
	e.metadata.Set("correlation_id", id)
	return e
}

// WithCausationID устанавливает causation ID
func (e *BaseEvent) WithCausationID(id string) *BaseEvent {
	e.metadata.Set("causation_id", id)
	return e
}

// WithUserID устанавливает user ID
func (e *BaseEvent) WithUserID(id string) *BaseEvent {
	e.metadata.Set("user_id", id)
	return e
}

// WithVersion устанавливает версию события в потоке
func (e *BaseEvent) WithVersion(version int64) *BaseEvent {
	e.version = version
	return e
}

// WithAggregateType устанавливает тип агрегата
func (e *BaseEvent) WithAggregateType(aggregateType string) *BaseEvent {
	e.aggregateType = aggregateType
	return e
}

// WithPayload устанавливает полезную нагрузку
func (e *BaseEvent) WithPayload(payload interface{}) *BaseEvent {
	e.payload = payload
	return e
}

// WithOccurredAt переопределяет время возникновения
func (e *BaseEvent) WithOccurredAt(t time.Time) *BaseEvent {
	e.occurredAt = t
	return e
}

func (e *BaseEvent) EventID() string {
	return e.eventID
}

func (e *BaseEvent) EventType() string {
	return e.eventType
}

func (e *BaseEvent) OccurredAt() time.Time {
	return e.occurredAt
}

func (e *BaseEvent) AggregateID() string {
	return e.aggregateID
}

func (e *BaseEvent) AggregateType() string {
	return e.aggregateType
}

func (e *BaseEvent) EventVersion() int64 {
	return e.version
}

func (e *BaseEvent) Payload() interface{} {
	return e.payload
}

func (e *BaseEvent) Metadata() EventMetadata {
	return e.metadata
}
