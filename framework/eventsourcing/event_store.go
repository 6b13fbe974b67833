// Package eventsourcing предоставляет хранилище событий с оптимистичной
// конкурентностью и снимками, а также движок воспроизведения событий.
package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/serialization"
)

var (
	// ErrConcurrencyConflict ожидаемая версия потока не совпала с текущей
	ErrConcurrencyConflict = core.Sentinel(core.ErrConcurrencyConflict, "concurrency conflict")
	// ErrStreamLimitExceeded поток превысил MaxEventsPerStream
	ErrStreamLimitExceeded = core.Sentinel(core.ErrStreamLimitExceeded, "stream event limit exceeded")
	// ErrStorageFailure ошибка нижележащего хранилища
	ErrStorageFailure = core.Sentinel(core.ErrStorageFailure, "storage failure")
	// ErrInvalidArgument некорректный аргумент операции хранилища
	ErrInvalidArgument = core.Sentinel(core.ErrValidation, "invalid argument")
)

// ConcurrencyConflictError конфликт версий при добавлении событий
type ConcurrencyConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("[%s] stream %s: expected version %d, actual %d",
		core.ErrConcurrencyConflict, e.StreamID, e.Expected, e.Actual)
}

// Is позволяет сравнивать с ErrConcurrencyConflict через errors.Is
func (e *ConcurrencyConflictError) Is(target error) bool {
	var fe *core.FrameworkError
	if errors.As(target, &fe) {
		return fe.Code == core.ErrConcurrencyConflict
	}
	return false
}

// IsConcurrencyConflict проверяет, является ли ошибка конфликтом версий
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// ExpectVersion ожидаемая версия потока для Append
func ExpectVersion(version int64) core.Option[int64] {
	return core.Some(version)
}

// ExpectNoStream поток не должен существовать
func ExpectNoStream() core.Option[int64] {
	return core.Some(int64(0))
}

// AnyVersion отключает проверку версии
func AnyVersion() core.Option[int64] {
	return core.None[int64]()
}

// StoredEvent сохраненное событие. Записи неизменяемы после добавления,
// вызывающий код не должен модифицировать Envelope.
type StoredEvent struct {
	ID             string                  `json:"id" bson:"event_id"`
	StreamID       string                  `json:"stream_id" bson:"stream_id"`
	Version        int64                   `json:"version" bson:"version"`
	GlobalPosition int64                   `json:"global_position" bson:"global_position"`
	CreatedAt      time.Time               `json:"created_at" bson:"created_at"`
	Envelope       *serialization.Envelope `json:"envelope" bson:"envelope"`
}

// clone копирует запись вместе с конвертом. Записи хранилища неизменяемы,
// наружу отдаются только копии.
func (e StoredEvent) clone() StoredEvent {
	if e.Envelope != nil {
		e.Envelope = e.Envelope.Clone()
	}
	return e
}

// EventType возвращает тип события
func (e StoredEvent) EventType() string {
	if e.Envelope == nil {
		return ""
	}
	return e.Envelope.EventType
}

// StreamMetadata метаданные потока
type StreamMetadata struct {
	StreamID   string    `json:"stream_id"`
	Version    int64     `json:"version"`
	EventCount int64     `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	IsDeleted  bool      `json:"is_deleted"`
}

// Snapshot состояние потока на версии. Для потока хранится только снимок
// с наибольшей версией: снимок более ранней версии не заменяет текущий.
type Snapshot struct {
	StreamID  string    `json:"stream_id" bson:"_id"`
	Version   int64     `json:"version" bson:"version"`
	Data      []byte    `json:"data" bson:"data"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// EventStore хранилище потоков событий.
//
// Нулевые и отрицательные границы диапазонов означают отсутствие границы.
// Результат чтения ограничен MaxEventsPerRead. Чтение несуществующего потока
// возвращает пустой результат, а не ошибку.
type EventStore interface {
	// Append добавляет события в поток. Если expected задан и не равен текущей
	// версии, возвращается ConcurrencyConflictError и ничего не добавляется.
	Append(ctx context.Context, streamID string, evts []events.Event, expected core.Option[int64]) error

	// GetEvents возвращает события потока с версиями в [fromVersion, toVersion]
	GetEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]events.Event, error)
	// GetAllEvents возвращает события всех потоков с позицией >= fromPosition
	GetAllEvents(ctx context.Context, fromPosition int64, maxCount int) ([]events.Event, error)
	// GetEventsByType возвращает события типа с позицией >= fromPosition
	GetEventsByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]events.Event, error)

	// ReadStream аналог GetEvents, возвращающий записи с позициями
	ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error)
	// ReadAll аналог GetAllEvents, возвращающий записи с позициями
	ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]StoredEvent, error)
	// ReadByType аналог GetEventsByType, возвращающий записи с позициями
	ReadByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]StoredEvent, error)

	GetStreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error)
	// DeleteStream удаляет записи, счетчик версий и снимок потока.
	// Глобальные позиции не переиспользуются.
	DeleteStream(ctx context.Context, streamID string) error

	// CreateSnapshot сохраняет снимок, если его версия не ниже текущей
	CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error
	// GetSnapshot возвращает последний снимок или nil
	GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error)
}

// SnapshotMonitor хранилище, считающее неудавшиеся автоматические снимки
type SnapshotMonitor interface {
	MissedSnapshots() int64
}
