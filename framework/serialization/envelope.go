// Package serialization предоставляет реестр кодеков, преобразующих доменные
// события в нейтральный конверт для хранения и передачи и обратно.
package serialization

import (
	"encoding/json"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

var (
	// ErrNoCodecFound для типа события не зарегистрирован кодек и нет кодека по умолчанию
	ErrNoCodecFound = core.Sentinel(core.ErrNoCodecFound, "no codec found")
	// ErrValidation событие или конверт некорректны
	ErrValidation = core.Sentinel(core.ErrValidation, "validation failed")
	// ErrSerialization кодек не смог закодировать или декодировать данные
	ErrSerialization = core.Sentinel(core.ErrSerializationFailed, "serialization failed")
)

// Envelope нейтральная форма события для хранения и передачи.
// Data непрозрачна и интерпретируется только кодеком ContentType.
type Envelope struct {
	ID            string                 `json:"id" msgpack:"id" bson:"id"`
	EventType     string                 `json:"event_type" msgpack:"event_type" bson:"event_type"`
	AggregateID   string                 `json:"aggregate_id" msgpack:"aggregate_id" bson:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type,omitempty" msgpack:"aggregate_type,omitempty" bson:"aggregate_type,omitempty"`
	Version       int64                  `json:"version" msgpack:"version" bson:"version"`
	OccurredAt    time.Time              `json:"occurred_at" msgpack:"occurred_at" bson:"occurred_at"`
	ContentType   string                 `json:"content_type" msgpack:"content_type" bson:"content_type"`
	Data          []byte                 `json:"data" msgpack:"data" bson:"data"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" msgpack:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Validate проверяет обязательные поля конверта
func (e *Envelope) Validate() error {
	if e == nil {
		return core.NewError(core.ErrValidation, "envelope is nil")
	}
	if e.ID == "" {
		return core.NewError(core.ErrValidation, "envelope id is required")
	}
	if e.EventType == "" {
		return core.NewError(core.ErrValidation, "envelope event type is required")
	}
	if len(e.Data) == 0 {
		return core.Errorf(core.ErrValidation, "envelope %s has no data", e.ID)
	}
	return nil
}

// Clone возвращает глубокую копию данных и поверхностную копию метаданных
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Data = append([]byte(nil), e.Data...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// MarshalEnvelope кодирует конверт целиком в JSON для передачи по транспорту
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to marshal envelope")
	}
	return data, nil
}

// UnmarshalEnvelope декодирует конверт, закодированный MarshalEnvelope
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to unmarshal envelope")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// validateEvent проверяет обязательные поля события перед сериализацией
func validateEvent(event events.Event) error {
	if event == nil {
		return core.NewError(core.ErrValidation, "event is nil")
	}
	if event.EventID() == "" {
		return core.NewError(core.ErrValidation, "event id is required")
	}
	if event.EventType() == "" {
		return core.Errorf(core.ErrValidation, "event %s has no type", event.EventID())
	}
	if event.AggregateID() == "" {
		return core.Errorf(core.ErrValidation, "event %s has no aggregate id", event.EventID())
	}
	return nil
}

// newEnvelope заполняет поля конверта из события, кроме Data
func newEnvelope(event events.Event, contentType string) *Envelope {
	var metadata map[string]interface{}
	if md := event.Metadata(); len(md) > 0 {
		metadata = md.Clone()
	}
	return &Envelope{
		ID:            event.EventID(),
		EventType:     event.EventType(),
		AggregateID:   event.AggregateID(),
		AggregateType: events.AggregateTypeOf(event),
		Version:       events.VersionOf(event),
		OccurredAt:    event.OccurredAt(),
		ContentType:   contentType,
		Metadata:      metadata,
	}
}

// restoreEvent собирает событие из конверта и декодированной нагрузки.
// Метаданные копируются: событие не должно разделять карту с конвертом.
func restoreEvent(env *Envelope, payload interface{}) events.Event {
	var metadata events.EventMetadata
	if env.Metadata != nil {
		metadata = events.EventMetadata(env.Metadata).Clone()
	}
	return events.RestoreBaseEvent(events.BaseEventParams{
		ID:            env.ID,
		EventType:     env.EventType,
		OccurredAt:    env.OccurredAt,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Version:       env.Version,
		Payload:       payload,
		Metadata:      metadata,
	})
}
