package serialization

import (
	"fmt"
	"sync"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// Codec преобразует событие в конверт и обратно
type Codec interface {
	// ContentType идентификатор формата данных конверта
	ContentType() string
	// CanHandle проверяет, может ли кодек обработать тип события
	CanHandle(eventType string) bool
	Serialize(event events.Event) (*Envelope, error)
	Deserialize(env *Envelope) (events.Event, error)
}

type registration struct {
	codec Codec
	types map[string]struct{}
}

func (r registration) matches(eventType string) bool {
	if len(r.types) > 0 {
		if _, ok := r.types[eventType]; !ok {
			return false
		}
	}
	return r.codec.CanHandle(eventType)
}

// Registry реестр кодеков. Кодек ищется среди регистраций в порядке их
// добавления, затем используется кодек по умолчанию.
type Registry struct {
	registrations []registration
	defaultCodec  Codec
	mu            sync.RWMutex
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry создает реестр с JSON кодеком по умолчанию
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDefault(NewJSONCodec())
	return r
}

// Register связывает типы событий с кодеком. Без типов регистрация
// применяется ко всем типам, которые кодек умеет обрабатывать.
func (r *Registry) Register(codec Codec, eventTypes ...string) {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, registration{codec: codec, types: types})
}

// RegisterDefault задает кодек по умолчанию
func (r *Registry) RegisterDefault(codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultCodec = codec
}

// CodecFor возвращает кодек для типа события
func (r *Registry) CodecFor(eventType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.registrations {
		if reg.matches(eventType) {
			return reg.codec, nil
		}
	}
	if r.defaultCodec != nil {
		return r.defaultCodec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCodecFound, eventType)
}

// Serialize кодирует событие кодеком его типа
func (r *Registry) Serialize(event events.Event) (*Envelope, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	codec, err := r.CodecFor(event.EventType())
	if err != nil {
		return nil, err
	}
	env, err := codec.Serialize(event)
	if err != nil {
		return nil, wrapCodecError(err, codec, event.EventType())
	}
	return env, nil
}

// Deserialize восстанавливает событие из конверта
func (r *Registry) Deserialize(env *Envelope) (events.Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	codec, err := r.codecForEnvelope(env)
	if err != nil {
		return nil, err
	}
	event, err := codec.Deserialize(env)
	if err != nil {
		return nil, wrapCodecError(err, codec, env.EventType)
	}
	return event, nil
}

// codecForEnvelope выбирает кодек по типу события. Если формат конверта
// отличается от формата найденного кодека, ищется кодек с совпадающим форматом.
func (r *Registry) codecForEnvelope(env *Envelope) (Codec, error) {
	codec, err := r.CodecFor(env.EventType)
	if err != nil || env.ContentType == "" || codec.ContentType() == env.ContentType {
		return codec, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.registrations {
		if reg.codec.ContentType() == env.ContentType && reg.codec.CanHandle(env.EventType) {
			return reg.codec, nil
		}
	}
	if r.defaultCodec != nil && r.defaultCodec.ContentType() == env.ContentType {
		return r.defaultCodec, nil
	}
	return codec, nil
}

func wrapCodecError(err error, codec Codec, eventType string) error {
	if core.CodeOf(err) != "" {
		return err
	}
	return core.Wrap(err, core.ErrSerializationFailed,
		fmt.Sprintf("codec %s failed for %s", codec.ContentType(), eventType))
}
