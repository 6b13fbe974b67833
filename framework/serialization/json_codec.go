package serialization

import (
	"encoding/json"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// ContentTypeJSON формат JSON кодека
const ContentTypeJSON = "application/json"

// JSONCodec текстовый кодек: нагрузка хранится как JSON
type JSONCodec struct {
	opts *codecOptions
}

// NewJSONCodec создает JSON кодек
func NewJSONCodec(opts ...CodecOption) *JSONCodec {
	return &JSONCodec{opts: newCodecOptions(opts)}
}

// RegisterPayloadType задает фабрику нагрузки после создания кодека
func (c *JSONCodec) RegisterPayloadType(eventType string, factory func() interface{}) {
	c.opts.register(eventType, factory)
}

func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}

func (c *JSONCodec) CanHandle(eventType string) bool {
	return c.opts.canHandle(eventType)
}

// Serialize кодирует нагрузку события в JSON
func (c *JSONCodec) Serialize(event events.Event) (*Envelope, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	data, err := json.Marshal(events.PayloadOf(event))
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to marshal payload")
	}
	env := newEnvelope(event, ContentTypeJSON)
	env.Data = data
	return env, nil
}

// Deserialize декодирует нагрузку. Без фабрики нагрузка восстанавливается
// как обобщенное значение JSON.
func (c *JSONCodec) Deserialize(env *Envelope) (events.Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	if target, ok := c.opts.target(env.EventType); ok {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to unmarshal payload")
		}
		return restoreEvent(env, target), nil
	}

	var payload interface{}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to unmarshal payload")
	}
	return restoreEvent(env, payload), nil
}
