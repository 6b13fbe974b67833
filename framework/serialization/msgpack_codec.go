package serialization

import (
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// ContentTypeMessagePack формат бинарного кодека
const ContentTypeMessagePack = "application/x-msgpack+base64"

// MessagePackCodec бинарный кодек: нагрузка кодируется MessagePack и
// затем base64, поэтому Data безопасно хранить в текстовых колонках
type MessagePackCodec struct {
	opts *codecOptions
}

// NewMessagePackCodec создает MessagePack кодек
func NewMessagePackCodec(opts ...CodecOption) *MessagePackCodec {
	return &MessagePackCodec{opts: newCodecOptions(opts)}
}

// RegisterPayloadType задает фабрику нагрузки после создания кодека
func (c *MessagePackCodec) RegisterPayloadType(eventType string, factory func() interface{}) {
	c.opts.register(eventType, factory)
}

func (c *MessagePackCodec) ContentType() string {
	return ContentTypeMessagePack
}

func (c *MessagePackCodec) CanHandle(eventType string) bool {
	return c.opts.canHandle(eventType)
}

func (c *MessagePackCodec) Serialize(event events.Event) (*Envelope, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(events.PayloadOf(event))
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to encode payload")
	}

	data := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(data, raw)

	env := newEnvelope(event, ContentTypeMessagePack)
	env.Data = data
	return env, nil
}

func (c *MessagePackCodec) Deserialize(env *Envelope) (events.Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(env.Data)))
	n, err := base64.StdEncoding.Decode(raw, env.Data)
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "payload is not valid base64")
	}
	raw = raw[:n]

	if target, ok := c.opts.target(env.EventType); ok {
		if err := msgpack.Unmarshal(raw, target); err != nil {
			return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to decode payload")
		}
		return restoreEvent(env, target), nil
	}

	var payload interface{}
	if err := msgpack.Unmarshal(raw, &payload); err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to decode payload")
	}
	return restoreEvent(env, payload), nil
}
