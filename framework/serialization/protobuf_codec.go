package serialization

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// ContentTypeProtobuf формат protobuf кодека
const ContentTypeProtobuf = "application/x-protobuf"

// ProtobufCodec кодирует нагрузку в google.protobuf.Any. Нагрузка должна быть
// proto.Message, map[string]interface{} (хранится как Struct) или nil.
// Типы сообщений должны быть зарегистрированы в глобальном реестре protobuf.
type ProtobufCodec struct {
	handles map[string]struct{}
}

// NewProtobufCodec создает protobuf кодек. Без типов обрабатывает все события.
func NewProtobufCodec(eventTypes ...string) *ProtobufCodec {
	handles := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		handles[t] = struct{}{}
	}
	return &ProtobufCodec{handles: handles}
}

func (c *ProtobufCodec) ContentType() string {
	return ContentTypeProtobuf
}

func (c *ProtobufCodec) CanHandle(eventType string) bool {
	if len(c.handles) == 0 {
		return true
	}
	_, ok := c.handles[eventType]
	return ok
}

func (c *ProtobufCodec) Serialize(event events.Event) (*Envelope, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	msg, err := toProto(events.PayloadOf(event))
	if err != nil {
		return nil, err
	}
	wrapped, err := anypb.New(msg)
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to wrap payload")
	}
	data, err := proto.Marshal(wrapped)
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to marshal payload")
	}

	env := newEnvelope(event, ContentTypeProtobuf)
	env.Data = data
	return env, nil
}

func (c *ProtobufCodec) Deserialize(env *Envelope) (events.Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	var wrapped anypb.Any
	if err := proto.Unmarshal(env.Data, &wrapped); err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to unmarshal payload")
	}
	msg, err := wrapped.UnmarshalNew()
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerializationFailed,
			fmt.Sprintf("unknown payload type %s", wrapped.GetTypeUrl()))
	}

	var payload interface{} = msg
	switch m := msg.(type) {
	case *emptypb.Empty:
		payload = nil
	case *structpb.Struct:
		payload = m.AsMap()
	}
	return restoreEvent(env, payload), nil
}

func toProto(payload interface{}) (proto.Message, error) {
	switch p := payload.(type) {
	case nil:
		return &emptypb.Empty{}, nil
	case proto.Message:
		return p, nil
	case map[string]interface{}:
		s, err := structpb.NewStruct(p)
		if err != nil {
			return nil, core.Wrap(err, core.ErrSerializationFailed, "payload map is not representable as Struct")
		}
		return s, nil
	default:
		return nil, core.Errorf(core.ErrSerializationFailed, "payload %T is not a proto.Message", payload)
	}
}
