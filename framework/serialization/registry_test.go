package serialization

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

type orderPlaced struct {
	OrderID string   `json:"order_id" msgpack:"order_id"`
	Total   int64    `json:"total" msgpack:"total"`
	Items   []string `json:"items" msgpack:"items"`
}

func sampleEvent() *events.BaseEvent {
	return events.NewBaseEvent("OrderPlaced", "order-1").
		WithAggregateType("Order").
		WithVersion(7).
		WithOccurredAt(time.Date(2024, 3, 1, 10, 30, 0, 123000000, time.UTC)).
		WithCorrelationID("corr-1").
		WithPayload(&orderPlaced{OrderID: "order-1", Total: 4200, Items: []string{"a", "b"}})
}

func assertSameEvent(t *testing.T, want, got events.Event) {
	t.Helper()
	assert.Equal(t, want.EventID(), got.EventID())
	assert.Equal(t, want.EventType(), got.EventType())
	assert.Equal(t, want.AggregateID(), got.AggregateID())
	assert.True(t, want.OccurredAt().Equal(got.OccurredAt()), "occurredAt %v != %v", want.OccurredAt(), got.OccurredAt())
	assert.Equal(t, events.VersionOf(want), events.VersionOf(got))
	assert.Equal(t, events.AggregateTypeOf(want), events.AggregateTypeOf(got))
	assert.Equal(t, want.Metadata().CorrelationID(), got.Metadata().CorrelationID())
}

func TestCodecs_RoundTrip(t *testing.T) {
	factory := func() interface{} { return &orderPlaced{} }
	codecs := []Codec{
		NewJSONCodec(WithPayloadType("OrderPlaced", factory)),
		NewMessagePackCodec(WithPayloadType("OrderPlaced", factory)),
	}

	for _, codec := range codecs {
		t.Run(codec.ContentType(), func(t *testing.T) {
			event := sampleEvent()

			env, err := codec.Serialize(event)
			require.NoError(t, err)
			assert.Equal(t, codec.ContentType(), env.ContentType)
			assert.NotEmpty(t, env.Data)

			restored, err := codec.Deserialize(env)
			require.NoError(t, err)
			assertSameEvent(t, event, restored)
			assert.Equal(t, events.PayloadOf(event), events.PayloadOf(restored))

			again, err := codec.Serialize(restored)
			require.NoError(t, err)
			assert.Equal(t, env.Data, again.Data, "re-encoding must be byte-identical")
		})
	}
}

func TestMessagePackCodec_DataIsBase64(t *testing.T) {
	env, err := NewMessagePackCodec().Serialize(sampleEvent())
	require.NoError(t, err)
	for _, b := range env.Data {
		isB64 := (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '+' || b == '/' || b == '='
		require.True(t, isB64, "unexpected byte %q", b)
	}
}

func TestJSONCodec_UntypedPayload(t *testing.T) {
	codec := NewJSONCodec()
	event := events.NewBaseEvent("Noted", "n-1").WithPayload(map[string]interface{}{"text": "hi"})

	env, err := codec.Serialize(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Data))

	restored, err := codec.Deserialize(env)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"text": "hi"}, events.PayloadOf(restored))
}

func TestProtobufCodec_RoundTrip(t *testing.T) {
	codec := NewProtobufCodec()

	t.Run("message", func(t *testing.T) {
		event := sampleEvent().WithPayload(wrapperspb.String("hello"))
		env, err := codec.Serialize(event)
		require.NoError(t, err)

		restored, err := codec.Deserialize(env)
		require.NoError(t, err)
		assertSameEvent(t, event, restored)
		msg, ok := events.PayloadOf(restored).(*wrapperspb.StringValue)
		require.True(t, ok)
		assert.Equal(t, "hello", msg.GetValue())
	})

	t.Run("map as struct", func(t *testing.T) {
		event := sampleEvent().WithPayload(map[string]interface{}{"total": 12.5, "paid": true})
		env, err := codec.Serialize(event)
		require.NoError(t, err)

		restored, err := codec.Deserialize(env)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"total": 12.5, "paid": true}, events.PayloadOf(restored))
	})

	t.Run("nil payload", func(t *testing.T) {
		event := sampleEvent().WithPayload(nil)
		env, err := codec.Serialize(event)
		require.NoError(t, err)
		restored, err := codec.Deserialize(env)
		require.NoError(t, err)
		assert.Nil(t, events.PayloadOf(restored))
	})

	t.Run("unsupported payload", func(t *testing.T) {
		_, err := codec.Serialize(sampleEvent())
		assert.True(t, core.HasCode(err, core.ErrSerializationFailed))
	})
}

func TestRegistry_Lookup(t *testing.T) {
	jsonCodec := NewJSONCodec()
	binary := NewMessagePackCodec(HandleOnly("OrderPlaced"))
	registry := NewRegistry()

	_, err := registry.Serialize(sampleEvent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCodecFound))

	registry.Register(binary, "OrderPlaced", "OrderShipped")
	registry.Register(jsonCodec, "OrderShipped")

	codec, err := registry.CodecFor("OrderPlaced")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeMessagePack, codec.ContentType())

	// binary зарегистрирован для OrderShipped, но не умеет его обрабатывать
	codec, err = registry.CodecFor("OrderShipped")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, codec.ContentType())

	_, err = registry.CodecFor("Unknown")
	assert.True(t, errors.Is(err, ErrNoCodecFound))

	registry.RegisterDefault(jsonCodec)
	codec, err = registry.CodecFor("Unknown")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, codec.ContentType())
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewJSONCodec(), "OrderPlaced")
	registry.Register(NewMessagePackCodec(), "OrderPlaced")

	env, err := registry.Serialize(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, env.ContentType)
}

func TestRegistry_Validation(t *testing.T) {
	registry := NewDefaultRegistry()

	tests := []struct {
		name  string
		event events.Event
	}{
		{"missing id", events.RestoreBaseEvent(events.BaseEventParams{EventType: "X", AggregateID: "a"})},
		{"missing type", events.RestoreBaseEvent(events.BaseEventParams{ID: "1", AggregateID: "a"})},
		{"missing aggregate", events.RestoreBaseEvent(events.BaseEventParams{ID: "1", EventType: "X"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Serialize(tt.event)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}

	envelopes := []*Envelope{
		nil,
		{EventType: "X", Data: []byte("{}")},
		{ID: "1", Data: []byte("{}")},
		{ID: "1", EventType: "X"},
	}
	for _, env := range envelopes {
		_, err := registry.Deserialize(env)
		assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
	}
}

func TestRegistry_DeserializePrefersEnvelopeFormat(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewJSONCodec(), "OrderPlaced")
	registry.Register(NewMessagePackCodec(), "OrderPlaced")

	env, err := NewMessagePackCodec().Serialize(sampleEvent().WithPayload(map[string]interface{}{"k": "v"}))
	require.NoError(t, err)

	restored, err := registry.Deserialize(env)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, events.PayloadOf(restored))
}

func TestEnvelope_MarshalRoundTrip(t *testing.T) {
	env, err := NewJSONCodec().Serialize(sampleEvent())
	require.NoError(t, err)

	data, err := MarshalEnvelope(env)
	require.NoError(t, err)
	decoded, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Data, decoded.Data)
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
	assert.Equal(t, "corr-1", decoded.Metadata["correlation_id"])
}

func TestRegistry_DeserializeCopiesMetadata(t *testing.T) {
	registry := NewDefaultRegistry()
	env, err := registry.Serialize(sampleEvent())
	require.NoError(t, err)

	first, err := registry.Deserialize(env)
	require.NoError(t, err)
	first.Metadata().Set("correlation_id", "changed")

	assert.Equal(t, "corr-1", env.Metadata["correlation_id"])

	second, err := registry.Deserialize(env)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", second.Metadata().CorrelationID())
}
