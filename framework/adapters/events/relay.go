// Package events передает доменные события через брокеры сообщений в виде
// конвертов реестра сериализации.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/observability"
	"github.com/akriventsev/eventcore/framework/serialization"
	"github.com/akriventsev/eventcore/framework/transport"
)

// RelayConfig конфигурация ретрансляции событий
type RelayConfig struct {
	// SubjectPrefix префикс subject: {prefix}.{eventType}
	SubjectPrefix string
	// RetryPolicy повторы обработки на стороне RelayConsumer, nil отключает
	RetryPolicy transport.RetryPolicy
}

// DefaultRelayConfig возвращает конфигурацию по умолчанию
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SubjectPrefix: "events",
		RetryPolicy:   transport.DefaultRetryPolicy(),
	}
}

// Subject возвращает subject для типа события
func (c RelayConfig) Subject(eventType string) string {
	if c.SubjectPrefix == "" {
		return eventType
	}
	return c.SubjectPrefix + "." + eventType
}

// RelayPublisher публикует события в брокер. Реализует events.Publisher,
// поэтому может быть целью ReplayEngine или AsyncEventPublisher.
type RelayPublisher struct {
	bus      transport.Publisher
	registry *serialization.Registry
	config   RelayConfig
}

// NewRelayPublisher создает публикатор
func NewRelayPublisher(bus transport.Publisher, registry *serialization.Registry, config RelayConfig) (*RelayPublisher, error) {
	if bus == nil || registry == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "relay publisher requires bus and registry")
	}
	return &RelayPublisher{bus: bus, registry: registry, config: config}, nil
}

// Publish сериализует событие и публикует конверт. Событие без correlation ID
// получает его из контекста; заголовки сообщения несут trace context.
func (p *RelayPublisher) Publish(ctx context.Context, event events.Event) error {
	env, err := p.registry.Serialize(event)
	if err != nil {
		return err
	}
	if event.Metadata().CorrelationID() == "" {
		if id := observability.CorrelationIDFromContext(ctx); id != "" {
			if env.Metadata == nil {
				env.Metadata = make(map[string]interface{})
			}
			env.Metadata["correlation_id"] = id
		}
	}
	data, err := serialization.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	headers := map[string]string{
		transport.HeaderContentType:  env.ContentType,
		transport.HeaderEventType:    env.EventType,
		transport.HeaderEventID:      env.ID,
		transport.HeaderPartitionKey: env.AggregateID,
	}
	if id := events.EventMetadata(env.Metadata).CorrelationID(); id != "" {
		headers[transport.HeaderCorrelationID] = id
	}
	observability.InjectMessageHeaders(ctx, headers)
	return p.bus.Publish(ctx, p.config.Subject(env.EventType), data, headers)
}

// RelayConsumer принимает конверты из брокера и передает восстановленные
// события диспетчеру
type RelayConsumer struct {
	bus        transport.Subscriber
	registry   *serialization.Registry
	dispatcher events.Dispatcher
	config     RelayConfig
	logger     logging.Logger

	mu       sync.Mutex
	subjects []string
}

// NewRelayConsumer создает потребителя
func NewRelayConsumer(bus transport.Subscriber, registry *serialization.Registry, dispatcher events.Dispatcher, config RelayConfig, logger logging.Logger) (*RelayConsumer, error) {
	if bus == nil || registry == nil || dispatcher == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "relay consumer requires bus, registry and dispatcher")
	}
	return &RelayConsumer{
		bus:        bus,
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		logger:     logging.OrNop(logger),
	}, nil
}

// Start подписывается на типы событий. Без типов подписывается на
// {prefix}.> (все события).
func (c *RelayConsumer) Start(ctx context.Context, eventTypes ...string) error {
	subjects := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		subjects = append(subjects, c.config.Subject(t))
	}
	if len(subjects) == 0 {
		subjects = append(subjects, c.config.Subject(">"))
	}

	handler := transport.MessageHandler(c.handle)
	if c.config.RetryPolicy != nil {
		handler = transport.WithRetry(c.config.RetryPolicy, handler)
	}

	for _, subject := range subjects {
		if err := c.bus.Subscribe(ctx, subject, handler); err != nil {
			_ = c.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		c.mu.Lock()
		c.subjects = append(c.subjects, subject)
		c.mu.Unlock()
	}
	return nil
}

// Stop отписывается от всех subject
func (c *RelayConsumer) Stop() error {
	c.mu.Lock()
	subjects := c.subjects
	c.subjects = nil
	c.mu.Unlock()

	var errs []string
	for _, subject := range subjects {
		if err := c.bus.Unsubscribe(subject); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to unsubscribe: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *RelayConsumer) handle(ctx context.Context, msg *transport.Message) error {
	env, err := serialization.UnmarshalEnvelope(msg.Data)
	if err != nil {
		// битое сообщение не повторяется
		c.logger.Log(logging.LevelError, "failed to decode relayed envelope",
			logging.Str("subject", msg.Subject),
			logging.Err(err),
		)
		return nil
	}
	event, err := c.registry.Deserialize(env)
	if err != nil {
		c.logger.Log(logging.LevelError, "failed to deserialize relayed event",
			logging.EventID(env.ID),
			logging.EventType(env.EventType),
			logging.Err(err),
		)
		return nil
	}
	ctx = observability.ExtractMessageHeaders(ctx, msg.Headers)
	return c.dispatcher.HandleEvent(observability.ContextWithEventCorrelation(ctx, event), event).Err()
}
