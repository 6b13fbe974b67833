package messagebus

import (
	"context"
	"strings"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/transport"
)

// Типы брокеров
const (
	BusInMemory = "inmemory"
	BusNATS     = "nats"
	BusKafka    = "kafka"
	BusRedis    = "redis"
)

// Bus адаптер брокера с освобождением ресурсов
type Bus interface {
	transport.MessageBus
	Close() error
}

// Config выбор и настройки брокера
type Config struct {
	Type     string
	InMemory InMemoryConfig
	NATS     NATSConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
}

// DefaultConfig возвращает конфигурацию in-memory брокера
func DefaultConfig() Config {
	return Config{
		Type:     BusInMemory,
		InMemory: DefaultInMemoryConfig(),
		NATS:     DefaultNATSConfig(),
		Kafka:    DefaultKafkaConfig(),
		Redis:    DefaultRedisConfig(),
	}
}

// New создает адаптер брокера по типу
func New(ctx context.Context, config Config, opts ...Option) (Bus, error) {
	switch strings.ToLower(config.Type) {
	case BusInMemory, "":
		return NewInMemoryAdapter(config.InMemory, opts...), nil
	case BusNATS:
		bus, err := NewNATSAdapter(config.NATS, opts...)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case BusKafka:
		bus, err := NewKafkaAdapter(config.Kafka, opts...)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case BusRedis:
		bus, err := NewRedisAdapter(ctx, config.Redis, opts...)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, core.Errorf(core.ErrInvalidConfig, "unknown message bus type %q", config.Type)
	}
}
