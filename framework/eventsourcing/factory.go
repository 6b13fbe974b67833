package eventsourcing

import (
	"context"
	"fmt"
	"strings"

	"github.com/akriventsev/eventcore/framework/core"
)

// Имена бэкендов хранилища
const (
	BackendInMemory = "inmemory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendMongoDB  = "mongodb"
)

// StoreBackendConfig выбор и настройки бэкенда хранилища
type StoreBackendConfig struct {
	Backend  string
	Store    StoreConfig
	Badger   BadgerConfig
	Postgres PostgresEventStoreConfig
	MongoDB  MongoDBEventStoreConfig
}

// DefaultStoreBackendConfig возвращает конфигурацию in-memory бэкенда
func DefaultStoreBackendConfig() StoreBackendConfig {
	return StoreBackendConfig{
		Backend:  BackendInMemory,
		Store:    DefaultStoreConfig(),
		Badger:   DefaultBadgerConfig(),
		Postgres: DefaultPostgresEventStoreConfig(),
		MongoDB:  DefaultMongoDBEventStoreConfig(),
	}
}

// Validate проверяет настройки выбранного бэкенда
func (c StoreBackendConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Backend) {
	case BackendInMemory:
		return nil
	case BackendBadger:
		return c.Badger.Validate()
	case BackendPostgres:
		return c.Postgres.Validate()
	case BackendMongoDB:
		return c.MongoDB.Validate()
	default:
		return core.Errorf(core.ErrInvalidConfig, "unknown event store backend %q", c.Backend)
	}
}

// Backend созданное хранилище вместе с хранилищем контрольных точек того же
// бэкенда
type Backend struct {
	Name        string
	Store       EventStore
	Checkpoints CheckpointStore
	close       func(ctx context.Context) error
}

// HealthCheck проверяет доступность хранилища
func (b *Backend) HealthCheck(ctx context.Context) error {
	if hc, ok := b.Store.(interface {
		HealthCheck(ctx context.Context) error
	}); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close освобождает соединения бэкенда
func (b *Backend) Close(ctx context.Context) error {
	if b.close == nil {
		return nil
	}
	return b.close(ctx)
}

// EventStoreFactory создает хранилище событий по имени бэкенда
type EventStoreFactory struct {
	opts []StoreOption
}

// NewEventStoreFactory создает фабрику. Опции применяются к каждому хранилищу.
func NewEventStoreFactory(opts ...StoreOption) *EventStoreFactory {
	return &EventStoreFactory{opts: opts}
}

// Create создает бэкенд. Для postgres при AutoMigrate применяются миграции.
func (f *EventStoreFactory) Create(ctx context.Context, config StoreBackendConfig) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	name := strings.ToLower(config.Backend)
	switch name {
	case BackendInMemory:
		store, err := NewInMemoryEventStore(config.Store, f.opts...)
		if err != nil {
			return nil, err
		}
		return &Backend{Name: name, Store: store, Checkpoints: NewInMemoryCheckpointStore()}, nil

	case BackendBadger:
		store, err := NewBadgerEventStore(config.Badger, config.Store, f.opts...)
		if err != nil {
			return nil, err
		}
		// контрольные точки badger живут только в памяти процесса
		return &Backend{
			Name:        name,
			Store:       store,
			Checkpoints: NewInMemoryCheckpointStore(),
			close:       func(context.Context) error { return store.Close() },
		}, nil

	case BackendPostgres:
		store, err := NewPostgresEventStore(ctx, config.Postgres, config.Store, f.opts...)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Name:        name,
			Store:       store,
			Checkpoints: NewPostgresCheckpointStore(store.Pool()),
			close: func(context.Context) error {
				store.Close()
				return nil
			},
		}, nil

	case BackendMongoDB:
		store, err := NewMongoDBEventStore(ctx, config.MongoDB, config.Store, f.opts...)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Name:        name,
			Store:       store,
			Checkpoints: NewMongoCheckpointStore(store.Database()),
			close:       store.Close,
		}, nil
	}
	return nil, fmt.Errorf("unsupported backend %q", config.Backend)
}
