// Package testing предоставляет утилиты для тестирования кода, построенного на
// хранилище событий.
package testing

import (
	"context"
	"fmt"
	"testing"

	"github.com/akriventsev/eventcore/framework/adapters/messagebus"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/metrics"
	"github.com/akriventsev/eventcore/framework/serialization"
)

// InMemoryTestEnvironment тестовая среда с готовыми in-memory компонентами
type InMemoryTestEnvironment struct {
	Registry    *serialization.Registry
	Recorder    *metrics.InMemoryRecorder
	Store       *eventsourcing.InMemoryEventStore
	Checkpoints *eventsourcing.InMemoryCheckpointStore
	Subscriber  *events.EventSubscriber
	MessageBus  *messagebus.InMemoryAdapter
}

// NewInMemoryTestEnvironment создает тестовую среду. Брокер доставляет
// сообщения синхронно и закрывается по завершении теста.
// Если создание хранилища завершается с ошибкой, тест завершается с t.Fatalf
func NewInMemoryTestEnvironment(t testing.TB, config eventsourcing.StoreConfig) *InMemoryTestEnvironment {
	t.Helper()
	registry := serialization.NewDefaultRegistry()
	recorder := metrics.NewInMemoryRecorder()

	store, err := eventsourcing.NewInMemoryEventStore(config,
		eventsourcing.WithRegistry(registry),
		eventsourcing.WithStoreRecorder(recorder),
	)
	if err != nil {
		t.Fatalf("failed to create test event store: %v", err)
	}

	bus := messagebus.NewInMemoryAdapter(messagebus.InMemoryConfig{EnableOrdering: true},
		messagebus.WithRecorder(recorder),
	)
	t.Cleanup(func() { _ = bus.Close() })

	return &InMemoryTestEnvironment{
		Registry:    registry,
		Recorder:    recorder,
		Store:       store,
		Checkpoints: eventsourcing.NewInMemoryCheckpointStore(),
		Subscriber:  events.NewEventSubscriber(),
		MessageBus:  bus,
	}
}

// Seed добавляет в поток n событий типа eventType и возвращает их
func (e *InMemoryTestEnvironment) Seed(t testing.TB, streamID, eventType string, n int) []events.Event {
	t.Helper()
	ctx := context.Background()

	meta, err := e.Store.GetStreamMetadata(ctx, streamID)
	if err != nil {
		t.Fatalf("failed to read stream %s: %v", streamID, err)
	}
	evts := make([]events.Event, 0, n)
	for i := 0; i < n; i++ {
		evts = append(evts, events.NewBaseEvent(eventType, streamID).
			WithPayload(map[string]interface{}{"n": fmt.Sprint(i)}))
	}
	if err := e.Store.Append(ctx, streamID, evts, eventsourcing.ExpectVersion(meta.Version)); err != nil {
		t.Fatalf("failed to seed stream %s: %v", streamID, err)
	}
	return evts
}

// NewReplayEngine создает движок, публикующий в Subscriber среды, с
// контрольными точками и метриками среды
func (e *InMemoryTestEnvironment) NewReplayEngine(t testing.TB, config eventsourcing.ReplayConfig, opts ...eventsourcing.ReplayOption) *eventsourcing.ReplayEngine {
	t.Helper()
	base := []eventsourcing.ReplayOption{
		eventsourcing.WithCheckpointStore(e.Checkpoints),
		eventsourcing.WithRecorder(e.Recorder),
		eventsourcing.WithReplayRegistry(e.Registry),
	}
	engine, err := eventsourcing.NewReplayEngine(e.Store, e.Subscriber, config, append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create replay engine: %v", err)
	}
	return engine
}
