package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/akriventsev/eventcore/framework/adapters/events"
	"github.com/akriventsev/eventcore/framework/adapters/messagebus"
	"github.com/akriventsev/eventcore/framework/core"
	coreevents "github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/metrics"
	"github.com/akriventsev/eventcore/framework/observability"
	"github.com/akriventsev/eventcore/framework/serialization"
)

// app собранные компоненты процесса
type app struct {
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.MetricsSetup
	tracing  *observability.TracingManager
	registry *serialization.Registry
	backend  *eventsourcing.Backend
	bus      messagebus.Bus
	relay    *events.RelayPublisher
}

// newRegistry создает реестр сериализации с кодеком по умолчанию
func newRegistry(codec string) (*serialization.Registry, error) {
	registry := serialization.NewRegistry()
	switch strings.ToLower(codec) {
	case "json", "":
		registry.RegisterDefault(serialization.NewJSONCodec())
	case "msgpack":
		registry.RegisterDefault(serialization.NewMessagePackCodec())
	default:
		return nil, core.Errorf(core.ErrInvalidConfig, "unknown codec %q", codec)
	}
	return registry, nil
}

// newApp создает хранилище, брокер и телеметрию. При ошибке уже созданные
// компоненты закрываются.
func newApp(ctx context.Context, cfg Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logging.New(cfg.Logging())}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	a.metrics, err = metrics.SetupMetrics(&metrics.MetricsConfig{
		ExporterType:  "prometheus",
		ResourceAttrs: map[string]string{"service.name": cfg.Tracing.ServiceName},
		SetGlobal:     true,
	})
	if err != nil {
		return nil, err
	}

	a.tracing, err = observability.NewTracingManager(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	if err = a.tracing.Start(ctx); err != nil {
		return nil, err
	}

	a.registry, err = newRegistry(cfg.Codec)
	if err != nil {
		return nil, err
	}

	factory := eventsourcing.NewEventStoreFactory(
		eventsourcing.WithRegistry(a.registry),
		eventsourcing.WithStoreLogger(a.logger),
		eventsourcing.WithStoreRecorder(a.metrics.Recorder),
		eventsourcing.WithStoreTracer(a.tracing.Tracer()),
	)
	a.backend, err = factory.Create(ctx, cfg.StoreBackend())
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}

	a.bus, err = messagebus.New(ctx, cfg.MessageBus(),
		messagebus.WithLogger(a.logger),
		messagebus.WithRecorder(a.metrics.Recorder),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message bus: %w", err)
	}

	a.relay, err = events.NewRelayPublisher(a.bus, a.registry, a.relayConfig())
	if err != nil {
		return nil, err
	}

	a.logger.Log(logging.LevelInfo, "eventcore initialized",
		logging.Str("store", a.backend.Name),
		logging.Str("bus", cfg.Bus.Type),
		logging.Str("codec", cfg.Codec),
	)
	return a, nil
}

func (a *app) relayConfig() events.RelayConfig {
	rc := events.DefaultRelayConfig()
	rc.SubjectPrefix = a.cfg.Bus.SubjectPrefix
	return rc
}

// newReplayEngine создает движок, публикующий события в брокер
func (a *app) newReplayEngine(opts ...eventsourcing.ReplayOption) (*eventsourcing.ReplayEngine, error) {
	base := []eventsourcing.ReplayOption{
		eventsourcing.WithLogger(a.logger),
		eventsourcing.WithRecorder(a.metrics.Recorder),
		eventsourcing.WithTracer(a.tracing.Tracer()),
		eventsourcing.WithCheckpointStore(a.backend.Checkpoints),
		eventsourcing.WithReplayRegistry(a.registry),
	}
	return eventsourcing.NewReplayEngine(a.backend.Store, a.relay, a.cfg.ReplayConfig(), append(base, opts...)...)
}

// newLocalSubscriber создает подписчика для проекций процесса
func (a *app) newLocalSubscriber() *coreevents.EventSubscriber {
	return coreevents.NewEventSubscriber(coreevents.WithLogger(a.logger))
}

func (a *app) close(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Log(logging.LevelWarn, "failed to close message bus", logging.Err(err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(ctx); err != nil {
			a.logger.Log(logging.LevelWarn, "failed to close event store", logging.Err(err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Stop(ctx); err != nil {
			a.logger.Log(logging.LevelWarn, "failed to stop tracing", logging.Err(err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Log(logging.LevelWarn, "failed to shutdown metrics", logging.Err(err))
		}
	}
}
