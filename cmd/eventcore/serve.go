package main

import (
	"context"
	"time"

	"github.com/akriventsev/eventcore/framework/adapters/events"
	"github.com/akriventsev/eventcore/framework/adapters/transport"
	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/observability"
)

// shutdownTimeout время на остановку всех компонентов
const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	health := observability.NewHealthRegistry(5 * time.Second)
	health.RegisterHealthCheck(observability.ComponentHealthCheck("store", a.backend))
	health.RegisterReadinessCheck(observability.ComponentHealthCheck("store", a.backend))
	if hc, ok := a.bus.(core.HealthCheckable); ok {
		health.RegisterReadinessCheck(observability.ComponentHealthCheck("bus", hc))
	}
	health.RegisterHealthCheck(observability.NewMemoryHealthCheck(0))

	hub := transport.NewProgressHub(transport.DefaultWebSocketConfig(), a.logger)
	engine, err := a.newReplayEngine(eventsourcing.WithProgressCallback(hub.Publish))
	if err != nil {
		return err
	}

	local := a.newLocalSubscriber()
	projections, err := eventsourcing.NewProjectionManager(a.backend.Store, local, cfg.ReplayConfig(), a.logger)
	if err != nil {
		return err
	}
	projections.WithHandlerMiddleware(observability.TraceEventHandler)

	var consumer *events.RelayConsumer
	if cfg.Bus.Consume {
		consumer, err = events.NewRelayConsumer(a.bus, a.registry, local, a.relayConfig(), a.logger)
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx, cfg.Bus.EventTypes...); err != nil {
			return err
		}
	}

	admin, err := transport.NewAdminServer(cfg.Admin, transport.AdminDeps{
		Store:       a.backend.Store,
		Replay:      engine,
		Projections: projections,
		Health:      health,
		Progress:    hub,
		Metrics:     a.metrics.Handler(),
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	grpcServer := transport.NewGRPCServer(cfg.GRPC, health, a.logger)
	pprofServer := observability.NewPprofServer(cfg.PprofAddr, a.logger)

	components := []core.Lifecycle{admin, grpcServer, pprofServer}
	started := make([]core.Lifecycle, 0, len(components))
	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			stopAll(a.logger, started)
			return err
		}
		started = append(started, c)
	}

	a.logger.Log(logging.LevelInfo, "eventcore serving",
		logging.Str("admin", cfg.Admin.Addr),
		logging.Str("grpc", cfg.GRPC.Addr),
	)
	<-ctx.Done()
	a.logger.Log(logging.LevelInfo, "shutting down")

	stopAll(a.logger, started)
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			a.logger.Log(logging.LevelWarn, "failed to stop relay consumer", logging.Err(err))
		}
	}
	return nil
}

// stopAll останавливает компоненты в обратном порядке запуска
func stopAll(logger logging.Logger, components []core.Lifecycle) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(ctx); err != nil {
			logger.Log(logging.LevelWarn, "failed to stop component", logging.Err(err))
		}
	}
}
