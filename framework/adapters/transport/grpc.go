package transport

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/observability"
)

// GRPCConfig конфигурация gRPC сервера
type GRPCConfig struct {
	Addr                  string        `env:"ADDR" envDefault:":50051"`
	MaxConcurrentStreams  uint32        `env:"MAX_CONCURRENT_STREAMS" envDefault:"100"`
	MaxReceiveMessageSize int           `env:"MAX_RECEIVE_MESSAGE_SIZE" envDefault:"4194304"`
	HealthInterval        time.Duration `env:"HEALTH_INTERVAL" envDefault:"10s"`
	EnableReflection      bool          `env:"ENABLE_REFLECTION"`
}

// DefaultGRPCConfig возвращает конфигурацию gRPC по умолчанию
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Addr:                  ":50051",
		MaxConcurrentStreams:  100,
		MaxReceiveMessageSize: 4 * 1024 * 1024, // 4MB
		HealthInterval:        10 * time.Second,
	}
}

// GRPCServer gRPC сервер со стандартным health сервисом. Статус сервиса
// периодически обновляется из HealthRegistry.
type GRPCServer struct {
	config   GRPCConfig
	server   *grpc.Server
	health   *health.Server
	registry *observability.HealthRegistry
	logger   logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewGRPCServer создает сервер. registry может быть nil, тогда сервис
// всегда SERVING.
func NewGRPCServer(config GRPCConfig, registry *observability.HealthRegistry, logger logging.Logger) *GRPCServer {
	logger = logging.OrNop(logger)
	s := &GRPCServer{
		config:   config,
		health:   health.NewServer(),
		registry: registry,
		logger:   logger,
	}
	s.server = grpc.NewServer(
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),
		grpc.MaxRecvMsgSize(config.MaxReceiveMessageSize),
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			observability.GRPCTracingInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	if config.EnableReflection {
		reflection.Register(s.server)
	}
	return s
}

// Server возвращает grpc.Server для регистрации дополнительных сервисов
func (s *GRPCServer) Server() *grpc.Server {
	return s.server
}

// Start начинает слушать адрес из конфигурации (реализация core.Lifecycle)
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve запускает сервер на готовом listener
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return core.NewError(core.ErrValidation, "grpc server already running")
	}

	s.refresh(ctx)
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.watch(watchCtx, s.done)

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Log(logging.LevelError, "grpc server stopped", logging.Err(err))
		}
	}()
	s.running = true
	s.logger.Log(logging.LevelInfo, "grpc server started", logging.Str("addr", lis.Addr().String()))
	return nil
}

// watch обновляет статус health сервиса
func (s *GRPCServer) watch(ctx context.Context, done chan struct{}) {
	defer close(done)
	if s.registry == nil || s.config.HealthInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *GRPCServer) refresh(ctx context.Context) {
	serving := healthpb.HealthCheckResponse_SERVING
	if s.registry != nil && !s.registry.Health(ctx).Healthy() {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", serving)
}

// Stop останавливает сервер (реализация core.Lifecycle)
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли сервер (реализация core.Lifecycle)
func (s *GRPCServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *GRPCServer) Name() string {
	return "grpc-server"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *GRPCServer) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// recoveryInterceptor переводит панику обработчика в codes.Internal
func recoveryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Log(logging.LevelError, "grpc handler panicked",
					logging.Str("method", info.FullMethod),
					logging.Str("panic", fmt.Sprint(r)),
					logging.Str("stack", string(debug.Stack())),
				)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
