// Copyright 2024 Eventcore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// Носители correlation ID: HTTP заголовок, gRPC metadata, baggage и
// заголовок сообщения брокера
const (
	correlationIDHeader        = "X-Correlation-ID"
	correlationIDMetadataKey   = "x-correlation-id"
	correlationIDBaggageKey    = "correlation_id"
	correlationIDMessageHeader = "correlation-id"
)

// TracingConfig конфигурация для distributed tracing
type TracingConfig struct {
	Enabled          bool    `env:"ENABLED"`
	ServiceName      string  `env:"SERVICE_NAME" envDefault:"eventcore"`
	ServiceVersion   string  `env:"SERVICE_VERSION"`
	Exporter         string  `env:"EXPORTER" envDefault:"stdout"` // "jaeger", "zipkin", "otlp", "stdout"
	ExporterEndpoint string  `env:"EXPORTER_ENDPOINT"`
	SamplingRate     float64 `env:"SAMPLING_RATE" envDefault:"1"` // 0.0 - 1.0
	Environment      string  `env:"ENVIRONMENT" envDefault:"development"`
}

// DefaultTracingConfig возвращает конфигурацию по умолчанию (tracing выключен)
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:  "eventcore",
		Exporter:     "stdout",
		SamplingRate: 1,
		Environment:  "development",
	}
}

// Validate проверяет конфигурацию
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return core.NewError(core.ErrInvalidConfig, "tracing service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return core.Errorf(core.ErrInvalidConfig, "sampling rate must be within [0, 1], got %v", c.SamplingRate)
	}
	switch c.Exporter {
	case "jaeger", "zipkin", "otlp":
		if c.ExporterEndpoint == "" {
			return core.Errorf(core.ErrInvalidConfig, "exporter %s requires an endpoint", c.Exporter)
		}
	case "stdout":
	default:
		return core.Errorf(core.ErrInvalidConfig, "unknown trace exporter %q", c.Exporter)
	}
	return nil
}

// TracingManager менеджер для distributed tracing
type TracingManager struct {
	config   TracingConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	exporter sdktrace.SpanExporter
	running  bool
	mu       sync.RWMutex
}

// NewTracingManager создает новый TracingManager
func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	if !config.Enabled {
		return &TracingManager{config: config}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Создание resource attributes
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Создание exporter
	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Настройка sampler
	sampler := sdktrace.TraceIDRatioBased(config.SamplingRate)
	if config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if config.SamplingRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	}

	// Создание trace provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Регистрация global trace provider
	otel.SetTracerProvider(tp)

	// Настройка propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(config.ServiceName)

	return &TracingManager{
		config:   config,
		tracer:   tracer,
		provider: tp,
		exporter: exporter,
		running:  false,
	}, nil
}

// createExporter создает exporter на основе конфигурации
func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.ExporterEndpoint)))
	case "zipkin":
		return zipkin.New(config.ExporterEndpoint)
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(config.ExporterEndpoint),
			otlptracehttp.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

// Start запускает tracing (lifecycle)
func (tm *TracingManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = true
	tm.mu.Unlock()
	return nil
}

// Stop останавливает tracing с graceful shutdown
func (tm *TracingManager) Stop(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = false
	tm.mu.Unlock()

	if tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

// IsRunning проверяет статус
func (tm *TracingManager) IsRunning() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.running
}

// Tracer возвращает tracer для создания spans. При выключенном tracing
// возвращается tracer глобального провайдера.
func (tm *TracingManager) Tracer() trace.Tracer {
	if tm.tracer == nil {
		return otel.Tracer(tm.config.ServiceName)
	}
	return tm.tracer
}

// HTTPTracingMiddleware открывает server span на каждый запрос. Имя span
// строится по шаблону маршрута, а не по пути, чтобы идентификаторы потоков
// не раздували кардинальность.
func HTTPTracingMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := otel.Tracer(serviceName).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))
	}
}

// CorrelationIDMiddleware берет correlation ID из заголовка X-Correlation-ID,
// иначе из trace ID запроса, иначе генерирует новый. ID кладется в baggage
// контекста и возвращается в ответе.
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationIDHeader)
		if id == "" {
			id = CorrelationIDFromContext(c.Request.Context())
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(ContextWithCorrelationID(c.Request.Context(), id))
		c.Writer.Header().Set(correlationIDHeader, id)
		c.Next()
	}
}

// GRPCTracingInterceptor открывает server span на каждый unary вызов и
// переносит trace context и correlation ID из входящих metadata
func GRPCTracingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = otel.GetTextMapPropagator().Extract(ctx, grpcMetadataCarrier(md))
			if ids := md.Get(correlationIDMetadataKey); len(ids) > 0 && ids[0] != "" {
				ctx = ContextWithCorrelationID(ctx, ids[0])
			}
		}

		service, method := splitFullMethod(info.FullMethod)
		ctx, span := otel.Tracer("eventcore.grpc").Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.service", service),
				attribute.String("rpc.method", method),
			),
		)
		defer span.End()

		resp, err := handler(ctx, req)
		span.SetAttributes(attribute.String("rpc.grpc.status_code", status.Code(err).String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status.Convert(err).Message())
		}
		return resp, err
	}
}

// splitFullMethod разбирает "/package.Service/Method"
func splitFullMethod(fullMethod string) (service, method string) {
	name := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// grpcMetadataCarrier propagation.TextMapCarrier поверх gRPC metadata
type grpcMetadataCarrier metadata.MD

func (m grpcMetadataCarrier) Get(key string) string {
	if values := metadata.MD(m).Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (m grpcMetadataCarrier) Set(key, value string) {
	metadata.MD(m).Set(key, value)
}

func (m grpcMetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// CorrelationIDFromContext возвращает correlation ID из baggage. Без него
// используется trace ID активного span.
func CorrelationIDFromContext(ctx context.Context) string {
	if id := baggage.FromContext(ctx).Member(correlationIDBaggageKey).Value(); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// ContextWithCorrelationID кладет correlation ID в baggage контекста.
// Недопустимое для baggage значение оставляет контекст без изменений.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	member, err := baggage.NewMemberRaw(correlationIDBaggageKey, id)
	if err != nil {
		return ctx
	}
	b, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, b)
}

// ContextWithEventCorrelation переносит correlation ID события в контекст,
// чтобы обработчики и исходящие публикации продолжали ту же цепочку
func ContextWithEventCorrelation(ctx context.Context, event events.Event) context.Context {
	if id := event.Metadata().CorrelationID(); id != "" {
		return ContextWithCorrelationID(ctx, id)
	}
	return ctx
}

// InjectMessageHeaders записывает trace context и correlation ID в заголовки
// сообщения брокера
func InjectMessageHeaders(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if _, ok := headers[correlationIDMessageHeader]; ok {
		return
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		headers[correlationIDMessageHeader] = id
	}
}

// ExtractMessageHeaders восстанавливает trace context и correlation ID из
// заголовков сообщения брокера
func ExtractMessageHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	if id := headers[correlationIDMessageHeader]; id != "" {
		ctx = ContextWithCorrelationID(ctx, id)
	}
	return ctx
}

// TraceStoreOperation оборачивает операцию над потоком в span
func TraceStoreOperation(ctx context.Context, operation, streamID string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("eventcore.store").Start(ctx, "store."+operation,
		trace.WithAttributes(
			attribute.String("store.operation", operation),
			attribute.String("stream.id", streamID),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TraceReplay оборачивает запуск воспроизведения в span
func TraceReplay(ctx context.Context, scope string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("eventcore.replay").Start(ctx, "replay."+scope,
		trace.WithAttributes(attribute.String("replay.scope", scope)),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TraceEventHandler оборачивает обработчик событий: каждый вызов получает
// span с типом события и агрегатом, а контекст обработчика несет
// correlation ID события
func TraceEventHandler(name string, handler events.EventHandler) events.EventHandler {
	return events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		ctx = ContextWithEventCorrelation(ctx, event)
		ctx, span := otel.Tracer("eventcore.event").Start(ctx, "event."+event.EventType(),
			trace.WithAttributes(
				attribute.String("event.handler", name),
				attribute.String("event.type", event.EventType()),
				attribute.String("event.id", event.EventID()),
				attribute.String("aggregate.id", event.AggregateID()),
			),
		)
		defer span.End()
		if id := event.Metadata().CorrelationID(); id != "" {
			span.SetAttributes(attribute.String("correlation.id", id))
		}

		err := handler.Handle(ctx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
}
