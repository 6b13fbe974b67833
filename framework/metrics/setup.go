// Package metrics предоставляет функции для настройки системы метрик.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	ExporterType  string
	ResourceAttrs map[string]string
	// Registry реестр Prometheus. Если nil, создается новый.
	Registry *prom.Registry
	// SetGlobal регистрирует провайдер как глобальный otel MeterProvider
	SetGlobal bool
}

// MetricsSetup результат настройки метрик
type MetricsSetup struct {
	Provider *metric.MeterProvider
	Registry *prom.Registry
	Recorder *OTelRecorder
}

// Handler возвращает HTTP обработчик /metrics
func (s *MetricsSetup) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}

// Shutdown корректно завершает работу метрик
func (s *MetricsSetup) Shutdown(ctx context.Context) error {
	if s == nil || s.Provider == nil {
		return nil
	}
	return s.Provider.Shutdown(ctx)
}

// SetupMetrics настраивает экспорт метрик
func SetupMetrics(config *MetricsConfig) (*MetricsSetup, error) {
	if config == nil {
		config = &MetricsConfig{ExporterType: "prometheus"}
	}

	registry := config.Registry
	if registry == nil {
		registry = prom.NewRegistry()
	}

	var reader metric.Reader
	switch config.ExporterType {
	case "prometheus", "":
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exporter
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(buildResourceAttributes(config.ResourceAttrs)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)
	if config.SetGlobal {
		otel.SetMeterProvider(provider)
	}

	return &MetricsSetup{
		Provider: provider,
		Registry: registry,
		Recorder: NewOTelRecorder(provider.Meter("eventcore")),
	}, nil
}

func buildResourceAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}
