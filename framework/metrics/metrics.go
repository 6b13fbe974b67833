// Package metrics предоставляет систему метрик на основе OpenTelemetry.
//
// Компоненты фреймворка пишут метрики через узкий интерфейс Recorder.
// OTelRecorder отправляет их в OpenTelemetry, NopRecorder отбрасывает.
package metrics

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Имена метрик хранилища событий
const (
	EventStoreAppendsTotal         = "eventstore_appends_total"
	EventStoreEventsAppendedTotal  = "eventstore_events_appended_total"
	EventStoreConflictsTotal       = "eventstore_conflicts_total"
	EventStoreSnapshotsTotal       = "eventstore_snapshots_total"
	EventStoreSnapshotsMissedTotal = "eventstore_snapshots_missed_total"
	EventStoreAppendDuration       = "eventstore_append_duration_seconds"
)

// Имена метрик шины событий
const (
	EventBusEventsTotal          = "eventbus_events_total"
	EventBusHandlerDuration      = "eventbus_handler_duration_seconds"
	EventBusHandlerSuccessTotal  = "eventbus_handler_success_total"
	EventBusHandlerErrorsTotal   = "eventbus_handler_errors_total"
	EventBusHandlerTimeoutsTotal = "eventbus_handler_timeouts_total"
	EventBusEventsFilteredTotal  = "eventbus_events_filtered_total"
	EventBusEventsUnhandledTotal = "eventbus_events_unhandled_total"
	EventBusDeadLetteredTotal    = "eventbus_dead_lettered_total"
)

// Имена метрик воспроизведения
const (
	ReplayEventsTotal   = "replay_events_total"
	ReplayFailuresTotal = "replay_failures_total"
	ReplayRetriesTotal  = "replay_retries_total"
	ReplayBatchDuration = "replay_batch_duration_seconds"
	ReplayRunsTotal     = "replay_runs_total"
)

// Имена метрик брокеров сообщений
const (
	TransportMessagesPublishedTotal = "transport_messages_published_total"
	TransportPublishErrorsTotal     = "transport_publish_errors_total"
	TransportMessagesReceivedTotal  = "transport_messages_received_total"
	TransportPublishDuration        = "transport_publish_duration_seconds"
)

// Recorder интерфейс записи метрик
type Recorder interface {
	IncCounter(ctx context.Context, name string, labels map[string]string, value int64)
	ObserveHistogram(ctx context.Context, name string, labels map[string]string, value float64)
}

// NopRecorder отбрасывает все метрики
type NopRecorder struct{}

// IncCounter ничего не делает
func (NopRecorder) IncCounter(context.Context, string, map[string]string, int64) {}

// ObserveHistogram ничего не делает
func (NopRecorder) ObserveHistogram(context.Context, string, map[string]string, float64) {}

// OrNop возвращает recorder или NopRecorder, если он nil
func OrNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder{}
	}
	return r
}

// OTelRecorder записывает метрики в OpenTelemetry meter.
// Инструменты создаются при первом обращении к имени.
type OTelRecorder struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

// NewOTelRecorder создает recorder поверх meter. Если meter равен nil,
// используется глобальный провайдер.
func NewOTelRecorder(meter metric.Meter) *OTelRecorder {
	if meter == nil {
		meter = otel.Meter("eventcore")
	}
	return &OTelRecorder{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// IncCounter увеличивает счетчик
func (r *OTelRecorder) IncCounter(ctx context.Context, name string, labels map[string]string, value int64) {
	counter, err := r.counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

// ObserveHistogram записывает значение гистограммы
func (r *OTelRecorder) ObserveHistogram(ctx context.Context, name string, labels map[string]string, value float64) {
	histogram, err := r.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

func (r *OTelRecorder) counter(name string) (metric.Int64Counter, error) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Int64Counter(name, metric.WithDescription(describe(name)))
	if err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

func (r *OTelRecorder) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name,
		metric.WithDescription(describe(name)),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = h
	return h, nil
}

var descriptions = map[string]string{
	EventStoreAppendsTotal:          "Total number of append operations",
	EventStoreEventsAppendedTotal:   "Total number of events appended",
	EventStoreConflictsTotal:        "Total number of optimistic concurrency conflicts",
	EventStoreSnapshotsTotal:        "Total number of snapshots written",
	EventStoreSnapshotsMissedTotal:  "Total number of automatic snapshots that failed",
	EventStoreAppendDuration:        "Append duration in seconds",
	EventBusEventsTotal:             "Total number of events dispatched",
	EventBusHandlerDuration:         "Handler execution duration in seconds",
	EventBusHandlerSuccessTotal:     "Total number of successful handler invocations",
	EventBusHandlerErrorsTotal:      "Total number of failed handler invocations",
	EventBusHandlerTimeoutsTotal:    "Total number of handler timeouts",
	EventBusEventsFilteredTotal:     "Total number of events rejected by filter",
	EventBusEventsUnhandledTotal:    "Total number of events without subscribers",
	EventBusDeadLetteredTotal:       "Total number of events sent to dead letter queue",
	ReplayEventsTotal:               "Total number of replayed events",
	ReplayFailuresTotal:             "Total number of events that failed during replay",
	ReplayRetriesTotal:              "Total number of replay retries",
	ReplayBatchDuration:             "Replay batch duration in seconds",
	ReplayRunsTotal:                 "Total number of replay runs by outcome",
	TransportMessagesPublishedTotal: "Total number of messages published to a broker",
	TransportPublishErrorsTotal:     "Total number of failed broker publishes",
	TransportMessagesReceivedTotal:  "Total number of messages received from a broker",
	TransportPublishDuration:        "Broker publish duration in seconds",
}

func describe(name string) string {
	if d, ok := descriptions[name]; ok {
		return d
	}
	return name
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}
