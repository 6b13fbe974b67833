package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/metrics"
	"github.com/akriventsev/eventcore/framework/serialization"
)

// StoreConfig общая конфигурация хранилищ событий
type StoreConfig struct {
	// MaxEventsPerRead верхняя граница размера страницы чтения
	MaxEventsPerRead int
	// MaxEventsPerStream максимальное число событий в потоке, 0 без ограничения
	MaxEventsPerStream int64
	// SnapshotFrequency автоматический снимок каждые N версий, 0 отключает
	SnapshotFrequency int64
}

// DefaultStoreConfig возвращает конфигурацию по умолчанию
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxEventsPerRead:   1000,
		MaxEventsPerStream: 10000,
		SnapshotFrequency:  0,
	}
}

// Validate проверяет конфигурацию
func (c StoreConfig) Validate() error {
	if c.MaxEventsPerRead <= 0 {
		return core.NewError(core.ErrInvalidConfig, "max events per read must be positive")
	}
	if c.MaxEventsPerStream < 0 {
		return core.NewError(core.ErrInvalidConfig, "max events per stream cannot be negative")
	}
	if c.SnapshotFrequency < 0 {
		return core.NewError(core.ErrInvalidConfig, "snapshot frequency cannot be negative")
	}
	return nil
}

// SnapshotBuilder строит данные снимка потока на версии
type SnapshotBuilder func(ctx context.Context, store EventStore, streamID string, version int64) ([]byte, error)

// EnvelopeSnapshotBuilder строит снимок как JSON массив конвертов потока до версии включительно
func EnvelopeSnapshotBuilder(ctx context.Context, store EventStore, streamID string, version int64) ([]byte, error) {
	entries, err := ReadStreamFully(ctx, store, streamID, 1, version)
	if err != nil {
		return nil, err
	}
	envelopes := make([]*serialization.Envelope, len(entries))
	for i, e := range entries {
		envelopes[i] = e.Envelope
	}
	return json.Marshal(envelopes)
}

// ReadStreamFully читает диапазон потока постранично до конца
func ReadStreamFully(ctx context.Context, store EventStore, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	var out []StoredEvent
	for {
		page, err := store.ReadStream(ctx, streamID, fromVersion, toVersion)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		fromVersion = page[len(page)-1].Version + 1
		if toVersion > 0 && fromVersion > toVersion {
			return out, nil
		}
	}
}

// StoreOption опция хранилища
type StoreOption func(*storeCore)

// WithRegistry задает реестр кодеков. По умолчанию JSON кодек.
func WithRegistry(registry *serialization.Registry) StoreOption {
	return func(c *storeCore) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithStoreLogger задает логгер хранилища
func WithStoreLogger(logger logging.Logger) StoreOption {
	return func(c *storeCore) {
		c.logger = logging.OrNop(logger)
	}
}

// WithStoreRecorder задает recorder метрик хранилища
func WithStoreRecorder(recorder metrics.Recorder) StoreOption {
	return func(c *storeCore) {
		c.recorder = metrics.OrNop(recorder)
	}
}

// WithStoreTracer задает tracer хранилища
func WithStoreTracer(tracer trace.Tracer) StoreOption {
	return func(c *storeCore) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithSnapshotBuilder задает построитель автоматических снимков
func WithSnapshotBuilder(builder SnapshotBuilder) StoreOption {
	return func(c *storeCore) {
		if builder != nil {
			c.snapshotBuilder = builder
		}
	}
}

// storeCore общая часть хранилищ: кодирование, постраничность,
// автоматические снимки и наблюдаемость
type storeCore struct {
	name            string
	config          StoreConfig
	registry        *serialization.Registry
	logger          logging.Logger
	recorder        metrics.Recorder
	tracer          trace.Tracer
	snapshotBuilder SnapshotBuilder
	missedSnapshots atomic.Int64
}

func newStoreCore(name string, config StoreConfig, opts []StoreOption) (*storeCore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &storeCore{
		name:            name,
		config:          config,
		registry:        serialization.NewDefaultRegistry(),
		logger:          logging.Nop(),
		recorder:        metrics.NopRecorder{},
		tracer:          noop.NewTracerProvider().Tracer("eventcore/eventsourcing"),
		snapshotBuilder: EnvelopeSnapshotBuilder,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config возвращает конфигурацию хранилища
func (c *storeCore) Config() StoreConfig {
	return c.config
}

// Registry возвращает реестр кодеков хранилища
func (c *storeCore) Registry() *serialization.Registry {
	return c.registry
}

// MissedSnapshots возвращает число автоматических снимков, которые не удалось создать
func (c *storeCore) MissedSnapshots() int64 {
	return c.missedSnapshots.Load()
}

// prepareAppend проверяет аргументы и кодирует события до захвата блокировок,
// поэтому ошибка сериализации не оставляет частичной записи
func (c *storeCore) prepareAppend(streamID string, evts []events.Event) ([]*serialization.Envelope, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", ErrInvalidArgument)
	}
	envelopes := make([]*serialization.Envelope, len(evts))
	for i, e := range evts {
		env, err := c.registry.Serialize(e)
		if err != nil {
			return nil, err
		}
		envelopes[i] = env
	}
	return envelopes, nil
}

// checkVersion проверяет ожидаемую версию и лимит потока
func (c *storeCore) checkVersion(streamID string, expected core.Option[int64], current int64, count int) error {
	if v, ok := expected.Get(); ok && v != current {
		return &ConcurrencyConflictError{StreamID: streamID, Expected: v, Actual: current}
	}
	if c.config.MaxEventsPerStream > 0 && current+int64(count) > c.config.MaxEventsPerStream {
		return fmt.Errorf("%w: stream %s has %d events, limit %d",
			ErrStreamLimitExceeded, streamID, current, c.config.MaxEventsPerStream)
	}
	return nil
}

// pageSize возвращает min(maxCount, MaxEventsPerRead)
func (c *storeCore) pageSize(maxCount int) int {
	if maxCount <= 0 || maxCount > c.config.MaxEventsPerRead {
		return c.config.MaxEventsPerRead
	}
	return maxCount
}

// versionRange нормализует диапазон версий. ok=false для пустого диапазона.
func versionRange(fromVersion, toVersion, current int64) (int64, int64, bool) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion <= 0 || toVersion > current {
		toVersion = current
	}
	return fromVersion, toVersion, fromVersion <= toVersion
}

func (c *storeCore) decode(entries []StoredEvent) ([]events.Event, error) {
	out := make([]events.Event, 0, len(entries))
	for _, e := range entries {
		event, err := c.registry.Deserialize(e.Envelope)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event %s at position %d: %w", e.ID, e.GlobalPosition, err)
		}
		out = append(out, event)
	}
	return out, nil
}

func (c *storeCore) startSpan(ctx context.Context, op, streamID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "eventstore."+op,
		trace.WithAttributes(
			attribute.String("eventstore.backend", c.name),
			attribute.String("eventstore.stream_id", streamID),
		),
	)
}

func (c *storeCore) recordConflict(ctx context.Context, err error) {
	if IsConcurrencyConflict(err) {
		c.recorder.IncCounter(ctx, metrics.EventStoreConflictsTotal, map[string]string{"backend": c.name}, 1)
	}
}

// afterAppend пишет метрики и создает автоматический снимок, если диапазон
// версий (fromVersion, toVersion] пересек кратное SnapshotFrequency.
// Ошибка снимка логируется и считается, но не возвращается.
func (c *storeCore) afterAppend(ctx context.Context, store EventStore, streamID string, fromVersion, toVersion int64, started time.Time) {
	labels := map[string]string{"backend": c.name}
	c.recorder.IncCounter(ctx, metrics.EventStoreAppendsTotal, labels, 1)
	c.recorder.IncCounter(ctx, metrics.EventStoreEventsAppendedTotal, labels, toVersion-fromVersion)
	c.recorder.ObserveHistogram(ctx, metrics.EventStoreAppendDuration, labels, time.Since(started).Seconds())

	c.logger.Log(logging.LevelDebug, "events appended",
		logging.Component(c.name),
		logging.StreamID(streamID),
		logging.Version(toVersion),
		logging.Int64("count", toVersion-fromVersion),
	)

	n := c.config.SnapshotFrequency
	if n <= 0 {
		return
	}
	target := toVersion - toVersion%n
	if target <= fromVersion {
		return
	}

	err := c.snapshot(ctx, store, streamID, target)
	if err == nil {
		c.recorder.IncCounter(ctx, metrics.EventStoreSnapshotsTotal, labels, 1)
		return
	}
	c.missedSnapshots.Add(1)
	c.recorder.IncCounter(ctx, metrics.EventStoreSnapshotsMissedTotal, labels, 1)
	c.logger.Log(logging.LevelError, "automatic snapshot failed",
		logging.Component(c.name),
		logging.StreamID(streamID),
		logging.Version(target),
		logging.Err(err),
	)
}

func (c *storeCore) snapshot(ctx context.Context, store EventStore, streamID string, version int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot builder panicked: %v", r)
		}
	}()
	data, err := c.snapshotBuilder(ctx, store, streamID, version)
	if err != nil {
		return err
	}
	return store.CreateSnapshot(ctx, streamID, version, data)
}
