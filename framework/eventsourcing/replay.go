package eventsourcing

import (
	"context"
	"sync"
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

// ErrReplayInProgress движок уже выполняет воспроизведение
var ErrReplayInProgress = core.Sentinel(core.ErrReplayInProgress, "replay already in progress")

// ReplayConfig конфигурация движка воспроизведения
type ReplayConfig struct {
	// BatchSize число событий, доставляемых параллельно в одном пакете
	BatchSize int
	// DelayBetweenBatches пауза между пакетами
	DelayBetweenBatches time.Duration
	// MaxRetries число повторов доставки события
	MaxRetries int
	// RetryDelay пауза между повторами
	RetryDelay time.Duration
	// EnableErrorRecovery включает повторы; без него событие сразу считается неудачным
	EnableErrorRecovery bool
	// CheckpointName имя контрольной точки для ReplayAllEvents и ResumeAllEvents
	CheckpointName string
}

// DefaultReplayConfig возвращает конфигурацию по умолчанию
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		BatchSize:           100,
		DelayBetweenBatches: 10 * time.Millisecond,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		EnableErrorRecovery: true,
	}
}

// Validate проверяет конфигурацию
func (c ReplayConfig) Validate() error {
	if c.BatchSize <= 0 {
		return core.NewError(core.ErrInvalidConfig, "replay batch size must be positive")
	}
	if c.MaxRetries < 0 {
		return core.NewError(core.ErrInvalidConfig, "replay max retries cannot be negative")
	}
	if c.DelayBetweenBatches < 0 || c.RetryDelay < 0 {
		return core.NewError(core.ErrInvalidConfig, "replay delays cannot be negative")
	}
	return nil
}

// ReplayError ошибка доставки одного события
type ReplayError struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Position   int64     `json:"position"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

// ReplayProgress состояние текущего или последнего воспроизведения
type ReplayProgress struct {
	TotalEvents         int64         `json:"total_events"`
	ProcessedEvents     int64         `json:"processed_events"`
	FailedEvents        int64         `json:"failed_events"`
	CurrentPosition     int64         `json:"current_position"`
	StartTime           time.Time     `json:"start_time"`
	EstimatedCompletion time.Time     `json:"estimated_completion"`
	IsComplete          bool          `json:"is_complete"`
	Cancelled           bool          `json:"cancelled"`
	Errors              []ReplayError `json:"errors"`
}

func (p *ReplayProgress) clone() *ReplayProgress {
	if p == nil {
		return nil
	}
	out := *p
	out.Errors = append([]ReplayError(nil), p.Errors...)
	return &out
}

// ProgressCallback вызывается после каждого пакета и по завершении
type ProgressCallback func(progress ReplayProgress)

// ReplayOption опция движка воспроизведения
type ReplayOption func(*ReplayEngine)

// WithLogger задает логгер движка
func WithLogger(logger logging.Logger) ReplayOption {
	return func(e *ReplayEngine) {
		e.logger = logging.OrNop(logger)
	}
}

// WithRecorder задает recorder метрик движка
func WithRecorder(recorder metrics.Recorder) ReplayOption {
	return func(e *ReplayEngine) {
		e.recorder = metrics.OrNop(recorder)
	}
}

// WithTracer задает tracer движка
func WithTracer(tracer trace.Tracer) ReplayOption {
	return func(e *ReplayEngine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithCheckpointStore задает хранилище контрольных точек
func WithCheckpointStore(store CheckpointStore) ReplayOption {
	return func(e *ReplayEngine) {
		e.checkpoints = store
	}
}

// WithProgressCallback задает обработчик прогресса
func WithProgressCallback(callback ProgressCallback) ReplayOption {
	return func(e *ReplayEngine) {
		e.onProgress = callback
	}
}

// WithReplayRegistry задает реестр кодеков для восстановления событий.
// По умолчанию используется реестр хранилища.
func WithReplayRegistry(registry *serialization.Registry) ReplayOption {
	return func(e *ReplayEngine) {
		if registry != nil {
			e.registry = registry
		}
	}
}

// replayItem событие с позицией в журнале
type replayItem struct {
	position int64
	event    events.Event
}

// replayRun состояние одного запуска
type replayRun struct {
	cancelled atomic.Bool
	cancelCh  chan struct{}
	once      sync.Once
}

func (r *replayRun) cancel() {
	r.once.Do(func() {
		r.cancelled.Store(true)
		close(r.cancelCh)
	})
}

type startNotifyKey struct{}

// startNotifier вызывает notify не более одного раза
type startNotifier struct {
	once   sync.Once
	notify func(error)
}

func (n *startNotifier) done(err error) {
	n.once.Do(func() { n.notify(err) })
}

// WithStartNotify возвращает контекст, через который воспроизведение сообщает
// о своем запуске: nil после чтения событий и инициализации прогресса, либо
// ошибку отказа (ErrReplayInProgress, ошибка чтения хранилища).
// notify вызывается не более одного раза.
func WithStartNotify(ctx context.Context, notify func(error)) context.Context {
	return context.WithValue(ctx, startNotifyKey{}, &startNotifier{notify: notify})
}

// NotifyStart сообщает результат запуска уведомителю из ctx, если он есть и
// еще не вызывался
func NotifyStart(ctx context.Context, err error) {
	if n, ok := ctx.Value(startNotifyKey{}).(*startNotifier); ok {
		n.done(err)
	}
}

// ReplayEngine повторно доставляет сохраненные события через Publisher
// пакетами с фильтрацией, повторами и отменой. Одновременно выполняется
// не более одного воспроизведения.
type ReplayEngine struct {
	store       EventStore
	publisher   events.Publisher
	config      ReplayConfig
	registry    *serialization.Registry
	checkpoints CheckpointStore
	onProgress  ProgressCallback
	logger      logging.Logger
	recorder    metrics.Recorder
	tracer      trace.Tracer

	running atomic.Bool

	mu       sync.RWMutex
	progress *ReplayProgress
	run      *replayRun
}

// NewReplayEngine создает движок воспроизведения
func NewReplayEngine(store EventStore, publisher events.Publisher, config ReplayConfig, opts ...ReplayOption) (*ReplayEngine, error) {
	if store == nil || publisher == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "replay engine requires store and publisher")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &ReplayEngine{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logging.Nop(),
		recorder:  metrics.NopRecorder{},
		tracer:    noop.NewTracerProvider().Tracer("eventcore/replay"),
	}
	if r, ok := store.(interface {
		Registry() *serialization.Registry
	}); ok {
		e.registry = r.Registry()
	} else {
		e.registry = serialization.NewDefaultRegistry()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config возвращает конфигурацию движка
func (e *ReplayEngine) Config() ReplayConfig {
	return e.config
}

// IsReplaying проверяет, выполняется ли воспроизведение
func (e *ReplayEngine) IsReplaying() bool {
	return e.running.Load()
}

// Progress возвращает копию прогресса текущего или последнего
// воспроизведения, nil если его не было
func (e *ReplayEngine) Progress() *ReplayProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress.clone()
}

// CancelReplay запрашивает отмену текущего воспроизведения. Текущий пакет
// доставляется до конца, новые пакеты не начинаются. Возвращает false,
// если воспроизведение не выполняется.
func (e *ReplayEngine) CancelReplay() bool {
	e.mu.RLock()
	run := e.run
	e.mu.RUnlock()
	if run == nil {
		return false
	}
	run.cancel()
	return true
}

// ReplayAllEvents воспроизводит события всех потоков начиная с позиции
func (e *ReplayEngine) ReplayAllEvents(ctx context.Context, fromPosition int64, filter events.Filter) (*ReplayProgress, error) {
	return e.execute(ctx, "all", func(ctx context.Context) ([]replayItem, error) {
		return e.readAll(ctx, fromPosition, filter)
	}, e.config.CheckpointName)
}

// ResumeAllEvents продолжает воспроизведение всех событий с позиции после
// сохраненной контрольной точки
func (e *ReplayEngine) ResumeAllEvents(ctx context.Context, filter events.Filter) (*ReplayProgress, error) {
	if e.checkpoints == nil || e.config.CheckpointName == "" {
		return nil, core.NewError(core.ErrInvalidConfig, "resume requires checkpoint store and checkpoint name")
	}
	position, err := e.checkpoints.GetCheckpoint(ctx, e.config.CheckpointName)
	if err != nil {
		return nil, err
	}
	return e.ReplayAllEvents(ctx, position+1, filter)
}

// ReplayStream воспроизводит события потока в диапазоне версий
func (e *ReplayEngine) ReplayStream(ctx context.Context, streamID string, fromVersion, toVersion int64, filter events.Filter) (*ReplayProgress, error) {
	return e.execute(ctx, "stream", func(ctx context.Context) ([]replayItem, error) {
		entries, err := ReadStreamFully(ctx, e.store, streamID, fromVersion, toVersion)
		if err != nil {
			return nil, err
		}
		return e.decode(entries, filter)
	}, "")
}

// ReplayEventsByType воспроизводит события типа начиная с позиции.
// maxCount <= 0 означает все события типа.
func (e *ReplayEngine) ReplayEventsByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) (*ReplayProgress, error) {
	return e.execute(ctx, "type", func(ctx context.Context) ([]replayItem, error) {
		var entries []StoredEvent
		for maxCount <= 0 || len(entries) < maxCount {
			limit := 0
			if maxCount > 0 {
				limit = maxCount - len(entries)
			}
			page, err := e.store.ReadByType(ctx, eventType, fromPosition, limit)
			if err != nil {
				return nil, err
			}
			if len(page) == 0 {
				break
			}
			entries = append(entries, page...)
			fromPosition = page[len(page)-1].GlobalPosition + 1
		}
		return e.decode(entries, nil)
	}, "")
}

func (e *ReplayEngine) readAll(ctx context.Context, fromPosition int64, filter events.Filter) ([]replayItem, error) {
	var items []replayItem
	for {
		page, err := e.store.ReadAll(ctx, fromPosition, 0)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return items, nil
		}
		decoded, err := e.decode(page, filter)
		if err != nil {
			return nil, err
		}
		items = append(items, decoded...)
		fromPosition = page[len(page)-1].GlobalPosition + 1
	}
}

func (e *ReplayEngine) decode(entries []StoredEvent, filter events.Filter) ([]replayItem, error) {
	items := make([]replayItem, 0, len(entries))
	for _, entry := range entries {
		event, err := e.registry.Deserialize(entry.Envelope)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(event) {
			continue
		}
		items = append(items, replayItem{position: entry.GlobalPosition, event: event})
	}
	return items, nil
}

// execute единый алгоритм воспроизведения: чтение, пакеты, прогресс
func (e *ReplayEngine) execute(ctx context.Context, mode string, read func(context.Context) ([]replayItem, error), checkpoint string) (*ReplayProgress, error) {
	if !e.running.CompareAndSwap(false, true) {
		NotifyStart(ctx, ErrReplayInProgress)
		return nil, ErrReplayInProgress
	}
	defer e.running.Store(false)

	run := &replayRun{cancelCh: make(chan struct{})}
	e.mu.Lock()
	e.progress = nil
	e.run = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.run = nil
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "replay."+mode)
	defer span.End()

	started := time.Now()
	items, err := read(ctx)
	if err != nil {
		span.RecordError(err)
		e.logger.Log(logging.LevelError, "replay setup failed",
			logging.Str("mode", mode),
			logging.Err(err),
		)
		NotifyStart(ctx, err)
		return nil, err
	}

	e.mu.Lock()
	e.progress = &ReplayProgress{
		TotalEvents: int64(len(items)),
		StartTime:   started.UTC(),
		Errors:      []ReplayError{},
	}
	e.mu.Unlock()
	span.SetAttributes(attribute.Int("replay.total_events", len(items)))
	NotifyStart(ctx, nil)

	e.logger.Log(logging.LevelInfo, "replay started",
		logging.Str("mode", mode),
		logging.Int("total", len(items)),
	)

	for offset := 0; offset < len(items); offset += e.config.BatchSize {
		if run.cancelled.Load() || ctx.Err() != nil {
			run.cancel()
			break
		}
		if offset > 0 && e.config.DelayBetweenBatches > 0 {
			if !e.pause(ctx, run, e.config.DelayBetweenBatches) {
				run.cancel()
				break
			}
		}

		end := offset + e.config.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[offset:end]
		failures := e.processBatch(ctx, batch)
		e.finishBatch(ctx, batch, failures, started, checkpoint)
	}

	return e.complete(ctx, mode, run.cancelled.Load()), nil
}

// pause ждет d и возвращает false, если воспроизведение отменено
func (e *ReplayEngine) pause(ctx context.Context, run *replayRun, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-run.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// sleepContext ждет d и возвращает false, если контекст завершен раньше
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// processBatch доставляет события пакета параллельно и возвращает ошибки
// в порядке событий пакета
func (e *ReplayEngine) processBatch(ctx context.Context, batch []replayItem) []ReplayError {
	results := make([]*ReplayError, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.deliver(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	var failures []ReplayError
	for _, r := range results {
		if r != nil {
			failures = append(failures, *r)
		}
	}
	return failures
}

// deliver публикует событие с повторами. Паника обработчика считается ошибкой.
func (e *ReplayEngine) deliver(ctx context.Context, item replayItem) *ReplayError {
	event := item.event
	retries := 0
	for {
		err := e.publish(ctx, event)
		if err == nil {
			e.recorder.IncCounter(ctx, metrics.ReplayEventsTotal, map[string]string{"outcome": "success"}, 1)
			return nil
		}
		if !e.config.EnableErrorRecovery || retries >= e.config.MaxRetries || !sleepContext(ctx, e.config.RetryDelay) {
			e.recorder.IncCounter(ctx, metrics.ReplayEventsTotal, map[string]string{"outcome": "failure"}, 1)
			e.recorder.IncCounter(ctx, metrics.ReplayFailuresTotal, map[string]string{"event_type": event.EventType()}, 1)
			e.logger.Log(logging.LevelWarn, "replay event failed",
				logging.EventID(event.EventID()),
				logging.EventType(event.EventType()),
				logging.Position(item.position),
				logging.Int("retries", retries),
				logging.Err(err),
			)
			return &ReplayError{
				EventID:    event.EventID(),
				EventType:  event.EventType(),
				Position:   item.position,
				Error:      err.Error(),
				Timestamp:  time.Now().UTC(),
				RetryCount: retries,
			}
		}
		retries++
		e.recorder.IncCounter(ctx, metrics.ReplayRetriesTotal, nil, 1)
	}
}

func (e *ReplayEngine) publish(ctx context.Context, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.ErrHandlerFailed, "publisher panicked: %v", r)
		}
	}()
	return e.publisher.Publish(ctx, event)
}

// finishBatch обновляет прогресс и контрольную точку после пакета
func (e *ReplayEngine) finishBatch(ctx context.Context, batch []replayItem, failures []ReplayError, started time.Time, checkpoint string) {
	last := batch[len(batch)-1].position

	e.mu.Lock()
	p := e.progress
	p.ProcessedEvents += int64(len(batch))
	p.FailedEvents += int64(len(failures))
	p.Errors = append(p.Errors, failures...)
	p.CurrentPosition = last
	elapsed := time.Since(started)
	if p.ProcessedEvents > 0 {
		perEvent := elapsed / time.Duration(p.ProcessedEvents)
		remaining := time.Duration(p.TotalEvents - p.ProcessedEvents)
		p.EstimatedCompletion = time.Now().UTC().Add(perEvent * remaining)
	}
	snapshot := *p.clone()
	e.mu.Unlock()

	e.recorder.ObserveHistogram(ctx, metrics.ReplayBatchDuration, nil, elapsed.Seconds())

	if checkpoint != "" && e.checkpoints != nil {
		if err := e.checkpoints.SaveCheckpoint(ctx, checkpoint, last); err != nil {
			e.logger.Log(logging.LevelError, "failed to save replay checkpoint",
				logging.Str("checkpoint", checkpoint),
				logging.Position(last),
				logging.Err(err),
			)
		}
	}
	if e.onProgress != nil {
		e.onProgress(snapshot)
	}
}

func (e *ReplayEngine) complete(ctx context.Context, mode string, cancelled bool) *ReplayProgress {
	e.mu.Lock()
	p := e.progress
	p.IsComplete = true
	p.Cancelled = cancelled
	p.EstimatedCompletion = time.Now().UTC()
	final := p.clone()
	e.mu.Unlock()

	outcome := "completed"
	if cancelled {
		outcome = "cancelled"
	}
	e.recorder.IncCounter(ctx, metrics.ReplayRunsTotal, map[string]string{"outcome": outcome}, 1)
	e.logger.Log(logging.LevelInfo, "replay finished",
		logging.Str("mode", mode),
		logging.Str("outcome", outcome),
		logging.Int64("processed", final.ProcessedEvents),
		logging.Int64("failed", final.FailedEvents),
		logging.Duration(time.Since(final.StartTime)),
	)
	if e.onProgress != nil {
		e.onProgress(*final)
	}
	return final
}
