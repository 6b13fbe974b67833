package eventsourcing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
)

// Projection модель чтения, строящаяся из событий
type Projection interface {
	Name() string
	// EventTypes типы событий, на которые подписана проекция
	EventTypes() []string
	HandleEvent(ctx context.Context, event events.Event) error
	// Reset очищает состояние перед перестроением
	Reset(ctx context.Context) error
}

// Состояния проекции
const (
	ProjectionRunning    = "running"
	ProjectionRebuilding = "rebuilding"
	ProjectionFailed     = "failed"
)

// ProjectionStatus статус проекции
type ProjectionStatus struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	EventsProcessed int64     `json:"events_processed"`
	ErrorCount      int64     `json:"error_count"`
	// Progress прогресс перестроения, 0-100
	Progress float64 `json:"progress"`
}

// projectionEntry зарегистрированная проекция. gate удерживается на время
// перестроения, живые события ждут его окончания. HandleEvent проекции
// никогда не вызывается параллельно.
type projectionEntry struct {
	projection    Projection
	subscriptions []*events.Subscription

	gate    sync.Mutex
	applyMu sync.Mutex

	statusMu sync.Mutex
	status   ProjectionStatus
}

func (p *projectionEntry) apply(ctx context.Context, event events.Event) error {
	p.applyMu.Lock()
	err := p.projection.HandleEvent(ctx, event)
	p.applyMu.Unlock()

	p.updateStatus(func(s *ProjectionStatus) {
		s.LastProcessedAt = time.Now().UTC()
		if err != nil {
			s.ErrorCount++
		} else {
			s.EventsProcessed++
		}
	})
	return err
}

func (p *projectionEntry) updateStatus(fn func(*ProjectionStatus)) {
	p.statusMu.Lock()
	fn(&p.status)
	p.statusMu.Unlock()
}

func (p *projectionEntry) setState(state string) {
	p.updateStatus(func(s *ProjectionStatus) { s.State = state })
}

// ProjectionManager подписывает проекции на живую шину и перестраивает их
// из хранилища через ReplayEngine
type ProjectionManager struct {
	store       EventStore
	bus         events.Subscriber
	replay      ReplayConfig
	logger      logging.Logger
	middleware  HandlerMiddleware
	projections map[string]*projectionEntry
	mu          sync.RWMutex
}

// HandlerMiddleware оборачивает обработчик проекции с указанным именем,
// например observability.TraceEventHandler
type HandlerMiddleware func(name string, handler events.EventHandler) events.EventHandler

// WithHandlerMiddleware задает обертку обработчиков. Действует на проекции,
// зарегистрированные после вызова, и на все перестроения.
func (m *ProjectionManager) WithHandlerMiddleware(mw HandlerMiddleware) *ProjectionManager {
	m.mu.Lock()
	m.middleware = mw
	m.mu.Unlock()
	return m
}

func (m *ProjectionManager) wrap(name string, handler events.EventHandler) events.EventHandler {
	m.mu.RLock()
	mw := m.middleware
	m.mu.RUnlock()
	if mw == nil {
		return handler
	}
	return mw(name, handler)
}

// NewProjectionManager создает менеджер проекций
func NewProjectionManager(store EventStore, bus events.Subscriber, replay ReplayConfig, logger logging.Logger) (*ProjectionManager, error) {
	if store == nil || bus == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "projection manager requires store and bus")
	}
	if err := replay.Validate(); err != nil {
		return nil, err
	}
	return &ProjectionManager{
		store:       store,
		bus:         bus,
		replay:      replay,
		logger:      logging.OrNop(logger),
		projections: make(map[string]*projectionEntry),
	}, nil
}

// Register подписывает проекцию на ее типы событий
func (m *ProjectionManager) Register(projection Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := projection.Name()
	if _, exists := m.projections[name]; exists {
		return core.Errorf(core.ErrValidation, "projection %s already registered", name)
	}

	entry := &projectionEntry{
		projection: projection,
		status:     ProjectionStatus{Name: name, State: ProjectionRunning},
	}
	var handler events.EventHandler = events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		entry.gate.Lock()
		defer entry.gate.Unlock()
		return entry.apply(ctx, event)
	})
	if m.middleware != nil {
		handler = m.middleware(name, handler)
	}
	for _, eventType := range projection.EventTypes() {
		sub, err := m.bus.Subscribe(eventType, handler)
		if err != nil {
			m.unsubscribe(entry)
			return fmt.Errorf("failed to subscribe projection %s: %w", name, err)
		}
		entry.subscriptions = append(entry.subscriptions, sub)
	}

	m.projections[name] = entry
	return nil
}

// Unregister отписывает проекцию от шины
func (m *ProjectionManager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.projections[name]
	if !exists {
		return core.Errorf(core.ErrNotFound, "projection %s not found", name)
	}
	m.unsubscribe(entry)
	delete(m.projections, name)
	return nil
}

func (m *ProjectionManager) unsubscribe(entry *projectionEntry) {
	for _, sub := range entry.subscriptions {
		if err := m.bus.Unsubscribe(sub); err != nil {
			m.logger.Log(logging.LevelWarn, "failed to unsubscribe projection",
				logging.Str("projection", entry.projection.Name()),
				logging.Err(err),
			)
		}
	}
	entry.subscriptions = nil
}

// Rebuild сбрасывает проекцию и заново применяет все события ее типов из
// хранилища. Живые события на время перестроения ждут его окончания.
func (m *ProjectionManager) Rebuild(ctx context.Context, name string) (*ReplayProgress, error) {
	m.mu.RLock()
	entry, exists := m.projections[name]
	m.mu.RUnlock()
	if !exists {
		return nil, core.Errorf(core.ErrNotFound, "projection %s not found", name)
	}

	entry.gate.Lock()
	defer entry.gate.Unlock()

	entry.updateStatus(func(s *ProjectionStatus) {
		s.State = ProjectionRebuilding
		s.Progress = 0
	})
	if err := entry.projection.Reset(ctx); err != nil {
		entry.setState(ProjectionFailed)
		return nil, fmt.Errorf("failed to reset projection %s: %w", name, err)
	}
	entry.updateStatus(func(s *ProjectionStatus) {
		s.EventsProcessed = 0
		s.ErrorCount = 0
	})

	// приватный подписчик, чтобы перестроение не задевало другие проекции
	private := events.NewEventSubscriber(events.WithLogger(m.logger))
	types := entry.projection.EventTypes()
	for _, eventType := range types {
		if _, err := private.Subscribe(eventType, m.wrap(name, events.EventHandlerFunc(entry.apply))); err != nil {
			entry.setState(ProjectionFailed)
			return nil, err
		}
	}

	engine, err := NewReplayEngine(m.store, private, m.replay,
		WithLogger(m.logger),
		WithProgressCallback(func(p ReplayProgress) {
			if p.TotalEvents == 0 {
				return
			}
			entry.updateStatus(func(s *ProjectionStatus) {
				s.Progress = float64(p.ProcessedEvents) / float64(p.TotalEvents) * 100
			})
		}),
	)
	if err != nil {
		entry.setState(ProjectionFailed)
		return nil, err
	}

	progress, err := engine.ReplayAllEvents(ctx, 0, events.ByEventType(types...))
	if err != nil {
		entry.setState(ProjectionFailed)
		return nil, err
	}

	entry.updateStatus(func(s *ProjectionStatus) {
		s.State = ProjectionRunning
		s.Progress = 100
	})
	m.logger.Log(logging.LevelInfo, "projection rebuilt",
		logging.Str("projection", name),
		logging.Int64("processed", progress.ProcessedEvents),
		logging.Int64("failed", progress.FailedEvents),
	)
	return progress, nil
}

// Status возвращает статус проекции
func (m *ProjectionManager) Status(name string) (*ProjectionStatus, error) {
	m.mu.RLock()
	entry, exists := m.projections[name]
	m.mu.RUnlock()
	if !exists {
		return nil, core.Errorf(core.ErrNotFound, "projection %s not found", name)
	}

	entry.statusMu.Lock()
	defer entry.statusMu.Unlock()
	status := entry.status
	return &status, nil
}

// Names возвращает имена зарегистрированных проекций
func (m *ProjectionManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.projections))
	for name := range m.projections {
		names = append(names, name)
	}
	return names
}

// ProjectionBuilder builder для проекций на функциях
type ProjectionBuilder struct {
	name     string
	handlers map[string]func(context.Context, events.Event) error
	types    []string
	reset    func(context.Context) error
}

// NewProjectionBuilder создает новый ProjectionBuilder
func NewProjectionBuilder(name string) *ProjectionBuilder {
	return &ProjectionBuilder{
		name:     name,
		handlers: make(map[string]func(context.Context, events.Event) error),
	}
}

// OnEvent регистрирует обработчик события
func (b *ProjectionBuilder) OnEvent(eventType string, handler func(context.Context, events.Event) error) *ProjectionBuilder {
	if _, exists := b.handlers[eventType]; !exists {
		b.types = append(b.types, eventType)
	}
	b.handlers[eventType] = handler
	return b
}

// OnReset задает функцию сброса состояния
func (b *ProjectionBuilder) OnReset(reset func(context.Context) error) *ProjectionBuilder {
	b.reset = reset
	return b
}

// Build создает проекцию
func (b *ProjectionBuilder) Build() Projection {
	handlers := make(map[string]func(context.Context, events.Event) error, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	return &builderProjection{
		name:     b.name,
		handlers: handlers,
		types:    append([]string(nil), b.types...),
		reset:    b.reset,
	}
}

type builderProjection struct {
	name     string
	handlers map[string]func(context.Context, events.Event) error
	types    []string
	reset    func(context.Context) error
}

func (p *builderProjection) Name() string {
	return p.name
}

func (p *builderProjection) EventTypes() []string {
	return p.types
}

func (p *builderProjection) HandleEvent(ctx context.Context, event events.Event) error {
	handler, exists := p.handlers[event.EventType()]
	if !exists {
		return nil
	}
	return handler(ctx, event)
}

func (p *builderProjection) Reset(ctx context.Context) error {
	if p.reset == nil {
		return nil
	}
	return p.reset(ctx)
}
