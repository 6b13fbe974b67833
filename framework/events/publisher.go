package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
)

// RetryConfig конфигурация повторных попыток публикации
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// publishWithRetry публикует событие с экспоненциальной задержкой между попытками
func publishWithRetry(ctx context.Context, target Publisher, event Event, config RetryConfig) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := config.InitialDelay

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * config.Multiplier)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		if lastErr = target.Publish(ctx, event); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to publish event %s after %d attempts: %w", event.EventID(), attempts, lastErr)
}

// AsyncEventPublisher асинхронный публикатор: события ставятся в очередь и
// доставляются пулом воркеров в целевой Publisher
type AsyncEventPublisher struct {
	target   Publisher
	retry    RetryConfig
	logger   logging.Logger
	onError  func(Event, error)
	queue    chan eventMessage
	workers  int
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type eventMessage struct {
	ctx   context.Context
	event Event
}

// NewAsyncEventPublisher создает новый асинхронный публикатор
func NewAsyncEventPublisher(target Publisher, workers int, queueSize int) *AsyncEventPublisher {
	if workers < 1 {
		workers = 1
	}
	p := &AsyncEventPublisher{
		target:  target,
		retry:   RetryConfig{MaxAttempts: 1},
		logger:  logging.Nop(),
		queue:   make(chan eventMessage, queueSize),
		workers: workers,
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// WithRetry настраивает повторные попытки
func (p *AsyncEventPublisher) WithRetry(config RetryConfig) *AsyncEventPublisher {
	p.retry = config
	return p
}

// WithLogger задает логгер
func (p *AsyncEventPublisher) WithLogger(logger logging.Logger) *AsyncEventPublisher {
	p.logger = logging.OrNop(logger)
	return p
}

// OnError задает callback для событий, которые не удалось доставить
func (p *AsyncEventPublisher) OnError(fn func(Event, error)) *AsyncEventPublisher {
	p.onError = fn
	return p
}

func (p *AsyncEventPublisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.deliver(msg)
		case <-p.stopCh:
			// дочитываем очередь перед остановкой
			for {
				select {
				case msg := <-p.queue:
					p.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *AsyncEventPublisher) deliver(msg eventMessage) {
	// контекст вызывающего мог завершиться после постановки в очередь
	ctx := context.WithoutCancel(msg.ctx)
	if err := publishWithRetry(ctx, p.target, msg.event, p.retry); err != nil {
		p.logger.Log(logging.LevelError, "async publish failed",
			logging.EventID(msg.event.EventID()),
			logging.EventType(msg.event.EventType()),
			logging.Err(err),
		)
		if p.onError != nil {
			p.onError(msg.event, err)
		}
	}
}

// Publish ставит событие в очередь
func (p *AsyncEventPublisher) Publish(ctx context.Context, event Event) error {
	select {
	case <-p.stopCh:
		return core.NewError(core.ErrComponentShuttingDown, "publisher is stopped")
	default:
	}

	select {
	case p.queue <- eventMessage{ctx: ctx, event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return core.NewError(core.ErrComponentShuttingDown, "publisher is stopped")
	}
}

// Stop останавливает публикатор, дождавшись доставки очереди.
// Повторные вызовы безопасны.
func (p *AsyncEventPublisher) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
