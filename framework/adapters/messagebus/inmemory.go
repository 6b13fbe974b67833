package messagebus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	// EnableOrdering синхронная доставка в порядке публикации
	EnableOrdering bool
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{EnableOrdering: false}
}

type inMemorySub struct {
	id      uint64
	handler transport.MessageHandler
}

// InMemoryAdapter реализация MessageBus в памяти. Поддерживает NATS-style
// wildcards в подписках: * (один токен) и > (все оставшиеся токены).
type InMemoryAdapter struct {
	instrumentation
	config      InMemoryConfig
	subscribers map[string][]inMemorySub
	nextID      uint64
	mu          sync.RWMutex
	inflight    sync.WaitGroup
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig, opts ...Option) *InMemoryAdapter {
	return &InMemoryAdapter{
		instrumentation: newInstrumentation("inmemory", opts),
		config:          config,
		subscribers:     make(map[string][]inMemorySub),
	}
}

// Name возвращает имя компонента
func (a *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента
func (a *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение всем подписчикам, чей subject совпадает
func (a *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()
	a.mu.RLock()
	var handlers []transport.MessageHandler
	for pattern, subs := range a.subscribers {
		if !matchSubject(subject, pattern) {
			continue
		}
		for _, s := range subs {
			handlers = append(handlers, s.handler)
		}
	}
	a.mu.RUnlock()

	msg := &transport.Message{Subject: subject, Data: data, Headers: headers}
	for _, handler := range handlers {
		if a.config.EnableOrdering {
			a.deliver(ctx, handler, msg)
			continue
		}
		a.inflight.Add(1)
		go func(h transport.MessageHandler) {
			defer a.inflight.Done()
			a.deliver(context.WithoutCancel(ctx), h, msg)
		}(handler)
	}
	a.published(ctx, subject, start, nil)
	return nil
}

// Subscribe подписывается на subject. Подписка снимается при отмене ctx.
func (a *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	if handler == nil {
		return core.NewError(core.ErrValidation, "handler cannot be nil")
	}
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.subscribers[subject] = append(a.subscribers[subject], inMemorySub{id: id, handler: handler})
	a.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			a.remove(subject, id)
		}()
	}
	return nil
}

func (a *InMemoryAdapter) remove(subject string, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	subs := a.subscribers[subject]
	for i, s := range subs {
		if s.id == id {
			next := append(append([]inMemorySub(nil), subs[:i]...), subs[i+1:]...)
			if len(next) == 0 {
				delete(a.subscribers, subject)
			} else {
				a.subscribers[subject] = next
			}
			return
		}
	}
}

// Unsubscribe снимает все подписки на subject
func (a *InMemoryAdapter) Unsubscribe(subject string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, subject)
	return nil
}

// SubscriberCount возвращает количество подписчиков на subject
func (a *InMemoryAdapter) SubscriberCount(subject string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subscribers[subject])
}

// Close ждет завершения асинхронных доставок
func (a *InMemoryAdapter) Close() error {
	a.inflight.Wait()
	return nil
}

// matchSubject проверяет соответствие subject шаблону подписки
func matchSubject(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	subjectParts := strings.Split(subject, ".")
	patternParts := strings.Split(pattern, ".")

	for i, part := range patternParts {
		if part == ">" {
			return i < len(subjectParts)
		}
		if i >= len(subjectParts) {
			return false
		}
		if part != "*" && part != subjectParts[i] {
			return false
		}
	}
	return len(patternParts) == len(subjectParts)
}
