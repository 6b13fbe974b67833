// Package transport предоставляет абстракции для работы с брокерами сообщений.
package transport

import (
	"context"
	"time"
)

// Стандартные заголовки сообщений
const (
	HeaderContentType  = "content-type"
	HeaderEventType    = "event-type"
	HeaderEventID      = "event-id"
	HeaderPartitionKey = "partition-key"
	// HeaderCorrelationID совпадает с заголовком, который читает
	// observability.ExtractMessageHeaders
	HeaderCorrelationID = "correlation-id"
)

// Message сообщение брокера
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Header возвращает значение заголовка или пустую строку
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// MessageHandler обработчик сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует сообщение в subject
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Subscriber подписчик на сообщения
type Subscriber interface {
	// Subscribe подписывается на subject и вызывает handler при получении сообщения.
	// Подписка живет до Unsubscribe или до отмены ctx.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) error
	// Unsubscribe отписывается от subject
	Unsubscribe(subject string) error
}

// MessageBus объединяет возможности публикации и подписки
type MessageBus interface {
	Publisher
	Subscriber
}

// RetryPolicy политика повторов обработки сообщений
type RetryPolicy interface {
	// ShouldRetry определяет, нужно ли повторить попытку
	ShouldRetry(attempt int, err error) bool
	// GetDelay возвращает задержку перед повтором
	GetDelay(attempt int) time.Duration
}

// ExponentialBackoffRetryPolicy политика повторов с экспоненциальной задержкой
type ExponentialBackoffRetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultRetryPolicy возвращает политику по умолчанию: 3 попытки, 100ms x2
func DefaultRetryPolicy() *ExponentialBackoffRetryPolicy {
	return &ExponentialBackoffRetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxAttempts:  3,
	}
}

// ShouldRetry определяет, нужно ли повторить попытку. attempt начинается с 1.
func (p *ExponentialBackoffRetryPolicy) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < p.MaxAttempts
}

// GetDelay возвращает задержку перед повтором номер attempt
func (p *ExponentialBackoffRetryPolicy) GetDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// WithRetry оборачивает handler повторами по политике. Между попытками
// ожидание прерывается отменой ctx.
func WithRetry(policy RetryPolicy, handler MessageHandler) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		for attempt := 1; ; attempt++ {
			err := handler(ctx, msg)
			if err == nil || !policy.ShouldRetry(attempt, err) {
				return err
			}
			timer := time.NewTimer(policy.GetDelay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return err
			}
		}
	}
}
