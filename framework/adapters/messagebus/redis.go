package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/transport"
)

// RedisConfig конфигурация для Redis адаптера
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	StreamMaxLen int64 // 0 без ограничения
	// StreamPrefix префикс имени stream: {prefix}:{subject}
	StreamPrefix  string
	ConsumerGroup string
	BlockTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return core.NewError(core.ErrInvalidConfig, "redis addr cannot be empty")
	}
	if c.ConsumerGroup == "" {
		return core.NewError(core.ErrInvalidConfig, "redis consumer group cannot be empty")
	}
	if c.BlockTimeout <= 0 {
		return core.NewError(core.ErrInvalidConfig, "redis block timeout must be positive")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  10000,
		StreamPrefix:  "eventcore",
		ConsumerGroup: "eventcore",
		BlockTimeout:  5 * time.Second,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams с consumer group.
// Сообщение подтверждается (XACK) только после успешной обработки.
type RedisAdapter struct {
	instrumentation
	config     RedisConfig
	client     redis.UniversalClient
	ownsClient bool
	subs       map[string][]*redisSubscription
	mu         sync.Mutex
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisAdapter подключается к Redis
func NewRedisAdapter(ctx context.Context, config RedisConfig, opts ...Option) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to connect to Redis")
	}
	a := NewRedisAdapterFromClient(client, config, opts...)
	a.ownsClient = true
	return a, nil
}

// NewRedisAdapterFromClient создает адаптер поверх существующего клиента
func NewRedisAdapterFromClient(client redis.UniversalClient, config RedisConfig, opts ...Option) *RedisAdapter {
	return &RedisAdapter{
		instrumentation: newInstrumentation("redis", opts),
		config:          config,
		client:          client,
		subs:            make(map[string][]*redisSubscription),
	}
}

// Name возвращает имя компонента
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет подключение
func (r *RedisAdapter) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisAdapter) streamName(subject string) string {
	if r.config.StreamPrefix == "" {
		return subject
	}
	return r.config.StreamPrefix + ":" + subject
}

// Publish добавляет сообщение в stream (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()
	values := map[string]interface{}{"data": data}
	if len(headers) > 0 {
		encoded, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		values["headers"] = encoded
	}

	args := &redis.XAddArgs{Stream: r.streamName(subject), Values: values}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	err := r.client.XAdd(ctx, args).Err()
	r.published(ctx, subject, start, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe читает stream в consumer group (XREADGROUP). Перед чтением
// новых сообщений обрабатываются неподтвержденные сообщения этого consumer.
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	stream := r.streamName(subject)
	err := r.client.XGroupCreateMkStream(ctx, stream, r.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[subject] = append(r.subs[subject], sub)
	r.mu.Unlock()

	consumer := "consumer-" + uuid.NewString()
	go r.consume(readCtx, sub, subject, stream, consumer, handler)
	return nil
}

func (r *RedisAdapter) consume(ctx context.Context, sub *redisSubscription, subject, stream, consumer string, handler transport.MessageHandler) {
	defer close(sub.done)

	// "0" отдает неподтвержденные сообщения consumer, ">" только новые
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.config.ConsumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    10,
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.logger.Log(logging.LevelWarn, "redis read failed", logging.Str("stream", stream), logging.Err(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		received := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				received++
				if r.deliver(ctx, handler, decodeRedisMessage(subject, msg)) {
					if err := r.client.XAck(ctx, stream, r.config.ConsumerGroup, msg.ID).Err(); err != nil && ctx.Err() == nil {
						r.logger.Log(logging.LevelWarn, "redis ack failed", logging.Err(err))
					}
				}
			}
		}
		if cursor == "0" && received == 0 {
			cursor = ">"
		}
	}
}

func decodeRedisMessage(subject string, msg redis.XMessage) *transport.Message {
	out := &transport.Message{Subject: subject, Headers: make(map[string]string)}
	if data, ok := msg.Values["data"].(string); ok {
		out.Data = []byte(data)
	}
	if headers, ok := msg.Values["headers"].(string); ok {
		_ = json.Unmarshal([]byte(headers), &out.Headers)
	}
	return out
}

// Unsubscribe останавливает чтение stream
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	subs := r.subs[subject]
	delete(r.subs, subject)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// Close останавливает подписки и закрывает клиента, если адаптер его создал
func (r *RedisAdapter) Close() error {
	r.mu.Lock()
	subjects := make([]string, 0, len(r.subs))
	for subject := range r.subs {
		subjects = append(subjects, subject)
	}
	r.mu.Unlock()

	for _, subject := range subjects {
		_ = r.Unsubscribe(subject)
	}
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
