package messagebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	Compression    string // none, gzip, snappy, lz4, zstd
	BatchSize      int
	FlushInterval  time.Duration
	RequiredAcks   int // 0, 1, -1 (all)
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	StartOffset    int64 // kafka.FirstOffset или kafka.LastOffset
	CommitInterval time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return core.NewError(core.ErrInvalidConfig, "kafka brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if !strings.Contains(broker, ":") {
			return core.Errorf(core.ErrInvalidConfig, "broker[%d] must be in format host:port", i)
		}
	}
	if c.GroupID == "" {
		return core.NewError(core.ErrInvalidConfig, "kafka group id cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "eventcore",
		Compression:    "snappy",
		BatchSize:      100,
		FlushInterval:  10 * time.Millisecond,
		RequiredAcks:   -1,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 0,
	}
}

// KafkaAdapter реализация MessageBus через Kafka. Subject соответствует
// топику; offset коммитится только после успешной обработки.
type KafkaAdapter struct {
	instrumentation
	config KafkaConfig
	writer *kafka.Writer
	subs   map[string][]*kafkaSubscription
	mu     sync.Mutex
}

type kafkaSubscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig, opts ...Option) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &KafkaAdapter{
		instrumentation: newInstrumentation("kafka", opts),
		config:          config,
		subs:            make(map[string][]*kafkaSubscription),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
			BatchSize:              config.BatchSize,
			BatchTimeout:           config.FlushInterval,
			Compression:            compressionCodec(config.Compression),
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Name возвращает имя компонента
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в топик. Ключ сообщения берется из заголовка
// transport.HeaderPartitionKey, чтобы события одного потока попадали в одну партицию.
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()
	msg := kafka.Message{Topic: subject, Value: data}
	if key, ok := headers[transport.HeaderPartitionKey]; ok {
		msg.Key = []byte(key)
	}
	for key, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	err := k.writer.WriteMessages(ctx, msg)
	k.published(ctx, subject, start, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe запускает чтение топика в consumer group
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		Topic:          subject,
		GroupID:        k.config.GroupID,
		MinBytes:       k.config.MinBytes,
		MaxBytes:       k.config.MaxBytes,
		MaxWait:        k.config.MaxWait,
		StartOffset:    k.config.StartOffset,
		CommitInterval: k.config.CommitInterval,
	})

	readCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{reader: reader, cancel: cancel, done: make(chan struct{})}

	k.mu.Lock()
	k.subs[subject] = append(k.subs[subject], sub)
	k.mu.Unlock()

	go k.consume(readCtx, sub, handler)
	return nil
}

func (k *KafkaAdapter) consume(ctx context.Context, sub *kafkaSubscription, handler transport.MessageHandler) {
	defer close(sub.done)
	defer sub.reader.Close()

	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.logger.Log(logging.LevelWarn, "kafka fetch failed", logging.Err(err))
			continue
		}

		out := &transport.Message{
			Subject: msg.Topic,
			Data:    msg.Value,
			Headers: make(map[string]string, len(msg.Headers)),
		}
		for _, h := range msg.Headers {
			out.Headers[h.Key] = string(h.Value)
		}

		if k.deliver(ctx, handler, out) {
			if err := sub.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				k.logger.Log(logging.LevelWarn, "kafka commit failed", logging.Err(err))
			}
		}
	}
}

// Unsubscribe останавливает чтение топика
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	subs := k.subs[subject]
	delete(k.subs, subject)
	k.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// Close останавливает подписки и закрывает writer
func (k *KafkaAdapter) Close() error {
	k.mu.Lock()
	subjects := make([]string, 0, len(k.subs))
	for subject := range k.subs {
		subjects = append(subjects, subject)
	}
	k.mu.Unlock()

	for _, subject := range subjects {
		_ = k.Unsubscribe(subject)
	}
	return k.writer.Close()
}
