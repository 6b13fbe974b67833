package messagebus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/transport"
)

// NATSConfig конфигурация для NATS адаптера
type NATSConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConnectionTimeout time.Duration
	TLS               *tls.Config
	Token             string
	Username          string
	Password          string
	// Queue имя queue group; пусто означает fan-out всем подписчикам
	Queue string
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return core.NewError(core.ErrInvalidConfig, "nats URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return core.NewError(core.ErrInvalidConfig, "nats URL must start with nats:// or tls://")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               nats.DefaultURL,
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
}

// NATSAdapter реализация MessageBus через NATS core pub/sub
type NATSAdapter struct {
	instrumentation
	config   NATSConfig
	conn     *nats.Conn
	ownsConn bool
	subs     map[string][]*nats.Subscription
	mu       sync.Mutex
}

// NewNATSAdapter подключается к NATS
func NewNATSAdapter(config NATSConfig, opts ...Option) (*NATSAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &NATSAdapter{
		instrumentation: newInstrumentation("nats", opts),
		config:          config,
		subs:            make(map[string][]*nats.Subscription),
		ownsConn:        true,
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.ConnectionTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Log(logging.LevelWarn, "nats disconnected", logging.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Log(logging.LevelInfo, "nats reconnected", logging.Str("url", nc.ConnectedUrl()))
		}),
	}
	if config.TLS != nil {
		natsOpts = append(natsOpts, nats.Secure(config.TLS))
	}
	if config.Token != "" {
		natsOpts = append(natsOpts, nats.Token(config.Token))
	}
	if config.Username != "" && config.Password != "" {
		natsOpts = append(natsOpts, nats.UserInfo(config.Username, config.Password))
	}

	conn, err := nats.Connect(config.URL, natsOpts...)
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to connect to NATS")
	}
	a.conn = conn
	return a, nil
}

// NewNATSAdapterFromConn создает адаптер поверх существующего подключения
func NewNATSAdapterFromConn(conn *nats.Conn, queue string, opts ...Option) *NATSAdapter {
	config := DefaultNATSConfig()
	config.Queue = queue
	return &NATSAdapter{
		instrumentation: newInstrumentation("nats", opts),
		config:          config,
		conn:            conn,
		subs:            make(map[string][]*nats.Subscription),
	}
}

// Name возвращает имя компонента
func (n *NATSAdapter) Name() string {
	return "nats-adapter"
}

// Type возвращает тип компонента
func (n *NATSAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет подключение
func (n *NATSAdapter) HealthCheck(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats connection status: %v", n.conn.Status())
	}
	return nil
}

// Publish публикует сообщение в subject
func (n *NATSAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	err := n.conn.PublishMsg(msg)
	n.published(ctx, subject, start, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на subject. При заданном Queue сообщения
// распределяются между подписчиками группы.
func (n *NATSAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	cb := func(msg *nats.Msg) {
		n.deliver(ctx, handler, fromNATS(msg))
	}

	var (
		sub *nats.Subscription
		err error
	)
	if n.config.Queue != "" {
		sub, err = n.conn.QueueSubscribe(subject, n.config.Queue, cb)
	} else {
		sub, err = n.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	n.mu.Lock()
	n.subs[subject] = append(n.subs[subject], sub)
	n.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = sub.Unsubscribe()
		}()
	}
	return nil
}

func fromNATS(msg *nats.Msg) *transport.Message {
	out := &transport.Message{
		Subject: msg.Subject,
		Data:    msg.Data,
		Headers: make(map[string]string, len(msg.Header)),
	}
	for k, vals := range msg.Header {
		if len(vals) > 0 {
			out.Headers[k] = vals[0]
		}
	}
	return out
}

// Unsubscribe отписывается от subject
func (n *NATSAdapter) Unsubscribe(subject string) error {
	n.mu.Lock()
	subs := n.subs[subject]
	delete(n.subs, subject)
	n.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
	}
	return nil
}

// Close дожидается обработки сообщений и закрывает подключение, если
// адаптер его создал
func (n *NATSAdapter) Close() error {
	if !n.ownsConn {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Conn возвращает NATS подключение
func (n *NATSAdapter) Conn() *nats.Conn {
	return n.conn
}
