// Package messagebus предоставляет адаптеры брокеров сообщений,
// реализующие transport.MessageBus.
package messagebus

import (
	"context"
	"time"

	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/metrics"
	"github.com/akriventsev/eventcore/framework/transport"
)

// Option опция адаптера
type Option func(*instrumentation)

// WithLogger задает логгер адаптера
func WithLogger(logger logging.Logger) Option {
	return func(i *instrumentation) {
		i.logger = logging.OrNop(logger)
	}
}

// WithRecorder задает recorder метрик адаптера
func WithRecorder(recorder metrics.Recorder) Option {
	return func(i *instrumentation) {
		i.recorder = metrics.OrNop(recorder)
	}
}

// instrumentation общие логгер и метрики адаптеров
type instrumentation struct {
	broker   string
	logger   logging.Logger
	recorder metrics.Recorder
}

func newInstrumentation(broker string, opts []Option) instrumentation {
	i := instrumentation{
		broker:   broker,
		logger:   logging.Nop(),
		recorder: metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(&i)
	}
	return i
}

func (i instrumentation) published(ctx context.Context, subject string, start time.Time, err error) {
	labels := map[string]string{"broker": i.broker}
	i.recorder.ObserveHistogram(ctx, metrics.TransportPublishDuration, labels, time.Since(start).Seconds())
	if err != nil {
		i.recorder.IncCounter(ctx, metrics.TransportPublishErrorsTotal, labels, 1)
		i.logger.Log(logging.LevelError, "failed to publish message",
			logging.Str("broker", i.broker),
			logging.Str("subject", subject),
			logging.Err(err),
		)
		return
	}
	i.recorder.IncCounter(ctx, metrics.TransportMessagesPublishedTotal, labels, 1)
}

// deliver вызывает handler и логирует ошибку. Возвращает true при успехе.
func (i instrumentation) deliver(ctx context.Context, handler transport.MessageHandler, msg *transport.Message) bool {
	i.recorder.IncCounter(ctx, metrics.TransportMessagesReceivedTotal, map[string]string{"broker": i.broker}, 1)
	if err := handler(ctx, msg); err != nil {
		i.logger.Log(logging.LevelWarn, "message handler failed",
			logging.Str("broker", i.broker),
			logging.Str("subject", msg.Subject),
			logging.Err(err),
		)
		return false
	}
	return true
}
