package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/metrics"
)

var (
	// ErrHandlerTimeout обработчик не уложился в HandlerTimeout
	ErrHandlerTimeout = core.Sentinel(core.ErrHandlerTimeout, "handler timeout")
	// ErrHandlerFailed обработчик вернул ошибку или запаниковал
	ErrHandlerFailed = core.Sentinel(core.ErrHandlerFailed, "handler failed")
	// ErrSubscriptionNotFound подписка не зарегистрирована в подписчике
	ErrSubscriptionNotFound = core.Sentinel(core.ErrNotFound, "subscription not found")
)

// HandlerOutcome результат вызова одного обработчика
type HandlerOutcome struct {
	SubscriptionID string
	EventType      string
	Duration       time.Duration
	Err            error
	TimedOut       bool
}

// Succeeded проверяет, завершился ли обработчик успешно
func (o HandlerOutcome) Succeeded() bool {
	return o.Err == nil
}

// DispatchResult результат доставки события подписчикам
type DispatchResult struct {
	EventID   string
	EventType string
	Outcomes  []HandlerOutcome
	// Filtered событие отклонено фильтром и не доставлялось
	Filtered bool
}

// HandlerCount возвращает число вызванных обработчиков
func (r DispatchResult) HandlerCount() int {
	return len(r.Outcomes)
}

// Failed возвращает неуспешные вызовы
func (r DispatchResult) Failed() []HandlerOutcome {
	var failed []HandlerOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err объединяет ошибки обработчиков. nil, если все обработчики успешны.
func (r DispatchResult) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// invoker вызывает обработчики с таймаутом и изоляцией паник
type invoker struct {
	timeout  time.Duration
	logger   logging.Logger
	recorder metrics.Recorder
}

func (i *invoker) invoke(ctx context.Context, sub *Subscription, event Event) HandlerOutcome {
	start := time.Now()
	outcome := HandlerOutcome{SubscriptionID: sub.ID(), EventType: event.EventType()}

	hctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- core.Errorf(core.ErrHandlerFailed, "handler %s panicked: %v", sub.ID(), r)
			}
		}()
		done <- sub.handler.Handle(hctx, event)
	}()

	select {
	case err := <-done:
		if err != nil && !core.HasCode(err, core.ErrHandlerFailed) {
			err = core.Wrap(err, core.ErrHandlerFailed,
				fmt.Sprintf("handler %s failed on %s", sub.ID(), event.EventType()))
		}
		outcome.Err = err
	case <-hctx.Done():
		if ctx.Err() != nil {
			outcome.Err = core.Wrap(ctx.Err(), core.ErrHandlerFailed,
				fmt.Sprintf("handler %s cancelled on %s", sub.ID(), event.EventType()))
		} else {
			outcome.TimedOut = true
			outcome.Err = core.Errorf(core.ErrHandlerTimeout,
				"handler %s timed out after %s on %s", sub.ID(), i.timeout, event.EventType())
		}
	}
	outcome.Duration = time.Since(start)

	i.record(ctx, event, outcome)
	return outcome
}

func (i *invoker) record(ctx context.Context, event Event, o HandlerOutcome) {
	labels := map[string]string{"event_type": event.EventType()}
	i.recorder.ObserveHistogram(ctx, metrics.EventBusHandlerDuration, labels, o.Duration.Seconds())

	switch {
	case o.TimedOut:
		i.recorder.IncCounter(ctx, metrics.EventBusHandlerTimeoutsTotal, labels, 1)
		i.logger.Log(logging.LevelWarn, "event handler timed out",
			logging.EventID(event.EventID()),
			logging.EventType(event.EventType()),
			logging.Str("subscription_id", o.SubscriptionID),
			logging.Duration(o.Duration),
		)
	case o.Err != nil:
		i.recorder.IncCounter(ctx, metrics.EventBusHandlerErrorsTotal, labels, 1)
		i.logger.Log(logging.LevelError, "event handler failed",
			logging.EventID(event.EventID()),
			logging.EventType(event.EventType()),
			logging.Str("subscription_id", o.SubscriptionID),
			logging.Err(o.Err),
		)
	default:
		i.recorder.IncCounter(ctx, metrics.EventBusHandlerSuccessTotal, labels, 1)
	}
}
