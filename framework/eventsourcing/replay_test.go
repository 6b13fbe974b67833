package eventsourcing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/metrics"
)

func fastReplayConfig() ReplayConfig {
	config := DefaultReplayConfig()
	config.DelayBetweenBatches = 0
	config.RetryDelay = time.Millisecond
	return config
}

func seededStore(t *testing.T, streamID, eventType string, n int) (*InMemoryEventStore, []events.Event) {
	t.Helper()
	store, err := NewInMemoryEventStore(DefaultStoreConfig())
	require.NoError(t, err)
	evts := newEvents(eventType, streamID, n)
	require.NoError(t, store.Append(context.Background(), streamID, evts, ExpectNoStream()))
	return store, evts
}

// failingReadStore хранилище, чтение из которого всегда завершается ошибкой
type failingReadStore struct {
	EventStore
}

func (failingReadStore) ReadAll(context.Context, int64, int) ([]StoredEvent, error) {
	return nil, errors.New("connection refused")
}

func TestReplayEngine_Completeness(t *testing.T) {
	store, _ := seededStore(t, "order-1", "OrderPlaced", 3)

	var handled atomic.Int32
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		handled.Add(1)
		return nil
	})
	engine, err := NewReplayEngine(store, publisher, fastReplayConfig())
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(3), progress.TotalEvents)
	assert.Equal(t, int64(3), progress.ProcessedEvents)
	assert.Equal(t, int64(0), progress.FailedEvents)
	assert.True(t, progress.IsComplete)
	assert.False(t, progress.Cancelled)
	assert.Empty(t, progress.Errors)
	assert.Equal(t, int64(3), progress.CurrentPosition)
	assert.Equal(t, int32(3), handled.Load())
	assert.False(t, engine.IsReplaying())
	assert.Equal(t, progress, engine.Progress())
}

func TestReplayEngine_PartialFailure(t *testing.T) {
	store, evts := seededStore(t, "order-1", "OrderPlaced", 3)
	failing := evts[1].EventID()

	subscriber := events.NewEventSubscriber()
	var attempts atomic.Int32
	_, err := subscriber.Subscribe("OrderPlaced", events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		if event.EventID() == failing {
			attempts.Add(1)
			return errors.New("projection rejected event")
		}
		return nil
	}))
	require.NoError(t, err)

	config := fastReplayConfig()
	config.MaxRetries = 2
	recorder := metrics.NewInMemoryRecorder()
	engine, err := NewReplayEngine(store, subscriber, config, WithRecorder(recorder))
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	require.NoError(t, err)

	assert.True(t, progress.IsComplete)
	assert.Equal(t, int64(3), progress.ProcessedEvents)
	assert.Equal(t, int64(1), progress.FailedEvents)
	require.Len(t, progress.Errors, 1)
	assert.Equal(t, failing, progress.Errors[0].EventID)
	assert.Equal(t, "OrderPlaced", progress.Errors[0].EventType)
	assert.Equal(t, 2, progress.Errors[0].RetryCount)
	assert.Contains(t, progress.Errors[0].Error, "projection rejected event")
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), recorder.Counter(metrics.ReplayRetriesTotal, nil))
	assert.Equal(t, int64(1), recorder.Counter(metrics.ReplayFailuresTotal, nil))
}

func TestReplayEngine_ErrorRecoveryDisabled(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 2)

	var calls atomic.Int32
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		calls.Add(1)
		return errors.New("boom")
	})
	config := fastReplayConfig()
	config.EnableErrorRecovery = false
	engine, err := NewReplayEngine(store, publisher, config)
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), progress.FailedEvents)
	assert.Equal(t, int32(2), calls.Load())
	for _, e := range progress.Errors {
		assert.Equal(t, 0, e.RetryCount)
	}
}

func TestReplayEngine_RetrySucceeds(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 1)

	var calls atomic.Int32
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	engine, err := NewReplayEngine(store, publisher, fastReplayConfig())
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), progress.FailedEvents)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReplayEngine_PublisherPanicIsRecorded(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 1)
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		panic("nil map")
	})
	config := fastReplayConfig()
	config.EnableErrorRecovery = false
	engine, err := NewReplayEngine(store, publisher, config)
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, progress.Errors, 1)
	assert.Contains(t, progress.Errors[0].Error, "nil map")
}

func TestReplayEngine_SingleInFlight(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 3)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	engine, err := NewReplayEngine(store, publisher, fastReplayConfig())
	require.NoError(t, err)

	done := make(chan *ReplayProgress)
	go func() {
		progress, _ := engine.ReplayAllEvents(context.Background(), 0, nil)
		done <- progress
	}()
	<-started

	assert.True(t, engine.IsReplaying())
	before := engine.Progress()
	require.NotNil(t, before)

	second, err := engine.ReplayStream(context.Background(), "s", 0, 0, nil)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrReplayInProgress))
	assert.True(t, core.HasCode(err, core.ErrReplayInProgress))
	assert.Equal(t, before, engine.Progress())

	close(release)
	final := <-done
	assert.Equal(t, int64(3), final.ProcessedEvents)
	assert.False(t, engine.IsReplaying())
}

func TestReplayEngine_CancellationBound(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 6)

	inBatch := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls atomic.Int32
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		calls.Add(1)
		inBatch <- struct{}{}
		<-release
		return nil
	})
	config := fastReplayConfig()
	config.BatchSize = 2
	engine, err := NewReplayEngine(store, publisher, config)
	require.NoError(t, err)

	done := make(chan *ReplayProgress)
	go func() {
		progress, _ := engine.ReplayAllEvents(context.Background(), 0, nil)
		done <- progress
	}()

	<-inBatch
	<-inBatch
	assert.True(t, engine.CancelReplay())
	close(release)

	progress := <-done
	assert.True(t, progress.IsComplete)
	assert.True(t, progress.Cancelled)
	assert.Equal(t, int64(6), progress.TotalEvents)
	assert.Equal(t, int64(2), progress.ProcessedEvents)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, engine.CancelReplay(), "nothing to cancel after completion")
}

func TestReplayEngine_ContextCancelStopsBetweenBatches(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 4)

	ctx, cancel := context.WithCancel(context.Background())
	publisher := events.PublisherFunc(func(context.Context, events.Event) error {
		cancel()
		return nil
	})
	config := fastReplayConfig()
	config.BatchSize = 1
	engine, err := NewReplayEngine(store, publisher, config)
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(ctx, 0, nil)
	require.NoError(t, err)
	assert.True(t, progress.Cancelled)
	assert.Equal(t, int64(1), progress.ProcessedEvents)
}

func TestReplayEngine_SetupFailureLeavesNoProgress(t *testing.T) {
	base, err := NewInMemoryEventStore(DefaultStoreConfig())
	require.NoError(t, err)
	publisher := events.PublisherFunc(func(context.Context, events.Event) error { return nil })

	engine, err := NewReplayEngine(failingReadStore{base}, publisher, fastReplayConfig())
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	assert.Error(t, err)
	assert.Nil(t, progress)
	assert.Nil(t, engine.Progress())
	assert.False(t, engine.IsReplaying())
}

func TestReplayEngine_StartNotify(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 2)
	release := make(chan struct{})
	publisher := events.PublisherFunc(func(context.Context, events.Event) error {
		<-release
		return nil
	})
	engine, err := NewReplayEngine(store, publisher, fastReplayConfig())
	require.NoError(t, err)

	started := make(chan error, 1)
	var calls atomic.Int32
	ctx := WithStartNotify(context.Background(), func(err error) {
		calls.Add(1)
		started <- err
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.ReplayAllEvents(ctx, 0, nil)
	}()

	require.NoError(t, <-started)
	progress := engine.Progress()
	require.NotNil(t, progress)
	assert.Equal(t, int64(2), progress.TotalEvents)

	rejected := make(chan error, 1)
	_, err = engine.ReplayAllEvents(WithStartNotify(context.Background(), func(err error) {
		rejected <- err
	}), 0, nil)
	assert.True(t, errors.Is(err, ErrReplayInProgress))
	assert.True(t, errors.Is(<-rejected, ErrReplayInProgress))

	close(release)
	<-done
	NotifyStart(ctx, errors.New("late"))
	assert.Equal(t, int32(1), calls.Load())

	base, err := NewInMemoryEventStore(DefaultStoreConfig())
	require.NoError(t, err)
	failing, err := NewReplayEngine(failingReadStore{base}, publisher, fastReplayConfig())
	require.NoError(t, err)
	setup := make(chan error, 1)
	_, err = failing.ReplayAllEvents(WithStartNotify(context.Background(), func(err error) {
		setup <- err
	}), 0, nil)
	require.Error(t, err)
	assert.Equal(t, err, <-setup)
}

func TestReplayEngine_Filters(t *testing.T) {
	ctx := context.Background()
	store, err := NewInMemoryEventStore(DefaultStoreConfig())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "a", newEvents("Placed", "a", 2), AnyVersion()))
	require.NoError(t, store.Append(ctx, "b", newEvents("Placed", "b", 3), AnyVersion()))
	require.NoError(t, store.Append(ctx, "a", newEvents("Paid", "a", 1), AnyVersion()))

	var mu sync.Mutex
	var seen []string
	publisher := events.PublisherFunc(func(ctx context.Context, event events.Event) error {
		mu.Lock()
		seen = append(seen, event.AggregateID()+":"+event.EventType())
		mu.Unlock()
		return nil
	})
	engine, err := NewReplayEngine(store, publisher, fastReplayConfig())
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(ctx, 0, events.And(
		events.ByAggregateID("a"),
		events.Not(events.ByEventType("Paid")),
	))
	require.NoError(t, err)
	assert.Equal(t, int64(2), progress.TotalEvents)
	assert.ElementsMatch(t, []string{"a:Placed", "a:Placed"}, seen)

	progress, err = engine.ReplayEventsByType(ctx, "Placed", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), progress.TotalEvents)

	progress, err = engine.ReplayStream(ctx, "b", 2, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), progress.TotalEvents)
}

func TestReplayEngine_PagesThroughStore(t *testing.T) {
	ctx := context.Background()
	config := DefaultStoreConfig()
	config.MaxEventsPerRead = 2
	store, err := NewInMemoryEventStore(config)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 1), AnyVersion()))
	}

	publisher := events.PublisherFunc(func(context.Context, events.Event) error { return nil })
	replayConfig := fastReplayConfig()
	replayConfig.BatchSize = 2

	var batches []int64
	engine, err := NewReplayEngine(store, publisher, replayConfig, WithProgressCallback(func(p ReplayProgress) {
		batches = append(batches, p.ProcessedEvents)
	}))
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), progress.TotalEvents)
	assert.Equal(t, []int64{2, 4, 5, 5}, batches)

	progress, err = engine.ReplayStream(ctx, "s", 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), progress.TotalEvents)

	progress, err = engine.ReplayEventsByType(ctx, "A", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), progress.TotalEvents)
}

func TestReplayEngine_CheckpointResume(t *testing.T) {
	ctx := context.Background()
	store, _ := seededStore(t, "s", "A", 3)
	checkpoints := NewInMemoryCheckpointStore()

	publisher := events.PublisherFunc(func(context.Context, events.Event) error { return nil })
	config := fastReplayConfig()
	config.CheckpointName = "read-model"
	engine, err := NewReplayEngine(store, publisher, config, WithCheckpointStore(checkpoints))
	require.NoError(t, err)

	_, err = engine.ReplayAllEvents(ctx, 0, nil)
	require.NoError(t, err)
	position, err := checkpoints.GetCheckpoint(ctx, "read-model")
	require.NoError(t, err)
	assert.Equal(t, int64(3), position)

	require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 2), ExpectVersion(3)))
	progress, err := engine.ResumeAllEvents(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), progress.TotalEvents)
	assert.Equal(t, int64(5), progress.CurrentPosition)
}

func TestReplayEngine_EstimatedCompletion(t *testing.T) {
	store, _ := seededStore(t, "s", "A", 4)
	publisher := events.PublisherFunc(func(context.Context, events.Event) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	config := fastReplayConfig()
	config.BatchSize = 1

	var estimates []time.Time
	engine, err := NewReplayEngine(store, publisher, config, WithProgressCallback(func(p ReplayProgress) {
		if !p.IsComplete {
			estimates = append(estimates, p.EstimatedCompletion)
		}
	}))
	require.NoError(t, err)

	progress, err := engine.ReplayAllEvents(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, estimates, 4)
	assert.True(t, estimates[0].After(progress.StartTime))
	assert.False(t, progress.EstimatedCompletion.IsZero())
}

func TestReplayConfig_Validate(t *testing.T) {
	config := DefaultReplayConfig()
	require.NoError(t, config.Validate())

	config.BatchSize = 0
	assert.True(t, core.HasCode(config.Validate(), core.ErrInvalidConfig))

	config = DefaultReplayConfig()
	config.MaxRetries = -1
	assert.Error(t, config.Validate())

	_, err := NewReplayEngine(nil, nil, DefaultReplayConfig())
	assert.Error(t, err)
}
