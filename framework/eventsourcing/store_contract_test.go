package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
)

// storeFactory создает пустое хранилище для набора контрактных тестов
type storeFactory func(t *testing.T, config StoreConfig, opts ...StoreOption) EventStore

func newEvents(eventType, aggregateID string, n int) []events.Event {
	out := make([]events.Event, n)
	for i := range out {
		out[i] = events.NewBaseEvent(eventType, aggregateID).
			WithPayload(map[string]interface{}{"n": float64(i)})
	}
	return out
}

// runStoreContract проверяет поведение, общее для всех реализаций EventStore
func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("versions are gapless", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.Append(ctx, "order-1", newEvents("OrderPlaced", "order-1", 2), ExpectNoStream()))
		require.NoError(t, store.Append(ctx, "order-1", newEvents("OrderPaid", "order-1", 3), ExpectVersion(2)))
		require.NoError(t, store.Append(ctx, "order-1", newEvents("OrderShipped", "order-1", 1), AnyVersion()))

		entries, err := store.ReadStream(ctx, "order-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 6)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Version)
			assert.Equal(t, int64(i+1), e.Envelope.Version)
		}

		evts, err := store.GetEvents(ctx, "order-1", 2, 4)
		require.NoError(t, err)
		require.Len(t, evts, 3)
		assert.Equal(t, int64(2), events.VersionOf(evts[0]))
		assert.Equal(t, "OrderPaid", evts[2].EventType())
	})

	t.Run("concurrency conflict leaves stream unchanged", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 2), AnyVersion()))

		err := store.Append(ctx, "s", newEvents("B", "s", 3), ExpectVersion(1))
		require.Error(t, err)
		assert.True(t, IsConcurrencyConflict(err))
		assert.True(t, core.HasCode(err, core.ErrConcurrencyConflict) || errors.Is(err, ErrConcurrencyConflict))

		var conflict *ConcurrencyConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.Expected)
		assert.Equal(t, int64(2), conflict.Actual)

		meta, err := store.GetStreamMetadata(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, int64(2), meta.Version)

		all, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("global positions strictly increase across streams", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.Append(ctx, "a", newEvents("A", "a", 2), AnyVersion()))
		require.NoError(t, store.Append(ctx, "b", newEvents("B", "b", 1), AnyVersion()))
		require.NoError(t, store.Append(ctx, "a", newEvents("A", "a", 1), AnyVersion()))

		all, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		streams := []string{"a", "a", "b", "a"}
		for i, e := range all {
			assert.Equal(t, streams[i], e.StreamID)
			if i > 0 {
				assert.Greater(t, e.GlobalPosition, all[i-1].GlobalPosition)
			}
		}

		from, err := store.ReadAll(ctx, all[2].GlobalPosition, 0)
		require.NoError(t, err)
		require.Len(t, from, 2)
		assert.Equal(t, "b", from[0].StreamID)
	})

	t.Run("concurrent appends to same stream", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		var wg sync.WaitGroup
		var mu sync.Mutex
		conflicts := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Append(ctx, "hot", newEvents("Tick", "hot", 1), ExpectNoStream())
				if IsConcurrencyConflict(err) {
					mu.Lock()
					conflicts++
					mu.Unlock()
				} else if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 9, conflicts)

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Append(ctx, "hot", newEvents("Tock", "hot", 2), AnyVersion()))
			}()
		}
		wg.Wait()

		entries, err := store.ReadStream(ctx, "hot", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 21)
		positions := make([]int64, len(entries))
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Version)
			positions[i] = e.GlobalPosition
		}
		assert.True(t, sort.SliceIsSorted(positions, func(i, j int) bool { return positions[i] < positions[j] }),
			"stream order must match position order")
	})

	t.Run("concurrent appends to different streams", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("stream-%d", i)
				for j := 0; j < 5; j++ {
					assert.NoError(t, store.Append(ctx, id, newEvents("E", id, 1), ExpectVersion(int64(j))))
				}
			}(i)
		}
		wg.Wait()

		all, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 40)
		seen := map[int64]bool{}
		for _, e := range all {
			assert.False(t, seen[e.GlobalPosition], "duplicate position %d", e.GlobalPosition)
			seen[e.GlobalPosition] = true
		}
	})

	t.Run("reads are capped and idempotent", func(t *testing.T) {
		config := DefaultStoreConfig()
		config.MaxEventsPerRead = 3
		store := factory(t, config)
		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 5), AnyVersion()))
		require.NoError(t, store.Append(ctx, "t", newEvents("B", "t", 2), AnyVersion()))

		page, err := store.ReadStream(ctx, "s", 0, 0)
		require.NoError(t, err)
		assert.Len(t, page, 3)

		next, err := store.ReadStream(ctx, "s", page[len(page)-1].Version+1, 0)
		require.NoError(t, err)
		assert.Len(t, next, 2)

		all, err := store.ReadAll(ctx, 0, 10)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := store.ReadAll(ctx, 0, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		first, err := store.GetAllEvents(ctx, 0, 0)
		require.NoError(t, err)
		second, err := store.GetAllEvents(ctx, 0, 0)
		require.NoError(t, err)
		require.Equal(t, len(first), len(second))
		for i := range first {
			assert.Equal(t, first[i].EventID(), second[i].EventID())
		}

		full, err := ReadStreamFully(ctx, store, "s", 1, 0)
		require.NoError(t, err)
		assert.Len(t, full, 5)
	})

	t.Run("by type", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.Append(ctx, "a", []events.Event{
			events.NewBaseEvent("Placed", "a"),
			events.NewBaseEvent("Paid", "a"),
		}, AnyVersion()))
		require.NoError(t, store.Append(ctx, "b", []events.Event{events.NewBaseEvent("Placed", "b")}, AnyVersion()))

		placed, err := store.GetEventsByType(ctx, "Placed", 0, 0)
		require.NoError(t, err)
		require.Len(t, placed, 2)
		assert.Equal(t, "a", placed[0].AggregateID())
		assert.Equal(t, "b", placed[1].AggregateID())

		none, err := store.GetEventsByType(ctx, "Refunded", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("missing stream reads are empty", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		evts, err := store.GetEvents(ctx, "ghost", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, evts)

		meta, err := store.GetStreamMetadata(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, int64(0), meta.Version)
		assert.False(t, meta.IsDeleted)

		snap, err := store.GetSnapshot(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("delete keeps positions", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.Append(ctx, "a", newEvents("A", "a", 2), AnyVersion()))
		require.NoError(t, store.Append(ctx, "b", newEvents("B", "b", 1), AnyVersion()))
		require.NoError(t, store.CreateSnapshot(ctx, "a", 2, []byte("state")))

		before, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		bPosition := before[2].GlobalPosition

		require.NoError(t, store.DeleteStream(ctx, "a"))

		meta, err := store.GetStreamMetadata(ctx, "a")
		require.NoError(t, err)
		assert.True(t, meta.IsDeleted)
		assert.Equal(t, int64(0), meta.Version)

		snap, err := store.GetSnapshot(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, snap)

		after, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, bPosition, after[0].GlobalPosition)

		require.NoError(t, store.Append(ctx, "a", newEvents("A", "a", 1), ExpectNoStream()))
		recreated, err := store.ReadStream(ctx, "a", 0, 0)
		require.NoError(t, err)
		require.Len(t, recreated, 1)
		assert.Equal(t, int64(1), recreated[0].Version)
		assert.Greater(t, recreated[0].GlobalPosition, bPosition)

		meta, err = store.GetStreamMetadata(ctx, "a")
		require.NoError(t, err)
		assert.False(t, meta.IsDeleted)
	})

	t.Run("snapshots latest wins", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.CreateSnapshot(ctx, "s", 5, []byte("v5")))
		require.NoError(t, store.CreateSnapshot(ctx, "s", 10, []byte("v10")))

		snap, err := store.GetSnapshot(ctx, "s")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(10), snap.Version)
		assert.Equal(t, []byte("v10"), snap.Data)
	})

	t.Run("older snapshot does not replace newer", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		require.NoError(t, store.CreateSnapshot(ctx, "s", 10, []byte("v10")))
		require.NoError(t, store.CreateSnapshot(ctx, "s", 5, []byte("v5")))

		snap, err := store.GetSnapshot(ctx, "s")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(10), snap.Version)
		assert.Equal(t, []byte("v10"), snap.Data)

		require.NoError(t, store.CreateSnapshot(ctx, "s", 10, []byte("v10b")))
		snap, err = store.GetSnapshot(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, []byte("v10b"), snap.Data)
	})

	t.Run("read results do not alias stored entries", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		evt := events.NewBaseEvent("A", "s").WithMetadata("k", "v")
		require.NoError(t, store.Append(ctx, "s", []events.Event{evt}, ExpectNoStream()))

		first, err := store.GetEvents(ctx, "s", 0, 0)
		require.NoError(t, err)
		require.Len(t, first, 1)
		first[0].Metadata().Set("k", "mutated")

		all, err := store.GetAllEvents(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		all[0].Metadata().Set("extra", true)

		entries, err := store.ReadStream(ctx, "s", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		entries[0].Envelope.Metadata["k"] = "mutated"
		entries[0].Envelope.Data = nil

		second, err := store.GetEvents(ctx, "s", 0, 0)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, "v", second[0].Metadata()["k"])
		_, ok := second[0].Metadata().Get("extra")
		assert.False(t, ok)

		byType, err := store.ReadByType(ctx, "A", 0, 0)
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.NotEmpty(t, byType[0].Envelope.Data)
		assert.Equal(t, "v", byType[0].Envelope.Metadata["k"])
	})

	t.Run("automatic snapshots", func(t *testing.T) {
		config := DefaultStoreConfig()
		config.SnapshotFrequency = 3
		store := factory(t, config)

		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 2), AnyVersion()))
		snap, err := store.GetSnapshot(ctx, "s")
		require.NoError(t, err)
		assert.Nil(t, snap)

		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 5), AnyVersion()))
		snap, err = store.GetSnapshot(ctx, "s")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(6), snap.Version)
	})

	t.Run("failing snapshot never fails append", func(t *testing.T) {
		config := DefaultStoreConfig()
		config.SnapshotFrequency = 2
		failing := func(context.Context, EventStore, string, int64) ([]byte, error) {
			return nil, errors.New("snapshot storage unavailable")
		}
		store := factory(t, config, WithSnapshotBuilder(failing))

		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 4), AnyVersion()))
		monitor, ok := store.(SnapshotMonitor)
		require.True(t, ok)
		assert.Equal(t, int64(1), monitor.MissedSnapshots())
	})

	t.Run("stream limit", func(t *testing.T) {
		config := DefaultStoreConfig()
		config.MaxEventsPerStream = 3
		store := factory(t, config)
		require.NoError(t, store.Append(ctx, "s", newEvents("A", "s", 3), AnyVersion()))
		err := store.Append(ctx, "s", newEvents("A", "s", 1), AnyVersion())
		assert.True(t, errors.Is(err, ErrStreamLimitExceeded))
	})

	t.Run("invalid events append nothing", func(t *testing.T) {
		store := factory(t, DefaultStoreConfig())
		bad := []events.Event{
			events.NewBaseEvent("A", "s"),
			events.RestoreBaseEvent(events.BaseEventParams{ID: "x", EventType: "A"}),
		}
		err := store.Append(ctx, "s", bad, AnyVersion())
		assert.True(t, core.HasCode(err, core.ErrValidation))

		meta, err := store.GetStreamMetadata(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, int64(0), meta.Version)
	})
}
