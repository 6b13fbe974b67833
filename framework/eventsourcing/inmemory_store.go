package eventsourcing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
)

// memStream поток в памяти. mu сериализует добавления в поток,
// записи после добавления не изменяются.
type memStream struct {
	mu        sync.RWMutex
	entries   []StoredEvent
	createdAt time.Time
	updatedAt time.Time
	removed   bool
}

// InMemoryEventStore хранилище событий в памяти.
//
// Добавления в разные потоки не блокируют друг друга: проверка версии
// выполняется под блокировкой потока, а общий журнал защищен узкой
// блокировкой, покрывающей только выдачу позиций и запись в журнал.
type InMemoryEventStore struct {
	*storeCore

	streamsMu  sync.RWMutex
	streams    map[string]*memStream
	tombstones map[string]time.Time

	logMu    sync.RWMutex
	log      []StoredEvent
	position int64

	snapshotsMu sync.RWMutex
	snapshots   map[string]*Snapshot
}

// NewInMemoryEventStore создает хранилище в памяти
func NewInMemoryEventStore(config StoreConfig, opts ...StoreOption) (*InMemoryEventStore, error) {
	c, err := newStoreCore("inmemory", config, opts)
	if err != nil {
		return nil, err
	}
	return &InMemoryEventStore{
		storeCore:  c,
		streams:    make(map[string]*memStream),
		tombstones: make(map[string]time.Time),
		snapshots:  make(map[string]*Snapshot),
	}, nil
}

// Name возвращает имя компонента
func (s *InMemoryEventStore) Name() string {
	return "inmemory-event-store"
}

// Type возвращает тип компонента
func (s *InMemoryEventStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// HealthCheck всегда успешен
func (s *InMemoryEventStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *InMemoryEventStore) stream(streamID string, create bool) *memStream {
	s.streamsMu.RLock()
	st, ok := s.streams[streamID]
	s.streamsMu.RUnlock()
	if ok || !create {
		return st
	}

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if st, ok := s.streams[streamID]; ok {
		return st
	}
	now := time.Now().UTC()
	st = &memStream{createdAt: now, updatedAt: now}
	s.streams[streamID] = st
	delete(s.tombstones, streamID)
	return st
}

// Append добавляет события в поток
func (s *InMemoryEventStore) Append(ctx context.Context, streamID string, evts []events.Event, expected core.Option[int64]) error {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "append", streamID)
	defer span.End()

	envelopes, err := s.prepareAppend(streamID, evts)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(envelopes) == 0 {
		var current int64
		if st := s.stream(streamID, false); st != nil {
			st.mu.RLock()
			current = int64(len(st.entries))
			st.mu.RUnlock()
		}
		err := s.checkVersion(streamID, expected, current, 0)
		s.recordConflict(ctx, err)
		return err
	}

	for {
		st := s.stream(streamID, true)
		st.mu.Lock()
		if st.removed {
			// поток удален между поиском и блокировкой
			st.mu.Unlock()
			continue
		}

		current := int64(len(st.entries))
		if err := s.checkVersion(streamID, expected, current, len(envelopes)); err != nil {
			st.mu.Unlock()
			s.recordConflict(ctx, err)
			return err
		}

		now := time.Now().UTC()
		appended := make([]StoredEvent, len(envelopes))

		s.logMu.Lock()
		for i, env := range envelopes {
			s.position++
			env.Version = current + int64(i) + 1
			appended[i] = StoredEvent{
				ID:             uuid.New().String(),
				StreamID:       streamID,
				Version:        env.Version,
				GlobalPosition: s.position,
				CreatedAt:      now,
				Envelope:       env,
			}
		}
		s.log = append(s.log, appended...)
		s.logMu.Unlock()

		st.entries = append(st.entries, appended...)
		st.updatedAt = now
		newVersion := int64(len(st.entries))
		st.mu.Unlock()

		s.afterAppend(ctx, s, streamID, current, newVersion, started)
		return nil
	}
}

// ReadStream возвращает записи потока в диапазоне версий
func (s *InMemoryEventStore) ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.stream(streamID, false)
	if st == nil {
		return []StoredEvent{}, nil
	}

	st.mu.RLock()
	entries := st.entries
	st.mu.RUnlock()

	from, to, ok := versionRange(fromVersion, toVersion, int64(len(entries)))
	if !ok {
		return []StoredEvent{}, nil
	}
	if limit := int64(s.pageSize(0)); to-from+1 > limit {
		to = from + limit - 1
	}

	out := make([]StoredEvent, 0, to-from+1)
	for _, e := range entries[from-1 : to] {
		out = append(out, e.clone())
	}
	return out, nil
}

// ReadAll возвращает записи всех потоков начиная с позиции
func (s *InMemoryEventStore) ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	return s.scan(ctx, fromPosition, maxCount, func(StoredEvent) bool { return true })
}

// ReadByType возвращает записи типа начиная с позиции
func (s *InMemoryEventStore) ReadByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	return s.scan(ctx, fromPosition, maxCount, func(e StoredEvent) bool {
		return e.EventType() == eventType
	})
}

func (s *InMemoryEventStore) scan(ctx context.Context, fromPosition int64, maxCount int, match func(StoredEvent) bool) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logMu.RLock()
	log := s.log
	s.logMu.RUnlock()

	limit := s.pageSize(maxCount)
	start := sort.Search(len(log), func(i int) bool {
		return log[i].GlobalPosition >= fromPosition
	})

	out := make([]StoredEvent, 0)
	for i := start; i < len(log) && len(out) < limit; i++ {
		if match(log[i]) {
			out = append(out, log[i].clone())
		}
	}
	return out, nil
}

// GetEvents возвращает события потока
func (s *InMemoryEventStore) GetEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]events.Event, error) {
	entries, err := s.ReadStream(ctx, streamID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetAllEvents возвращает события всех потоков
func (s *InMemoryEventStore) GetAllEvents(ctx context.Context, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadAll(ctx, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetEventsByType возвращает события типа
func (s *InMemoryEventStore) GetEventsByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadByType(ctx, eventType, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetStreamMetadata возвращает метаданные потока. Для неизвестного потока
// возвращаются нулевые метаданные.
func (s *InMemoryEventStore) GetStreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta := &StreamMetadata{StreamID: streamID}

	s.streamsMu.RLock()
	st, ok := s.streams[streamID]
	deletedAt, deleted := s.tombstones[streamID]
	s.streamsMu.RUnlock()

	if ok {
		st.mu.RLock()
		meta.Version = int64(len(st.entries))
		meta.EventCount = meta.Version
		meta.CreatedAt = st.createdAt
		meta.UpdatedAt = st.updatedAt
		st.mu.RUnlock()
		if meta.Version > 0 {
			return meta, nil
		}
	}
	if deleted {
		meta.IsDeleted = true
		meta.UpdatedAt = deletedAt
	}
	return meta, nil
}

// DeleteStream удаляет поток и его снимок
func (s *InMemoryEventStore) DeleteStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.streamsMu.Lock()
	st, ok := s.streams[streamID]
	delete(s.streams, streamID)
	if ok {
		s.tombstones[streamID] = time.Now().UTC()
	}
	s.streamsMu.Unlock()

	s.snapshotsMu.Lock()
	delete(s.snapshots, streamID)
	s.snapshotsMu.Unlock()

	if !ok {
		return nil
	}

	st.mu.Lock()
	st.removed = true
	removed := make(map[int64]struct{}, len(st.entries))
	for _, e := range st.entries {
		removed[e.GlobalPosition] = struct{}{}
	}
	st.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}

	// новый журнал вместо изменения старого: читатели держат старый слайс
	s.logMu.Lock()
	next := make([]StoredEvent, 0, len(s.log)-len(removed))
	for _, e := range s.log {
		if _, gone := removed[e.GlobalPosition]; !gone {
			next = append(next, e)
		}
	}
	s.log = next
	s.logMu.Unlock()

	s.logger.Log(logging.LevelInfo, "stream deleted",
		logging.StreamID(streamID),
		logging.Int("count", len(removed)),
	)
	return nil
}

// CreateSnapshot сохраняет снимок потока, заменяя предыдущий
func (s *InMemoryEventStore) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamID == "" || version < 1 {
		return fmt.Errorf("%w: snapshot requires stream id and positive version", ErrInvalidArgument)
	}

	snap := &Snapshot{
		StreamID:  streamID,
		Version:   version,
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now().UTC(),
	}

	s.snapshotsMu.Lock()
	defer s.snapshotsMu.Unlock()
	if current, ok := s.snapshots[streamID]; ok && current.Version > version {
		return nil
	}
	s.snapshots[streamID] = snap
	return nil
}

// GetSnapshot возвращает последний снимок потока или nil
func (s *InMemoryEventStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.snapshotsMu.RLock()
	snap, ok := s.snapshots[streamID]
	s.snapshotsMu.RUnlock()
	if !ok {
		return nil, nil
	}
	out := *snap
	out.Data = append([]byte(nil), snap.Data...)
	return &out, nil
}

// LastPosition возвращает последнюю выданную глобальную позицию
func (s *InMemoryEventStore) LastPosition() int64 {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.position
}
