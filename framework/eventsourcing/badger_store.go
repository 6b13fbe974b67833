package eventsourcing

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
)

// badgerMaxTxnRetries число повторов транзакции при badger.ErrConflict
const badgerMaxTxnRetries = 32

// BadgerConfig конфигурация встроенного хранилища BadgerDB
type BadgerConfig struct {
	// Dir директория данных
	Dir string
	// InMemory хранит данные только в памяти (для тестов)
	InMemory bool
	// SyncWrites синхронная запись на диск
	SyncWrites bool
	// KeyPrefix префикс всех ключей хранилища
	KeyPrefix string
	// GCInterval интервал сборки мусора value log, 0 отключает
	GCInterval time.Duration
	// GCDiscardRatio доля мусора для перезаписи файла value log
	GCDiscardRatio float64
	// Logger логгер BadgerDB, nil отключает его вывод
	Logger badger.Logger
}

// DefaultBadgerConfig возвращает конфигурацию по умолчанию
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		KeyPrefix:      "es:",
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Validate проверяет конфигурацию
func (c BadgerConfig) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return core.NewError(core.ErrInvalidConfig, "badger dir is required unless in-memory")
	}
	if c.GCInterval > 0 && (c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1) {
		return core.NewError(core.ErrInvalidConfig, "badger gc discard ratio must be in (0, 1)")
	}
	return nil
}

func openBadger(cfg BadgerConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to open badger")
	}
	return db, nil
}

// badgerStreamMeta метаданные потока в BadgerDB
type badgerStreamMeta struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted"`
}

// BadgerEventStore хранилище событий во встроенной BadgerDB.
//
// Раскладка ключей (prefix по умолчанию "es:"):
//
//	{prefix}log\x00{position}              запись журнала (JSON StoredEvent)
//	{prefix}stream\x00{id}\x00{version}   позиция события потока
//	{prefix}type\x00{type}\x00{position}  индекс по типу события
//	{prefix}meta\x00{id}                  метаданные потока
//	{prefix}snap\x00{id}                  последний снимок потока
//	{prefix}seq                           последняя выданная позиция
//
// Числа кодируются big-endian, поэтому порядок ключей совпадает с числовым.
// Каждое добавление читает и пишет seq, и оптимистичные транзакции BadgerDB
// сериализуют добавления: порядок фиксации совпадает с порядком позиций.
type BadgerEventStore struct {
	*storeCore
	db     *badger.DB
	prefix string
	ownsDB bool

	gcStop chan struct{}
	gcWg   sync.WaitGroup
	once   sync.Once
}

// NewBadgerEventStore открывает BadgerDB и создает хранилище
func NewBadgerEventStore(badgerConfig BadgerConfig, config StoreConfig, opts ...StoreOption) (*BadgerEventStore, error) {
	if err := badgerConfig.Validate(); err != nil {
		return nil, err
	}
	c, err := newStoreCore("badger", config, opts)
	if err != nil {
		return nil, err
	}
	db, err := openBadger(badgerConfig)
	if err != nil {
		return nil, err
	}

	s := &BadgerEventStore{
		storeCore: c,
		db:        db,
		prefix:    badgerConfig.KeyPrefix,
		ownsDB:    true,
		gcStop:    make(chan struct{}),
	}
	if badgerConfig.GCInterval > 0 && !badgerConfig.InMemory {
		s.startGC(badgerConfig.GCInterval, badgerConfig.GCDiscardRatio)
	}
	return s, nil
}

// NewBadgerEventStoreFromDB создает хранилище поверх открытой базы.
// Закрытие базы остается за вызывающим кодом.
func NewBadgerEventStoreFromDB(db *badger.DB, keyPrefix string, config StoreConfig, opts ...StoreOption) (*BadgerEventStore, error) {
	if db == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "badger db is nil")
	}
	c, err := newStoreCore("badger", config, opts)
	if err != nil {
		return nil, err
	}
	return &BadgerEventStore{
		storeCore: c,
		db:        db,
		prefix:    keyPrefix,
		gcStop:    make(chan struct{}),
	}, nil
}

// Name возвращает имя компонента
func (s *BadgerEventStore) Name() string {
	return "badger-event-store"
}

// Type возвращает тип компонента
func (s *BadgerEventStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// HealthCheck проверяет, что база открыта
func (s *BadgerEventStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return core.NewError(core.ErrStorageFailure, "badger is closed")
	}
	return nil
}

// Close останавливает сборку мусора и закрывает базу, если хранилище ее открыло
func (s *BadgerEventStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.gcStop)
		s.gcWg.Wait()
		if s.ownsDB {
			err = s.db.Close()
		}
	})
	return err
}

func (s *BadgerEventStore) startGC(interval time.Duration, discardRatio float64) {
	s.gcWg.Add(1)
	go func() {
		defer s.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.gcStop:
				return
			case <-ticker.C:
				for s.db.RunValueLogGC(discardRatio) == nil {
				}
			}
		}
	}()
}

func encodeUint64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeUint64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (s *BadgerEventStore) key(parts ...string) []byte {
	out := []byte(s.prefix)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, p...)
	}
	return out
}

func (s *BadgerEventStore) seqKey() []byte {
	return s.key("seq")
}

func (s *BadgerEventStore) metaKey(streamID string) []byte {
	return s.key("meta", streamID)
}

func (s *BadgerEventStore) snapKey(streamID string) []byte {
	return s.key("snap", streamID)
}

func (s *BadgerEventStore) logPrefix() []byte {
	return append(s.key("log"), 0)
}

func (s *BadgerEventStore) logKey(position int64) []byte {
	return append(s.logPrefix(), encodeUint64(position)...)
}

func (s *BadgerEventStore) streamPrefix(streamID string) []byte {
	return append(s.key("stream", streamID), 0)
}

func (s *BadgerEventStore) streamKey(streamID string, version int64) []byte {
	return append(s.streamPrefix(streamID), encodeUint64(version)...)
}

func (s *BadgerEventStore) typePrefix(eventType string) []byte {
	return append(s.key("type", eventType), 0)
}

func (s *BadgerEventStore) typeKey(eventType string, position int64) []byte {
	return append(s.typePrefix(eventType), encodeUint64(position)...)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getUint64(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		v = decodeUint64(val)
		return nil
	})
	return v, err
}

// update выполняет транзакцию, повторяя ее при конфликте BadgerDB
func (s *BadgerEventStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= badgerMaxTxnRetries {
			return core.Wrap(err, core.ErrStorageFailure, "badger transaction retries exhausted")
		}
	}
}

func storageError(err error, op string) error {
	if err == nil {
		return nil
	}
	var fe *core.FrameworkError
	var conflict *ConcurrencyConflictError
	if errors.As(err, &fe) || errors.As(err, &conflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.Wrap(err, core.ErrStorageFailure, op)
}

// Append добавляет события в поток
func (s *BadgerEventStore) Append(ctx context.Context, streamID string, evts []events.Event, expected core.Option[int64]) error {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "append", streamID)
	defer span.End()

	envelopes, err := s.prepareAppend(streamID, evts)
	if err != nil {
		return err
	}

	var current, newVersion int64
	err = s.update(ctx, func(txn *badger.Txn) error {
		var meta badgerStreamMeta
		found, err := getJSON(txn, s.metaKey(streamID), &meta)
		if err != nil {
			return err
		}
		if meta.Deleted {
			meta = badgerStreamMeta{}
			found = false
		}
		current = meta.Version
		if err := s.checkVersion(streamID, expected, current, len(envelopes)); err != nil {
			return err
		}
		if len(envelopes) == 0 {
			newVersion = current
			return nil
		}

		// общий ключ позиции: позиции фиксируются по порядку и без пропусков,
		// добавления во все потоки сериализуются конфликтом на этом ключе
		position, err := getUint64(txn, s.seqKey())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, src := range envelopes {
			// транзакция может повториться, исходный конверт не меняем
			env := src.Clone()
			env.Version = current + int64(i) + 1
			position++
			entry := StoredEvent{
				ID:             uuid.New().String(),
				StreamID:       streamID,
				Version:        env.Version,
				GlobalPosition: position,
				CreatedAt:      now,
				Envelope:       env,
			}
			if err := setJSON(txn, s.logKey(position), entry); err != nil {
				return err
			}
			if err := txn.Set(s.streamKey(streamID, env.Version), encodeUint64(position)); err != nil {
				return err
			}
			if err := txn.Set(s.typeKey(env.EventType, position), nil); err != nil {
				return err
			}
		}

		if !found {
			meta.CreatedAt = now
		}
		meta.Version = current + int64(len(envelopes))
		meta.UpdatedAt = now
		newVersion = meta.Version
		if err := setJSON(txn, s.metaKey(streamID), meta); err != nil {
			return err
		}
		return txn.Set(s.seqKey(), encodeUint64(position))
	})
	if err != nil {
		s.recordConflict(ctx, err)
		span.RecordError(err)
		return storageError(err, "failed to append events")
	}
	if newVersion > current {
		s.afterAppend(ctx, s, streamID, current, newVersion, started)
	}
	return nil
}

// ReadStream возвращает записи потока в диапазоне версий
func (s *BadgerEventStore) ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	limit := s.pageSize(0)
	out := make([]StoredEvent, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.streamPrefix(streamID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.streamKey(streamID, fromVersion)); it.Valid() && len(out) < limit; it.Next() {
			version := decodeUint64(it.Item().Key()[len(opts.Prefix):])
			if toVersion > 0 && version > toVersion {
				break
			}
			var position int64
			if err := it.Item().Value(func(val []byte) error {
				position = decodeUint64(val)
				return nil
			}); err != nil {
				return err
			}
			var entry StoredEvent
			found, err := getJSON(txn, s.logKey(position), &entry)
			if err != nil {
				return err
			}
			if found {
				out = append(out, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err, "failed to read stream")
	}
	return out, nil
}

// ReadAll возвращает записи всех потоков начиная с позиции
func (s *BadgerEventStore) ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromPosition < 0 {
		fromPosition = 0
	}
	limit := s.pageSize(maxCount)
	out := make([]StoredEvent, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.logPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.logKey(fromPosition)); it.Valid() && len(out) < limit; it.Next() {
			var entry StoredEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err, "failed to read all events")
	}
	return out, nil
}

// ReadByType возвращает записи типа начиная с позиции
func (s *BadgerEventStore) ReadByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromPosition < 0 {
		fromPosition = 0
	}
	limit := s.pageSize(maxCount)
	out := make([]StoredEvent, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.typePrefix(eventType)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.typeKey(eventType, fromPosition)); it.Valid() && len(out) < limit; it.Next() {
			position := decodeUint64(it.Item().Key()[len(opts.Prefix):])
			var entry StoredEvent
			found, err := getJSON(txn, s.logKey(position), &entry)
			if err != nil {
				return err
			}
			if found {
				out = append(out, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err, "failed to read events by type")
	}
	return out, nil
}

// GetEvents возвращает события потока
func (s *BadgerEventStore) GetEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]events.Event, error) {
	entries, err := s.ReadStream(ctx, streamID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetAllEvents возвращает события всех потоков
func (s *BadgerEventStore) GetAllEvents(ctx context.Context, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadAll(ctx, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetEventsByType возвращает события типа
func (s *BadgerEventStore) GetEventsByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadByType(ctx, eventType, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetStreamMetadata возвращает метаданные потока
func (s *BadgerEventStore) GetStreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var meta badgerStreamMeta
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, s.metaKey(streamID), &meta)
		return err
	})
	if err != nil {
		return nil, storageError(err, "failed to read stream metadata")
	}
	if meta.Deleted {
		return &StreamMetadata{StreamID: streamID, UpdatedAt: meta.UpdatedAt, IsDeleted: true}, nil
	}
	return &StreamMetadata{
		StreamID:   streamID,
		Version:    meta.Version,
		EventCount: meta.Version,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  meta.UpdatedAt,
	}, nil
}

// DeleteStream удаляет события, индексы и снимок потока и оставляет
// метаданные с признаком удаления
func (s *BadgerEventStore) DeleteStream(ctx context.Context, streamID string) error {
	var removed int
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = 0
		var meta badgerStreamMeta
		found, err := getJSON(txn, s.metaKey(streamID), &meta)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.streamPrefix(streamID)
		it := txn.NewIterator(opts)
		var keys [][]byte
		var positions []int64
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
			if err := it.Item().Value(func(val []byte) error {
				positions = append(positions, decodeUint64(val))
				return nil
			}); err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for i, position := range positions {
			var entry StoredEvent
			ok, err := getJSON(txn, s.logKey(position), &entry)
			if err != nil {
				return err
			}
			if ok {
				if err := txn.Delete(s.typeKey(entry.EventType(), position)); err != nil {
					return err
				}
				if err := txn.Delete(s.logKey(position)); err != nil {
					return err
				}
			}
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			removed++
		}

		if err := txn.Delete(s.snapKey(streamID)); err != nil {
			return err
		}
		if !found {
			return nil
		}
		return setJSON(txn, s.metaKey(streamID), badgerStreamMeta{
			Deleted:   true,
			UpdatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return storageError(err, "failed to delete stream")
	}

	if removed > 0 {
		s.logger.Log(logging.LevelInfo, "stream deleted",
			logging.Component(s.name),
			logging.StreamID(streamID),
			logging.Int("count", removed),
		)
	}
	return nil
}

// CreateSnapshot сохраняет снимок потока, заменяя предыдущий
func (s *BadgerEventStore) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if streamID == "" || version < 1 {
		return fmt.Errorf("%w: snapshot requires stream id and positive version", ErrInvalidArgument)
	}
	snap := Snapshot{
		StreamID:  streamID,
		Version:   version,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		var current Snapshot
		found, err := getJSON(txn, s.snapKey(streamID), &current)
		if err != nil {
			return err
		}
		if found && current.Version > version {
			return nil
		}
		return setJSON(txn, s.snapKey(streamID), snap)
	})
	return storageError(err, "failed to save snapshot")
}

// GetSnapshot возвращает последний снимок потока или nil
func (s *BadgerEventStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap Snapshot
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, s.snapKey(streamID), &snap)
		return err
	})
	if err != nil {
		return nil, storageError(err, "failed to read snapshot")
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

// LastPosition возвращает последнюю выданную глобальную позицию
func (s *BadgerEventStore) LastPosition(ctx context.Context) (int64, error) {
	var position int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		position, err = getUint64(txn, s.seqKey())
		return err
	})
	return position, storageError(err, "failed to read last position")
}
