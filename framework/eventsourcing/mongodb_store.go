package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/serialization"
)

const (
	mongoEventsCollection    = "es_events"
	mongoStreamsCollection   = "es_streams"
	mongoCountersCollection  = "es_counters"
	mongoSnapshotsCollection = "es_snapshots"
	mongoPositionCounter     = "global_position"
)

// MongoDBEventStoreConfig конфигурация для MongoDB Event Store
type MongoDBEventStoreConfig struct {
	URI         string
	Database    string
	Timeout     time.Duration
	MaxPoolSize uint64
	MinPoolSize uint64
}

// Validate проверяет корректность конфигурации
func (c MongoDBEventStoreConfig) Validate() error {
	if c.URI == "" {
		return core.NewError(core.ErrInvalidConfig, "mongodb URI cannot be empty")
	}
	if c.Database == "" {
		return core.NewError(core.ErrInvalidConfig, "mongodb database cannot be empty")
	}
	return nil
}

// DefaultMongoDBEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultMongoDBEventStoreConfig() MongoDBEventStoreConfig {
	return MongoDBEventStoreConfig{
		Database:    "eventcore",
		Timeout:     10 * time.Second,
		MaxPoolSize: 100,
		MinPoolSize: 10,
	}
}

// ConnectMongo подключается к MongoDB по конфигурации
func ConnectMongo(ctx context.Context, config MongoDBEventStoreConfig) (*mongo.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	opts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize)
	if config.Timeout > 0 {
		opts = opts.SetTimeout(config.Timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to ping MongoDB")
	}
	return client, nil
}

// mongoEventDoc документ события. _id совпадает с глобальной позицией.
// Конверт хранится как JSON, чтобы чтение возвращало его без потерь
// точности времени.
type mongoEventDoc struct {
	Position  int64     `bson:"_id"`
	ID        string    `bson:"event_id"`
	StreamID  string    `bson:"stream_id"`
	Version   int64     `bson:"version"`
	EventType string    `bson:"event_type"`
	Envelope  []byte    `bson:"envelope"`
	CreatedAt time.Time `bson:"created_at"`
}

type mongoStreamDoc struct {
	StreamID  string    `bson:"_id"`
	Version   int64     `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Deleted   bool      `bson:"deleted"`
}

// MongoDBEventStore реализация EventStore для MongoDB.
//
// Добавление выполняется в транзакции (нужен replica set): документ
// потока хранит версию, документ счетчика выдает глобальные позиции.
// Оба документа изменяются каждой транзакцией, поэтому конкурентные
// добавления получают write conflict и повторяются драйвером.
type MongoDBEventStore struct {
	*storeCore
	client     *mongo.Client
	ownsClient bool
	db         *mongo.Database
	eventsCol  *mongo.Collection
	streams    *mongo.Collection
	counters   *mongo.Collection
	snapshots  *mongo.Collection
}

// NewMongoDBEventStore подключается к MongoDB и создает хранилище
func NewMongoDBEventStore(ctx context.Context, mongoConfig MongoDBEventStoreConfig, config StoreConfig, opts ...StoreOption) (*MongoDBEventStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client, err := ConnectMongo(ctx, mongoConfig)
	if err != nil {
		return nil, err
	}
	store, err := NewMongoDBEventStoreFromDatabase(ctx, client.Database(mongoConfig.Database), config, opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	store.ownsClient = true
	return store, nil
}

// NewMongoDBEventStoreFromDatabase создает хранилище в существующей базе и создает индексы
func NewMongoDBEventStoreFromDatabase(ctx context.Context, db *mongo.Database, config StoreConfig, opts ...StoreOption) (*MongoDBEventStore, error) {
	if db == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "mongodb database is nil")
	}
	c, err := newStoreCore("mongodb", config, opts)
	if err != nil {
		return nil, err
	}
	s := &MongoDBEventStore{
		storeCore: c,
		client:    db.Client(),
		db:        db,
		eventsCol: db.Collection(mongoEventsCollection),
		streams:   db.Collection(mongoStreamsCollection),
		counters:  db.Collection(mongoCountersCollection),
		snapshots: db.Collection(mongoSnapshotsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoDBEventStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "stream_id", Value: 1},
				{Key: "version", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "event_type", Value: 1},
				{Key: "_id", Value: 1},
			},
		},
	}
	if _, err := s.eventsCol.Indexes().CreateMany(ctx, indexes); err != nil {
		return core.Wrap(err, core.ErrStorageFailure, "failed to create indexes")
	}
	_, err := s.counters.UpdateOne(ctx,
		bson.M{"_id": mongoPositionCounter},
		bson.M{"$setOnInsert": bson.M{"value": int64(0)}},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return core.Wrap(err, core.ErrStorageFailure, "failed to create position counter")
	}
	return nil
}

// Name возвращает имя компонента
func (s *MongoDBEventStore) Name() string {
	return "mongodb-event-store"
}

// Type возвращает тип компонента
func (s *MongoDBEventStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// HealthCheck проверяет соединение с MongoDB
func (s *MongoDBEventStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Database возвращает базу хранилища
func (s *MongoDBEventStore) Database() *mongo.Database {
	return s.db
}

// Close отключает клиента, если хранилище его создало
func (s *MongoDBEventStore) Close(ctx context.Context) error {
	if s.ownsClient {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func (s *MongoDBEventStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *MongoDBEventStore) currentVersion(ctx context.Context, streamID string) (mongoStreamDoc, bool, error) {
	var doc mongoStreamDoc
	err := s.streams.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	return doc, true, nil
}

// Append добавляет события в поток
func (s *MongoDBEventStore) Append(ctx context.Context, streamID string, evts []events.Event, expected core.Option[int64]) error {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "append", streamID)
	defer span.End()

	envelopes, err := s.prepareAppend(streamID, evts)
	if err != nil {
		return err
	}

	if len(envelopes) == 0 {
		doc, _, err := s.currentVersion(ctx, streamID)
		if err != nil {
			return storageError(err, "failed to read stream version")
		}
		err = s.checkVersion(streamID, expected, doc.Version, 0)
		s.recordConflict(ctx, err)
		return err
	}

	var current int64
	appendTx := func(sc mongo.SessionContext) error {
		doc, found, err := s.currentVersion(sc, streamID)
		if err != nil {
			return err
		}
		current = doc.Version
		if err := s.checkVersion(streamID, expected, current, len(envelopes)); err != nil {
			return err
		}

		n := int64(len(envelopes))
		var counter struct {
			Value int64 `bson:"value"`
		}
		err = s.counters.FindOneAndUpdate(sc,
			bson.M{"_id": mongoPositionCounter},
			bson.M{"$inc": bson.M{"value": n}},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&counter)
		if err != nil {
			return fmt.Errorf("failed to allocate positions: %w", err)
		}
		first := counter.Value - n + 1

		now := time.Now().UTC()
		docs := make([]interface{}, len(envelopes))
		for i, src := range envelopes {
			env := src.Clone()
			env.Version = current + int64(i) + 1
			data, err := json.Marshal(env)
			if err != nil {
				return core.Wrap(err, core.ErrSerializationFailed, "failed to marshal envelope")
			}
			docs[i] = mongoEventDoc{
				Position:  first + int64(i),
				ID:        uuid.New().String(),
				StreamID:  streamID,
				Version:   env.Version,
				EventType: env.EventType,
				Envelope:  data,
				CreatedAt: now,
			}
		}
		if _, err := s.eventsCol.InsertMany(sc, docs); err != nil {
			return fmt.Errorf("failed to insert events: %w", err)
		}

		set := bson.M{"version": current + n, "updated_at": now, "deleted": false}
		if !found || doc.Deleted {
			set["created_at"] = now
		}
		_, err = s.streams.UpdateOne(sc, bson.M{"_id": streamID}, bson.M{"$set": set},
			options.Update().SetUpsert(true))
		return err
	}

	for attempt := 0; ; attempt++ {
		err = s.withTransaction(ctx, appendTx)
		// гонка upsert нового потока: без ожидаемой версии повторяем
		if err == nil || !mongo.IsDuplicateKeyError(err) || expected.IsSome() || attempt >= 3 {
			break
		}
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			v, _ := expected.Get()
			err = &ConcurrencyConflictError{StreamID: streamID, Expected: v, Actual: current}
		}
		s.recordConflict(ctx, err)
		span.RecordError(err)
		return storageError(err, "failed to append events")
	}

	s.afterAppend(ctx, s, streamID, current, current+int64(len(envelopes)), started)
	return nil
}

func (s *MongoDBEventStore) find(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]StoredEvent, error) {
	opts := options.Find().SetSort(sort).SetLimit(int64(limit))
	cursor, err := s.eventsCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageError(err, "failed to query events")
	}
	defer cursor.Close(ctx)

	out := make([]StoredEvent, 0)
	for cursor.Next(ctx) {
		var doc mongoEventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storageError(err, "failed to decode event")
		}
		env := &serialization.Envelope{}
		if err := json.Unmarshal(doc.Envelope, env); err != nil {
			return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to unmarshal envelope")
		}
		out = append(out, StoredEvent{
			ID:             doc.ID,
			StreamID:       doc.StreamID,
			Version:        doc.Version,
			GlobalPosition: doc.Position,
			CreatedAt:      doc.CreatedAt.UTC(),
			Envelope:       env,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, storageError(err, "failed to iterate events")
	}
	return out, nil
}

// ReadStream возвращает записи потока в диапазоне версий
func (s *MongoDBEventStore) ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	versionRange := bson.M{"$gte": fromVersion}
	if toVersion > 0 {
		versionRange["$lte"] = toVersion
	}
	return s.find(ctx,
		bson.M{"stream_id": streamID, "version": versionRange},
		bson.D{{Key: "version", Value: 1}},
		s.pageSize(0))
}

// ReadAll возвращает записи всех потоков начиная с позиции
func (s *MongoDBEventStore) ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	return s.find(ctx,
		bson.M{"_id": bson.M{"$gte": fromPosition}},
		bson.D{{Key: "_id", Value: 1}},
		s.pageSize(maxCount))
}

// ReadByType возвращает записи типа начиная с позиции
func (s *MongoDBEventStore) ReadByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	return s.find(ctx,
		bson.M{"event_type": eventType, "_id": bson.M{"$gte": fromPosition}},
		bson.D{{Key: "_id", Value: 1}},
		s.pageSize(maxCount))
}

// GetEvents возвращает события потока
func (s *MongoDBEventStore) GetEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]events.Event, error) {
	entries, err := s.ReadStream(ctx, streamID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetAllEvents возвращает события всех потоков
func (s *MongoDBEventStore) GetAllEvents(ctx context.Context, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadAll(ctx, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetEventsByType возвращает события типа
func (s *MongoDBEventStore) GetEventsByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadByType(ctx, eventType, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetStreamMetadata возвращает метаданные потока
func (s *MongoDBEventStore) GetStreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error) {
	doc, found, err := s.currentVersion(ctx, streamID)
	if err != nil {
		return nil, storageError(err, "failed to read stream metadata")
	}
	meta := &StreamMetadata{StreamID: streamID}
	if !found {
		return meta, nil
	}
	if doc.Deleted {
		meta.IsDeleted = true
		meta.UpdatedAt = doc.UpdatedAt.UTC()
		return meta, nil
	}
	meta.Version = doc.Version
	meta.EventCount = doc.Version
	meta.CreatedAt = doc.CreatedAt.UTC()
	meta.UpdatedAt = doc.UpdatedAt.UTC()
	return meta, nil
}

// DeleteStream удаляет события и снимок потока
func (s *MongoDBEventStore) DeleteStream(ctx context.Context, streamID string) error {
	var removed int64
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		_, err := s.streams.UpdateOne(sc, bson.M{"_id": streamID}, bson.M{"$set": bson.M{
			"version":    int64(0),
			"deleted":    true,
			"updated_at": time.Now().UTC(),
		}})
		if err != nil {
			return err
		}
		res, err := s.eventsCol.DeleteMany(sc, bson.M{"stream_id": streamID})
		if err != nil {
			return err
		}
		removed = res.DeletedCount
		_, err = s.snapshots.DeleteOne(sc, bson.M{"_id": streamID})
		return err
	})
	if err != nil {
		return storageError(err, "failed to delete stream")
	}
	if removed > 0 {
		s.logger.Log(logging.LevelInfo, "stream deleted",
			logging.Component(s.name),
			logging.StreamID(streamID),
			logging.Int64("count", removed),
		)
	}
	return nil
}

// CreateSnapshot сохраняет снимок потока, заменяя предыдущий
func (s *MongoDBEventStore) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if streamID == "" || version < 1 {
		return fmt.Errorf("%w: snapshot requires stream id and positive version", ErrInvalidArgument)
	}
	snap := Snapshot{
		StreamID:  streamID,
		Version:   version,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	// снимок с большей версией не совпадет с фильтром, и upsert упрется в _id
	filter := bson.M{"_id": streamID, "version": bson.M{"$lte": version}}
	_, err := s.snapshots.ReplaceOne(ctx, filter, snap, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return storageError(err, "failed to save snapshot")
}

// GetSnapshot возвращает последний снимок потока или nil
func (s *MongoDBEventStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.snapshots.FindOne(ctx, bson.M{"_id": streamID}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "failed to read snapshot")
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}
