package eventsourcing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CheckpointStore хранит последнюю обработанную глобальную позицию
// воспроизведения или проекции по имени
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, name string, position int64) error
	// GetCheckpoint возвращает 0, если контрольной точки нет
	GetCheckpoint(ctx context.Context, name string) (int64, error)
	DeleteCheckpoint(ctx context.Context, name string) error
	ListCheckpoints(ctx context.Context) (map[string]int64, error)
}

// PostgresCheckpointStore реализация CheckpointStore для PostgreSQL.
// Таблица es_checkpoints создается встроенными миграциями.
type PostgresCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStore создает новый PostgresCheckpointStore
func NewPostgresCheckpointStore(pool *pgxpool.Pool) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool}
}

func (s *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, name string, position int64) error {
	query := `
		INSERT INTO es_checkpoints (name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name)
		DO UPDATE SET position = EXCLUDED.position, updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, name, position)
	return storageError(err, "failed to save checkpoint")
}

func (s *PostgresCheckpointStore) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	var position int64
	err := s.pool.QueryRow(ctx, `SELECT position FROM es_checkpoints WHERE name = $1`, name).Scan(&position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, storageError(err, "failed to read checkpoint")
	}
	return position, nil
}

func (s *PostgresCheckpointStore) DeleteCheckpoint(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM es_checkpoints WHERE name = $1`, name)
	return storageError(err, "failed to delete checkpoint")
}

func (s *PostgresCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, position FROM es_checkpoints`)
	if err != nil {
		return nil, storageError(err, "failed to list checkpoints")
	}
	defer rows.Close()

	checkpoints := make(map[string]int64)
	for rows.Next() {
		var name string
		var position int64
		if err := rows.Scan(&name, &position); err != nil {
			return nil, storageError(err, "failed to scan checkpoint")
		}
		checkpoints[name] = position
	}
	return checkpoints, storageError(rows.Err(), "failed to list checkpoints")
}

// MongoCheckpointStore реализация CheckpointStore для MongoDB
type MongoCheckpointStore struct {
	collection *mongo.Collection
}

// NewMongoCheckpointStore создает MongoCheckpointStore в коллекции es_checkpoints
func NewMongoCheckpointStore(db *mongo.Database) *MongoCheckpointStore {
	return &MongoCheckpointStore{collection: db.Collection("es_checkpoints")}
}

func (s *MongoCheckpointStore) SaveCheckpoint(ctx context.Context, name string, position int64) error {
	update := bson.M{
		"$set": bson.M{
			"position":   position,
			"updated_at": time.Now().UTC(),
		},
	}
	opts := options.Update().SetUpsert(true)
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": name}, update, opts)
	return storageError(err, "failed to save checkpoint")
}

func (s *MongoCheckpointStore) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	var result struct {
		Position int64 `bson:"position"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, storageError(err, "failed to read checkpoint")
	}
	return result.Position, nil
}

func (s *MongoCheckpointStore) DeleteCheckpoint(ctx context.Context, name string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": name})
	return storageError(err, "failed to delete checkpoint")
}

func (s *MongoCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, storageError(err, "failed to list checkpoints")
	}
	defer cursor.Close(ctx)

	checkpoints := make(map[string]int64)
	for cursor.Next(ctx) {
		var result struct {
			ID       string `bson:"_id"`
			Position int64  `bson:"position"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, storageError(err, "failed to decode checkpoint")
		}
		checkpoints[result.ID] = result.Position
	}
	return checkpoints, storageError(cursor.Err(), "failed to list checkpoints")
}

// InMemoryCheckpointStore реализация CheckpointStore в памяти
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]int64
}

// NewInMemoryCheckpointStore создает новый InMemoryCheckpointStore
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[string]int64),
	}
}

func (s *InMemoryCheckpointStore) SaveCheckpoint(ctx context.Context, name string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[name] = position
	return nil
}

func (s *InMemoryCheckpointStore) GetCheckpoint(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[name], nil
}

func (s *InMemoryCheckpointStore) DeleteCheckpoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, name)
	return nil
}

func (s *InMemoryCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]int64, len(s.checkpoints))
	for k, v := range s.checkpoints {
		result[k] = v
	}
	return result, nil
}
