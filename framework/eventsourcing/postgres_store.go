package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/migrations"
	"github.com/akriventsev/eventcore/framework/serialization"
)

// positionLockKey ключ advisory lock, упорядочивающего выдачу глобальных позиций
const positionLockKey int64 = 0x6576656e74636f72

// pgUniqueViolation код ошибки PostgreSQL для нарушения уникальности
const pgUniqueViolation = "23505"

// PostgresEventStoreConfig конфигурация для PostgreSQL Event Store
type PostgresEventStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	// AutoMigrate применяет встроенные миграции при создании хранилища
	AutoMigrate bool
}

// Validate проверяет корректность конфигурации
func (c PostgresEventStoreConfig) Validate() error {
	if c.DSN == "" {
		return core.NewError(core.ErrInvalidConfig, "postgres DSN cannot be empty")
	}
	if c.MaxConns < 0 || c.MinConns < 0 || (c.MaxConns > 0 && c.MinConns > c.MaxConns) {
		return core.NewError(core.ErrInvalidConfig, "invalid postgres pool size")
	}
	return nil
}

// DefaultPostgresEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultPostgresEventStoreConfig() PostgresEventStoreConfig {
	return PostgresEventStoreConfig{
		MaxConns:        25,
		MinConns:        2,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// NewPostgresPool создает пул соединений по конфигурации
func NewPostgresPool(ctx context.Context, config PostgresEventStoreConfig) (*pgxpool.Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to parse postgres DSN")
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to connect to PostgreSQL")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.Wrap(err, core.ErrStorageFailure, "failed to ping PostgreSQL")
	}
	return pool, nil
}

// MigratePostgres применяет встроенные миграции через пул
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	migrator, err := migrations.NewMigrator(db)
	if err != nil {
		return err
	}
	_, err = migrator.Up(ctx)
	return err
}

// PostgresEventStore реализация EventStore для PostgreSQL.
//
// Добавление блокирует строку потока (SELECT ... FOR UPDATE) и затем
// транзакционный advisory lock позиций, поэтому позиции BIGSERIAL
// фиксируются в порядке возрастания и ReadAll не пропускает события.
type PostgresEventStore struct {
	*storeCore
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPostgresEventStore создает новый PostgreSQL Event Store со своим пулом
func NewPostgresEventStore(ctx context.Context, pgConfig PostgresEventStoreConfig, config StoreConfig, opts ...StoreOption) (*PostgresEventStore, error) {
	c, err := newStoreCore("postgres", config, opts)
	if err != nil {
		return nil, err
	}
	pool, err := NewPostgresPool(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	if pgConfig.AutoMigrate {
		if err := MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &PostgresEventStore{storeCore: c, pool: pool, ownsPool: true}, nil
}

// NewPostgresEventStoreFromPool создает хранилище поверх существующего пула.
// Схема должна быть создана миграциями заранее.
func NewPostgresEventStoreFromPool(pool *pgxpool.Pool, config StoreConfig, opts ...StoreOption) (*PostgresEventStore, error) {
	if pool == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "postgres pool is nil")
	}
	c, err := newStoreCore("postgres", config, opts)
	if err != nil {
		return nil, err
	}
	return &PostgresEventStore{storeCore: c, pool: pool}, nil
}

// Name возвращает имя компонента
func (s *PostgresEventStore) Name() string {
	return "postgres-event-store"
}

// Type возвращает тип компонента
func (s *PostgresEventStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// HealthCheck проверяет соединение с базой
func (s *PostgresEventStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool возвращает пул соединений
func (s *PostgresEventStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close закрывает пул, если хранилище его создало
func (s *PostgresEventStore) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Append добавляет события в поток
func (s *PostgresEventStore) Append(ctx context.Context, streamID string, evts []events.Event, expected core.Option[int64]) error {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "append", streamID)
	defer span.End()

	envelopes, err := s.prepareAppend(streamID, evts)
	if err != nil {
		return err
	}

	if len(envelopes) == 0 {
		var current int64
		err := s.pool.QueryRow(ctx,
			`SELECT version FROM es_streams WHERE stream_id = $1`, streamID,
		).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return storageError(err, "failed to read stream version")
		}
		err = s.checkVersion(streamID, expected, current, 0)
		s.recordConflict(ctx, err)
		return err
	}

	current, err := s.appendTx(ctx, streamID, envelopes, expected)
	if err != nil {
		if isUniqueViolation(err) {
			// параллельная вставка того же (stream_id, version)
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

func (s *PostgresEventStore) appendTx(ctx context.Context, streamID string, envelopes []*serialization.Envelope, expected core.Option[int64]) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO es_streams (stream_id) VALUES ($1) ON CONFLICT (stream_id) DO NOTHING`,
		streamID,
	); err != nil {
		return 0, fmt.Errorf("failed to ensure stream: %w", err)
	}

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT version FROM es_streams WHERE stream_id = $1 FOR UPDATE`, streamID,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to lock stream: %w", err)
	}

	if err := s.checkVersion(streamID, expected, current, len(envelopes)); err != nil {
		return current, err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, positionLockKey); err != nil {
		return current, fmt.Errorf("failed to lock positions: %w", err)
	}

	batch := &pgx.Batch{}
	for i, env := range envelopes {
		env.Version = current + int64(i) + 1
		data, err := json.Marshal(env)
		if err != nil {
			return current, core.Wrap(err, core.ErrSerializationFailed, "failed to marshal envelope")
		}
		batch.Queue(
			`INSERT INTO es_events (id, stream_id, version, event_type, envelope)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), streamID, env.Version, env.EventType, data,
		)
	}
	batch.Queue(
		`UPDATE es_streams
		 SET created_at = CASE WHEN version = 0 THEN NOW() ELSE created_at END,
		     version = $2, updated_at = NOW(), deleted_at = NULL
		 WHERE stream_id = $1`,
		streamID, current+int64(len(envelopes)),
	)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return current, err
	}

	return current, tx.Commit(ctx)
}

const selectEvents = `SELECT global_position, id, stream_id, version, envelope, created_at FROM es_events `

func (s *PostgresEventStore) query(ctx context.Context, sql string, args ...interface{}) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageError(err, "failed to query events")
	}
	defer rows.Close()

	out := make([]StoredEvent, 0)
	for rows.Next() {
		var entry StoredEvent
		var envelope []byte
		if err := rows.Scan(&entry.GlobalPosition, &entry.ID, &entry.StreamID, &entry.Version, &envelope, &entry.CreatedAt); err != nil {
			return nil, storageError(err, "failed to scan event")
		}
		entry.Envelope = &serialization.Envelope{}
		if err := json.Unmarshal(envelope, entry.Envelope); err != nil {
			return nil, core.Wrap(err, core.ErrSerializationFailed, "failed to unmarshal envelope")
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to iterate events")
	}
	return out, nil
}

// ReadStream возвращает записи потока в диапазоне версий
func (s *PostgresEventStore) ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	return s.query(ctx, selectEvents+
		`WHERE stream_id = $1 AND version >= $2 AND ($3 <= 0 OR version <= $3)
		 ORDER BY version ASC LIMIT $4`,
		streamID, fromVersion, toVersion, s.pageSize(0))
}

// ReadAll возвращает записи всех потоков начиная с позиции
func (s *PostgresEventStore) ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	return s.query(ctx, selectEvents+
		`WHERE global_position >= $1 ORDER BY global_position ASC LIMIT $2`,
		fromPosition, s.pageSize(maxCount))
}

// ReadByType возвращает записи типа начиная с позиции
func (s *PostgresEventStore) ReadByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]StoredEvent, error) {
	return s.query(ctx, selectEvents+
		`WHERE event_type = $1 AND global_position >= $2 ORDER BY global_position ASC LIMIT $3`,
		eventType, fromPosition, s.pageSize(maxCount))
}

// GetEvents возвращает события потока
func (s *PostgresEventStore) GetEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]events.Event, error) {
	entries, err := s.ReadStream(ctx, streamID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetAllEvents возвращает события всех потоков
func (s *PostgresEventStore) GetAllEvents(ctx context.Context, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadAll(ctx, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetEventsByType возвращает события типа
func (s *PostgresEventStore) GetEventsByType(ctx context.Context, eventType string, fromPosition int64, maxCount int) ([]events.Event, error) {
	entries, err := s.ReadByType(ctx, eventType, fromPosition, maxCount)
	if err != nil {
		return nil, err
	}
	return s.decode(entries)
}

// GetStreamMetadata возвращает метаданные потока
func (s *PostgresEventStore) GetStreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error) {
	meta := &StreamMetadata{StreamID: streamID}
	var deletedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT version, created_at, updated_at, deleted_at FROM es_streams WHERE stream_id = $1`,
		streamID,
	).Scan(&meta.Version, &meta.CreatedAt, &meta.UpdatedAt, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return nil, storageError(err, "failed to read stream metadata")
	}
	meta.EventCount = meta.Version
	meta.CreatedAt = meta.CreatedAt.UTC()
	meta.UpdatedAt = meta.UpdatedAt.UTC()
	if deletedAt != nil && meta.Version == 0 {
		meta.IsDeleted = true
		meta.CreatedAt = time.Time{}
	}
	return meta, nil
}

// DeleteStream удаляет события и снимок потока
func (s *PostgresEventStore) DeleteStream(ctx context.Context, streamID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE es_streams SET version = 0, deleted_at = NOW(), updated_at = NOW() WHERE stream_id = $1`,
		streamID,
	); err != nil {
		return storageError(err, "failed to mark stream deleted")
	}
	tag, err := tx.Exec(ctx, `DELETE FROM es_events WHERE stream_id = $1`, streamID)
	if err != nil {
		return storageError(err, "failed to delete events")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM es_snapshots WHERE stream_id = $1`, streamID); err != nil {
		return storageError(err, "failed to delete snapshot")
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError(err, "failed to commit stream deletion")
	}

	if n := tag.RowsAffected(); n > 0 {
		s.logger.Log(logging.LevelInfo, "stream deleted",
			logging.Component(s.name),
			logging.StreamID(streamID),
			logging.Int64("count", n),
		)
	}
	return nil
}

// CreateSnapshot сохраняет снимок потока, заменяя предыдущий
func (s *PostgresEventStore) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if streamID == "" || version < 1 {
		return fmt.Errorf("%w: snapshot requires stream id and positive version", ErrInvalidArgument)
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO es_snapshots (stream_id, version, data, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (stream_id) DO UPDATE
		 SET version = EXCLUDED.version, data = EXCLUDED.data, created_at = EXCLUDED.created_at
		 WHERE es_snapshots.version <= EXCLUDED.version`,
		streamID, version, data,
	)
	return storageError(err, "failed to save snapshot")
}

// GetSnapshot возвращает последний снимок потока или nil
func (s *PostgresEventStore) GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	snap := &Snapshot{StreamID: streamID}
	err := s.pool.QueryRow(ctx,
		`SELECT version, data, created_at FROM es_snapshots WHERE stream_id = $1`, streamID,
	).Scan(&snap.Version, &snap.Data, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "failed to read snapshot")
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}
