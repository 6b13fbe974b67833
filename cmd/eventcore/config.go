package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/akriventsev/eventcore/framework/adapters/messagebus"
	"github.com/akriventsev/eventcore/framework/adapters/transport"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/observability"
)

// envPrefix префикс всех переменных окружения
const envPrefix = "EVENTCORE_"

// Config конфигурация процесса из переменных окружения
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	// Codec кодек реестра сериализации по умолчанию: json или msgpack
	Codec     string `env:"CODEC" envDefault:"json"`
	PprofAddr string `env:"PPROF_ADDR"`

	Store   StoreEnv                    `envPrefix:"STORE_"`
	Bus     BusEnv                      `envPrefix:"BUS_"`
	Replay  ReplayEnv                   `envPrefix:"REPLAY_"`
	Admin   transport.AdminConfig       `envPrefix:"ADMIN_"`
	GRPC    transport.GRPCConfig        `envPrefix:"GRPC_"`
	Tracing observability.TracingConfig `envPrefix:"TRACING_"`
}

// StoreEnv настройки хранилища событий
type StoreEnv struct {
	Backend            string `env:"BACKEND" envDefault:"inmemory"`
	MaxEventsPerRead   int    `env:"MAX_EVENTS_PER_READ" envDefault:"1000"`
	MaxEventsPerStream int64  `env:"MAX_EVENTS_PER_STREAM" envDefault:"10000"`
	SnapshotFrequency  int64  `env:"SNAPSHOT_FREQUENCY" envDefault:"0"`

	BadgerDir      string `env:"BADGER_DIR" envDefault:"./data/events"`
	BadgerInMemory bool   `env:"BADGER_IN_MEMORY"`

	PostgresDSN         string `env:"POSTGRES_DSN"`
	PostgresMaxConns    int32  `env:"POSTGRES_MAX_CONNS" envDefault:"25"`
	PostgresAutoMigrate bool   `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"eventcore"`
}

// BusEnv настройки брокера, через который публикуются события
type BusEnv struct {
	Type          string `env:"TYPE" envDefault:"inmemory"`
	SubjectPrefix string `env:"SUBJECT_PREFIX" envDefault:"events"`
	// Consume включает прием событий из брокера в локальные проекции
	Consume    bool     `env:"CONSUME"`
	EventTypes []string `env:"EVENT_TYPES" envSeparator:","`

	NATSURL   string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSQueue string `env:"NATS_QUEUE"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"eventcore"`

	RedisAddr  string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisGroup string `env:"REDIS_GROUP" envDefault:"eventcore"`
}

// ReplayEnv настройки движка воспроизведения
type ReplayEnv struct {
	BatchSize           int           `env:"BATCH_SIZE" envDefault:"100"`
	DelayBetweenBatches time.Duration `env:"DELAY_BETWEEN_BATCHES" envDefault:"10ms"`
	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"RETRY_DELAY" envDefault:"100ms"`
	EnableErrorRecovery bool          `env:"ENABLE_ERROR_RECOVERY" envDefault:"true"`
	CheckpointName      string        `env:"CHECKPOINT_NAME" envDefault:"eventcore-replay"`
}

// LoadConfig читает конфигурацию из окружения
func LoadConfig() (Config, error) {
	return loadConfig(nil)
}

func loadConfig(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: envPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.StoreBackend().Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.ReplayConfig().Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Tracing.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Logging возвращает конфигурацию логгера
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	return lc
}

// StoreBackend переводит настройки в конфигурацию фабрики хранилищ
func (c Config) StoreBackend() eventsourcing.StoreBackendConfig {
	bc := eventsourcing.DefaultStoreBackendConfig()
	bc.Backend = c.Store.Backend
	bc.Store.MaxEventsPerRead = c.Store.MaxEventsPerRead
	bc.Store.MaxEventsPerStream = c.Store.MaxEventsPerStream
	bc.Store.SnapshotFrequency = c.Store.SnapshotFrequency

	bc.Badger.Dir = c.Store.BadgerDir
	bc.Badger.InMemory = c.Store.BadgerInMemory

	bc.Postgres.DSN = c.Store.PostgresDSN
	bc.Postgres.MaxConns = c.Store.PostgresMaxConns
	bc.Postgres.AutoMigrate = c.Store.PostgresAutoMigrate

	bc.MongoDB.URI = c.Store.MongoURI
	bc.MongoDB.Database = c.Store.MongoDatabase
	return bc
}

// MessageBus переводит настройки в конфигурацию брокера
func (c Config) MessageBus() messagebus.Config {
	mc := messagebus.DefaultConfig()
	mc.Type = c.Bus.Type
	mc.InMemory.EnableOrdering = true
	mc.NATS.URL = c.Bus.NATSURL
	mc.NATS.Queue = c.Bus.NATSQueue
	mc.Kafka.Brokers = c.Bus.KafkaBrokers
	mc.Kafka.GroupID = c.Bus.KafkaGroupID
	mc.Redis.Addr = c.Bus.RedisAddr
	mc.Redis.ConsumerGroup = c.Bus.RedisGroup
	return mc
}

// ReplayConfig возвращает конфигурацию движка воспроизведения
func (c Config) ReplayConfig() eventsourcing.ReplayConfig {
	return eventsourcing.ReplayConfig{
		BatchSize:           c.Replay.BatchSize,
		DelayBetweenBatches: c.Replay.DelayBetweenBatches,
		MaxRetries:          c.Replay.MaxRetries,
		RetryDelay:          c.Replay.RetryDelay,
		EnableErrorRecovery: c.Replay.EnableErrorRecovery,
		CheckpointName:      c.Replay.CheckpointName,
	}
}
