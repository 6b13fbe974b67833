// Package migrations содержит встроенные goose миграции схемы PostgreSQL
// для хранилища событий и контрольных точек.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

// Files возвращает встроенные файлы миграций
func Files() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(fmt.Sprintf("migrations: embedded sql dir: %v", err))
	}
	return sub
}

// Migrator применяет встроенные миграции к базе
type Migrator struct {
	provider *goose.Provider
}

// NewMigrator создает Migrator для PostgreSQL
func NewMigrator(db *sql.DB) (*Migrator, error) {
	return NewMigratorFS(db, Files())
}

// NewMigratorFS создает Migrator для произвольного набора файлов миграций
func NewMigratorFS(db *sql.DB, files fs.FS) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: db is nil")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, files)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return &Migrator{provider: provider}, nil
}

// Up применяет все pending миграции и возвращает число примененных
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("failed to run migrations: %w", err)
	}
	return len(results), nil
}

// UpTo применяет миграции до версии включительно
func (m *Migrator) UpTo(ctx context.Context, version int64) error {
	if _, err := m.provider.UpTo(ctx, version); err != nil {
		return fmt.Errorf("failed to run migrations up to %d: %w", version, err)
	}
	return nil
}

// Down откатывает последнюю примененную миграцию
func (m *Migrator) Down(ctx context.Context) error {
	if _, err := m.provider.Down(ctx); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// DownTo откатывает миграции до версии (0 откатывает все)
func (m *Migrator) DownTo(ctx context.Context, version int64) error {
	if _, err := m.provider.DownTo(ctx, version); err != nil {
		return fmt.Errorf("failed to rollback migrations to %d: %w", version, err)
	}
	return nil
}

// Version возвращает текущую версию схемы
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	version, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// Status возвращает статус всех встроенных миграций
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	states, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}

	statuses := make([]MigrationStatus, 0, len(states))
	for _, st := range states {
		status := MigrationStatus{
			Version: st.Source.Version,
			Name:    st.Source.Path,
			Status:  "pending",
		}
		if st.State == goose.StateApplied {
			appliedAt := st.AppliedAt
			status.AppliedAt = &appliedAt
			status.Status = "applied"
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Sources возвращает версии и имена встроенных миграций без обращения к базе
func (m *Migrator) Sources() []MigrationStatus {
	sources := m.provider.ListSources()
	out := make([]MigrationStatus, 0, len(sources))
	for _, src := range sources {
		out = append(out, MigrationStatus{Version: src.Version, Name: src.Path, Status: "pending"})
	}
	return out
}
