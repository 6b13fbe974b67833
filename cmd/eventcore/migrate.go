package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/migrations"
)

func runMigrate(ctx context.Context, cfg Config, args []string) error {
	if len(args) == 0 {
		return core.NewError(core.ErrValidation, "migrate requires a subcommand: up, down or status")
	}
	pgConfig := cfg.StoreBackend().Postgres
	if err := pgConfig.Validate(); err != nil {
		return err
	}

	pool, err := eventsourcing.NewPostgresPool(ctx, pgConfig)
	if err != nil {
		return err
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	migrator, err := migrations.NewMigrator(db)
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d migration(s)\n", applied)
	case "down":
		if err := migrator.Down(ctx); err != nil {
			return err
		}
		fmt.Println("Rolled back 1 migration")
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Migration Status:")
		fmt.Println("================")
		for _, status := range statuses {
			fmt.Printf("[%s] %d - %s", status.Status, status.Version, status.Name)
			if status.AppliedAt != nil {
				fmt.Printf(" (applied at %s)", status.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
		}
	default:
		return core.Errorf(core.ErrValidation, "unknown migrate subcommand %q", args[0])
	}
	return nil
}
