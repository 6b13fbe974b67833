// Команда eventcore запускает хранилище событий с административным API,
// применяет миграции PostgreSQL и выполняет разовое воспроизведение событий.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "serve":
		err = runServe(ctx, cfg)
	case "migrate":
		err = runMigrate(ctx, cfg, os.Args[2:])
	case "replay":
		err = runReplay(ctx, cfg, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Eventcore")
	fmt.Println()
	fmt.Println("Usage: eventcore <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    - Run event store with admin HTTP and gRPC health servers")
	fmt.Println("  migrate up|down|status   - Manage PostgreSQL schema (EVENTCORE_STORE_POSTGRES_DSN)")
	fmt.Println("  replay [flags]           - Replay stored events to the configured message bus")
	fmt.Println()
	fmt.Println("Configuration is read from EVENTCORE_* environment variables.")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}
