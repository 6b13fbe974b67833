package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/observability"
)

// replayArgs аргументы команды replay
type replayArgs struct {
	scope      string
	streamID   string
	eventType  string
	from       int64
	to         int64
	maxCount   int
	eventTypes string
}

func parseReplayArgs(args []string) (replayArgs, error) {
	var ra replayArgs
	fs := newFlagSet("replay")
	fs.StringVar(&ra.scope, "scope", "all", "Replay scope: all, resume, stream or type")
	fs.StringVar(&ra.streamID, "stream", "", "Stream ID for scope=stream")
	fs.StringVar(&ra.eventType, "type", "", "Event type for scope=type")
	fs.Int64Var(&ra.from, "from", 0, "Start position (all, type) or version (stream)")
	fs.Int64Var(&ra.to, "to", 0, "End version for scope=stream, 0 means no bound")
	fs.IntVar(&ra.maxCount, "max-count", 0, "Maximum events for scope=type, 0 means all")
	fs.StringVar(&ra.eventTypes, "event-types", "", "Comma separated event types filter (all, resume, stream)")
	if err := fs.Parse(args); err != nil {
		return ra, core.Wrap(err, core.ErrValidation, "invalid replay flags")
	}

	switch ra.scope {
	case "all", "resume":
	case "stream":
		if ra.streamID == "" {
			return ra, core.NewError(core.ErrValidation, "--stream is required for scope=stream")
		}
	case "type":
		if ra.eventType == "" {
			return ra, core.NewError(core.ErrValidation, "--type is required for scope=type")
		}
	default:
		return ra, core.Errorf(core.ErrValidation, "unknown replay scope %q", ra.scope)
	}
	return ra, nil
}

func (ra replayArgs) filter() events.Filter {
	if ra.eventTypes == "" {
		return nil
	}
	return events.ByEventType(strings.Split(ra.eventTypes, ",")...)
}

// run выполняет воспроизведение выбранного вида
func (ra replayArgs) run(ctx context.Context, engine *eventsourcing.ReplayEngine) (*eventsourcing.ReplayProgress, error) {
	switch ra.scope {
	case "resume":
		return engine.ResumeAllEvents(ctx, ra.filter())
	case "stream":
		return engine.ReplayStream(ctx, ra.streamID, ra.from, ra.to, ra.filter())
	case "type":
		return engine.ReplayEventsByType(ctx, ra.eventType, ra.from, ra.maxCount)
	default:
		return engine.ReplayAllEvents(ctx, ra.from, ra.filter())
	}
}

func runReplay(ctx context.Context, cfg Config, args []string) error {
	ra, err := parseReplayArgs(args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	engine, err := a.newReplayEngine(eventsourcing.WithProgressCallback(func(p eventsourcing.ReplayProgress) {
		a.logger.Log(logging.LevelInfo, "replay progress",
			logging.Int64("processed", p.ProcessedEvents),
			logging.Int64("failed", p.FailedEvents),
			logging.Int64("total", p.TotalEvents),
			logging.Position(p.CurrentPosition),
		)
	}))
	if err != nil {
		return err
	}

	var progress *eventsourcing.ReplayProgress
	err = observability.TraceReplay(ctx, ra.scope, func(ctx context.Context) error {
		var err error
		progress, err = ra.run(ctx, engine)
		return err
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(progress)
}
