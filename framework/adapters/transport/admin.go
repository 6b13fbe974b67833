// Package transport предоставляет административный HTTP API, WebSocket поток
// прогресса воспроизведения и gRPC health сервер.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/eventcore/framework/core"
	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/logging"
	"github.com/akriventsev/eventcore/framework/observability"
)

// AdminConfig конфигурация административного API
type AdminConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	BasePath        string        `env:"BASE_PATH" envDefault:"/api/v1"`
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"eventcore"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultAdminConfig возвращает конфигурацию по умолчанию
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		Addr:            ":8080",
		BasePath:        "/api/v1",
		ServiceName:     "eventcore",
		ShutdownTimeout: 30 * time.Second,
	}
}

// AdminDeps зависимости административного API. Replay, Projections,
// Health, Progress и Metrics необязательны.
type AdminDeps struct {
	Store       eventsourcing.EventStore
	Replay      *eventsourcing.ReplayEngine
	Projections *eventsourcing.ProjectionManager
	Health      *observability.HealthRegistry
	Progress    *ProgressHub
	Metrics     http.Handler
	Logger      logging.Logger
}

// AdminServer HTTP API для чтения потоков и управления воспроизведением
type AdminServer struct {
	config AdminConfig
	deps   AdminDeps
	logger logging.Logger
	router *gin.Engine

	// фоновые воспроизведения, запущенные без wait
	background sync.WaitGroup

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewAdminServer создает сервер и регистрирует маршруты
func NewAdminServer(config AdminConfig, deps AdminDeps) (*AdminServer, error) {
	if deps.Store == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "admin server requires an event store")
	}
	s := &AdminServer{
		config: config,
		deps:   deps,
		logger: logging.OrNop(deps.Logger),
		router: gin.New(),
	}
	s.routes()
	return s, nil
}

// Handler возвращает http.Handler сервера
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) routes() {
	r := s.router
	r.Use(gin.Recovery(), observability.HTTPTracingMiddleware(s.config.ServiceName), observability.CorrelationIDMiddleware(), s.accessLog())

	if s.deps.Health != nil {
		r.GET("/health", s.deps.Health.HealthCheckHandler())
		r.GET("/ready", s.deps.Health.ReadinessCheckHandler())
	}
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := r.Group(s.config.BasePath)
	api.GET("/events", s.readAll)
	api.GET("/streams/:id", s.readStream)
	api.GET("/streams/:id/metadata", s.streamMetadata)
	api.GET("/streams/:id/snapshot", s.streamSnapshot)
	api.DELETE("/streams/:id", s.deleteStream)

	if s.deps.Replay != nil {
		replay := api.Group("/replay")
		replay.POST("/all", s.replayAll)
		replay.POST("/resume", s.replayResume)
		replay.POST("/streams/:id", s.replayStream)
		replay.POST("/types/:type", s.replayType)
		replay.POST("/cancel", s.replayCancel)
		replay.GET("/progress", s.replayProgress)
		if s.deps.Progress != nil {
			replay.GET("/progress/ws", gin.WrapF(s.deps.Progress.ServeHTTP))
		}
	}

	if s.deps.Projections != nil {
		api.GET("/projections", s.listProjections)
		api.GET("/projections/:name", s.projectionStatus)
		api.POST("/projections/:name/rebuild", s.rebuildProjection)
	}
}

func (s *AdminServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := logging.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = logging.LevelWarn
		}
		s.logger.Log(level, "admin request",
			logging.Str("method", c.Request.Method),
			logging.Str("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration(time.Since(start)),
		)
	}
}

// Start запускает HTTP сервер (реализация core.Lifecycle)
func (s *AdminServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Log(logging.LevelError, "admin server failed", logging.Err(err))
		}
	}()
	s.running = true
	s.logger.Log(logging.LevelInfo, "admin server started", logging.Str("addr", s.config.Addr))
	return nil
}

// Stop останавливает сервер, отменяет воспроизведение и ждет фоновые запуски
func (s *AdminServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.running = false
	s.mu.Unlock()

	if s.deps.Replay != nil {
		s.deps.Replay.CancelReplay()
	}
	s.background.Wait()
	if s.deps.Progress != nil {
		s.deps.Progress.Close()
	}
	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли сервер (реализация core.Lifecycle)
func (s *AdminServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *AdminServer) Name() string {
	return "admin-server"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *AdminServer) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// statusFor переводит код ошибки в HTTP статус
func statusFor(err error) int {
	switch core.CodeOf(err) {
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrValidation, core.ErrInvalidConfig:
		return http.StatusBadRequest
	case core.ErrConcurrencyConflict, core.ErrReplayInProgress:
		return http.StatusConflict
	case core.ErrComponentShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "code": core.CodeOf(err)})
}

func queryInt64(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, core.Errorf(core.ErrValidation, "invalid %s: %q", key, raw)
	}
	return v, nil
}

func (s *AdminServer) readAll(c *gin.Context) {
	from, err := queryInt64(c, "from")
	if err != nil {
		writeError(c, err)
		return
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		writeError(c, err)
		return
	}
	var entries []eventsourcing.StoredEvent
	if eventType := c.Query("type"); eventType != "" {
		entries, err = s.deps.Store.ReadByType(c.Request.Context(), eventType, from, int(limit))
	} else {
		entries, err = s.deps.Store.ReadAll(c.Request.Context(), from, int(limit))
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries, "count": len(entries)})
}

func (s *AdminServer) readStream(c *gin.Context) {
	from, err := queryInt64(c, "from")
	if err != nil {
		writeError(c, err)
		return
	}
	to, err := queryInt64(c, "to")
	if err != nil {
		writeError(c, err)
		return
	}
	streamID := c.Param("id")
	entries, err := s.deps.Store.ReadStream(c.Request.Context(), streamID, from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": streamID, "events": entries, "count": len(entries)})
}

func (s *AdminServer) streamMetadata(c *gin.Context) {
	meta, err := s.deps.Store.GetStreamMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *AdminServer) streamSnapshot(c *gin.Context) {
	streamID := c.Param("id")
	var snapshot *eventsourcing.Snapshot
	err := observability.TraceStoreOperation(c.Request.Context(), "get_snapshot", streamID, func(ctx context.Context) error {
		var err error
		snapshot, err = s.deps.Store.GetSnapshot(ctx, streamID)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if snapshot == nil {
		writeError(c, core.Errorf(core.ErrNotFound, "no snapshot for stream %s", streamID))
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *AdminServer) deleteStream(c *gin.Context) {
	streamID := c.Param("id")
	err := observability.TraceStoreOperation(c.Request.Context(), "delete_stream", streamID, func(ctx context.Context) error {
		return s.deps.Store.DeleteStream(ctx, streamID)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReplayRequest параметры запуска воспроизведения
type ReplayRequest struct {
	FromPosition  int64    `json:"from_position"`
	FromVersion   int64    `json:"from_version"`
	ToVersion     int64    `json:"to_version"`
	MaxCount      int      `json:"max_count"`
	EventTypes    []string `json:"event_types"`
	AggregateIDs  []string `json:"aggregate_ids"`
	AggregateType string   `json:"aggregate_type"`
	// Wait выполняет воспроизведение синхронно и возвращает итоговый прогресс
	Wait bool `json:"wait"`
}

// Filter собирает фильтр из параметров запроса. nil означает все события.
func (r ReplayRequest) Filter() events.Filter {
	var filters []events.Filter
	if len(r.EventTypes) > 0 {
		filters = append(filters, events.ByEventType(r.EventTypes...))
	}
	if len(r.AggregateIDs) > 0 {
		filters = append(filters, events.ByAggregateID(r.AggregateIDs...))
	}
	if r.AggregateType != "" {
		filters = append(filters, events.ByAggregateType(r.AggregateType))
	}
	if len(filters) == 0 {
		return nil
	}
	return events.And(filters...)
}

func bindReplayRequest(c *gin.Context) (ReplayRequest, bool) {
	var req ReplayRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.Wrap(err, core.ErrValidation, "invalid replay request"))
		return req, false
	}
	return req, true
}

// startReplay выполняет run синхронно при wait или в фоне. В фоне ответ
// пишется только после того, как движок принял или отклонил запуск: 202 с
// прогрессом на момент запуска либо ошибка отказа.
func (s *AdminServer) startReplay(c *gin.Context, scope string, wait bool, run func(ctx context.Context) (*eventsourcing.ReplayProgress, error)) {
	traced := func(ctx context.Context) (*eventsourcing.ReplayProgress, error) {
		var progress *eventsourcing.ReplayProgress
		err := observability.TraceReplay(ctx, scope, func(ctx context.Context) error {
			var err error
			progress, err = run(ctx)
			return err
		})
		return progress, err
	}

	if wait {
		progress, err := traced(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, progress)
		return
	}

	started := make(chan error, 1)
	ctx := eventsourcing.WithStartNotify(context.WithoutCancel(c.Request.Context()), func(err error) {
		started <- err
	})
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_, err := traced(ctx)
		// запуск, завершившийся до уведомления движка, тоже отвечает клиенту
		eventsourcing.NotifyStart(ctx, err)
		if err != nil {
			s.logger.Log(logging.LevelError, "background replay failed",
				logging.Str("scope", scope),
				logging.Err(err),
			)
		}
	}()

	select {
	case err := <-started:
		if err != nil {
			writeError(c, err)
			return
		}
	case <-c.Request.Context().Done():
		return
	}
	body := gin.H{"status": "started", "scope": scope}
	if progress := s.deps.Replay.Progress(); progress != nil {
		body["progress"] = progress
	}
	c.JSON(http.StatusAccepted, body)
}

func (s *AdminServer) replayAll(c *gin.Context) {
	req, ok := bindReplayRequest(c)
	if !ok {
		return
	}
	s.startReplay(c, "all", req.Wait, func(ctx context.Context) (*eventsourcing.ReplayProgress, error) {
		return s.deps.Replay.ReplayAllEvents(ctx, req.FromPosition, req.Filter())
	})
}

func (s *AdminServer) replayResume(c *gin.Context) {
	req, ok := bindReplayRequest(c)
	if !ok {
		return
	}
	s.startReplay(c, "resume", req.Wait, func(ctx context.Context) (*eventsourcing.ReplayProgress, error) {
		return s.deps.Replay.ResumeAllEvents(ctx, req.Filter())
	})
}

func (s *AdminServer) replayStream(c *gin.Context) {
	req, ok := bindReplayRequest(c)
	if !ok {
		return
	}
	streamID := c.Param("id")
	s.startReplay(c, "stream", req.Wait, func(ctx context.Context) (*eventsourcing.ReplayProgress, error) {
		return s.deps.Replay.ReplayStream(ctx, streamID, req.FromVersion, req.ToVersion, req.Filter())
	})
}

func (s *AdminServer) replayType(c *gin.Context) {
	req, ok := bindReplayRequest(c)
	if !ok {
		return
	}
	eventType := c.Param("type")
	s.startReplay(c, "type", req.Wait, func(ctx context.Context) (*eventsourcing.ReplayProgress, error) {
		return s.deps.Replay.ReplayEventsByType(ctx, eventType, req.FromPosition, req.MaxCount)
	})
}

func (s *AdminServer) replayCancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.deps.Replay.CancelReplay()})
}

func (s *AdminServer) replayProgress(c *gin.Context) {
	progress := s.deps.Replay.Progress()
	if progress == nil {
		writeError(c, core.NewError(core.ErrNotFound, "no replay has been started"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"replaying": s.deps.Replay.IsReplaying(),
		"progress":  progress,
	})
}

func (s *AdminServer) listProjections(c *gin.Context) {
	names := s.deps.Projections.Names()
	statuses := make([]*eventsourcing.ProjectionStatus, 0, len(names))
	for _, name := range names {
		status, err := s.deps.Projections.Status(name)
		if err != nil {
			// проекцию могли снять с регистрации между вызовами
			continue
		}
		statuses = append(statuses, status)
	}
	c.JSON(http.StatusOK, gin.H{"projections": statuses})
}

func (s *AdminServer) projectionStatus(c *gin.Context) {
	status, err := s.deps.Projections.Status(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *AdminServer) rebuildProjection(c *gin.Context) {
	progress, err := s.deps.Projections.Rebuild(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, fmt.Errorf("rebuild %s: %w", c.Param("name"), err))
		return
	}
	c.JSON(http.StatusOK, progress)
}
