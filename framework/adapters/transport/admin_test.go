package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/akriventsev/eventcore/framework/events"
	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/observability"
	estesting "github.com/akriventsev/eventcore/framework/testing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type adminFixture struct {
	store    *eventsourcing.InMemoryEventStore
	bus      *events.EventSubscriber
	engine   *eventsourcing.ReplayEngine
	server   *AdminServer
	received atomic.Int32
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	ctx := context.Background()

	env := estesting.NewInMemoryTestEnvironment(t, eventsourcing.DefaultStoreConfig())
	for _, id := range []string{"order-1", "order-2"} {
		env.Seed(t, id, "OrderPlaced", 1)
		env.Seed(t, id, "OrderPaid", 1)
	}
	store := env.Store
	require.NoError(t, store.CreateSnapshot(ctx, "order-1", 2, []byte(`{"paid":true}`)))

	f := &adminFixture{store: store, bus: env.Subscriber}
	for _, eventType := range []string{"OrderPlaced", "OrderPaid"} {
		_, err := f.bus.Subscribe(eventType, events.EventHandlerFunc(func(context.Context, events.Event) error {
			f.received.Add(1)
			return nil
		}))
		require.NoError(t, err)
	}

	config := eventsourcing.DefaultReplayConfig()
	config.DelayBetweenBatches = 0
	f.engine = env.NewReplayEngine(t, config)

	projections, err := eventsourcing.NewProjectionManager(store, events.NewEventSubscriber(), config, nil)
	require.NoError(t, err)
	require.NoError(t, projections.Register(eventsourcing.NewProjectionBuilder("placed").
		OnEvent("OrderPlaced", func(context.Context, events.Event) error { return nil }).
		Build()))

	health := observability.NewHealthRegistry(time.Second)
	health.RegisterHealthCheck(observability.NewHealthCheck("store", func(context.Context) error { return nil }))

	f.server, err = NewAdminServer(DefaultAdminConfig(), AdminDeps{
		Store:       store,
		Replay:      f.engine,
		Projections: projections,
		Health:      health,
		Progress:    NewProgressHub(DefaultWebSocketConfig(), nil),
	})
	require.NoError(t, err)
	return f
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestAdminServer_Streams(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/streams/order-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stream struct {
		StreamID string                      `json:"stream_id"`
		Events   []eventsourcing.StoredEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stream))
	require.Len(t, stream.Events, 2)
	assert.Equal(t, int64(1), stream.Events[0].Version)
	assert.Equal(t, "OrderPaid", stream.Events[1].EventType())

	w = f.do(t, http.MethodGet, "/api/v1/streams/order-1?from=2", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stream))
	assert.Len(t, stream.Events, 1)

	w = f.do(t, http.MethodGet, "/api/v1/streams/order-1?from=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/streams/order-1/metadata", "")
	require.Equal(t, http.StatusOK, w.Code)
	var meta eventsourcing.StreamMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, int64(2), meta.Version)

	w = f.do(t, http.MethodGet, "/api/v1/streams/order-1/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot eventsourcing.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(2), snapshot.Version)
	assert.JSONEq(t, `{"paid":true}`, string(snapshot.Data))

	w = f.do(t, http.MethodGet, "/api/v1/streams/order-2/snapshot", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events?type=OrderPaid", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = f.do(t, http.MethodDelete, "/api/v1/streams/order-2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestAdminServer_ReplayWait(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/replay/progress", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/replay/all", `{"wait":true,"event_types":["OrderPlaced"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var progress eventsourcing.ReplayProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, int64(2), progress.TotalEvents)
	assert.True(t, progress.IsComplete)
	assert.Equal(t, int32(2), f.received.Load())

	w = f.do(t, http.MethodPost, "/api/v1/replay/streams/order-1", `{"wait":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, int64(2), progress.ProcessedEvents)

	w = f.do(t, http.MethodPost, "/api/v1/replay/types/OrderPaid", `{"wait":true,"max_count":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, int64(1), progress.ProcessedEvents)

	w = f.do(t, http.MethodGet, "/api/v1/replay/progress", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"replaying":false`)

	// resume без имени контрольной точки
	w = f.do(t, http.MethodPost, "/api/v1/replay/resume", `{"wait":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/replay/all", `{"wait":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminServer_ReplayBackground(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/replay/all", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return f.received.Load() == 4 && !f.engine.IsReplaying()
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.server.Stop(context.Background()))

	w = f.do(t, http.MethodPost, "/api/v1/replay/cancel", "")
	assert.Contains(t, w.Body.String(), `"cancelled":false`)
}

func TestAdminServer_ConcurrentBackgroundReplays(t *testing.T) {
	f := newAdminFixture(t)
	release := make(chan struct{})
	_, err := f.bus.Subscribe("OrderPlaced", events.EventHandlerFunc(func(ctx context.Context, _ events.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	require.NoError(t, err)

	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			codes <- f.do(t, http.MethodPost, "/api/v1/replay/all", "").Code
		}()
	}
	got := []int{<-codes, <-codes}
	assert.ElementsMatch(t, []int{http.StatusAccepted, http.StatusConflict}, got)

	close(release)
	require.Eventually(t, func() bool { return !f.engine.IsReplaying() }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.server.Stop(context.Background()))
}

func TestAdminServer_BackgroundReplayRejectedAtSetup(t *testing.T) {
	f := newAdminFixture(t)

	// resume без имени контрольной точки отклоняется до ответа клиенту
	w := f.do(t, http.MethodPost, "/api/v1/replay/resume", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, f.engine.IsReplaying())
}

func TestAdminServer_ProjectionsAndHealth(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/projections", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"placed"`)

	w = f.do(t, http.MethodPost, "/api/v1/projections/placed/rebuild", "")
	require.Equal(t, http.StatusOK, w.Code)
	var progress eventsourcing.ReplayProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, int64(2), progress.ProcessedEvents)

	w = f.do(t, http.MethodGet, "/api/v1/projections/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewAdminServer_RequiresStore(t *testing.T) {
	_, err := NewAdminServer(DefaultAdminConfig(), AdminDeps{})
	assert.Error(t, err)
}

func TestProgressHub(t *testing.T) {
	hub := NewProgressHub(DefaultWebSocketConfig(), nil)
	hub.Publish(eventsourcing.ReplayProgress{TotalEvents: 10, ProcessedEvents: 3})

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var got eventsourcing.ReplayProgress
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int64(3), got.ProcessedEvents)

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(eventsourcing.ReplayProgress{TotalEvents: 10, ProcessedEvents: 10, IsComplete: true})
	require.NoError(t, conn.ReadJSON(&got))
	assert.True(t, got.IsComplete)

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestGRPCServer_Health(t *testing.T) {
	registry := observability.NewHealthRegistry(time.Second)
	var healthy atomic.Bool
	healthy.Store(true)
	registry.RegisterHealthCheck(observability.NewHealthCheck("store", func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return assert.AnError
	}))

	config := DefaultGRPCConfig()
	config.HealthInterval = 10 * time.Millisecond
	server := NewGRPCServer(config, registry, nil)

	lis := bufconn.Listen(1024 * 1024)
	ctx := context.Background()
	require.NoError(t, server.Serve(ctx, lis))
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	assert.True(t, server.IsRunning())

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	healthy.Store(false)
	assert.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)
}
