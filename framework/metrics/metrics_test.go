package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelRecorder_Counter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := NewOTelRecorder(provider.Meter("test"))
	ctx := context.Background()

	recorder.IncCounter(ctx, EventStoreAppendsTotal, map[string]string{"stream_id": "s-1"}, 1)
	recorder.IncCounter(ctx, EventStoreAppendsTotal, map[string]string{"stream_id": "s-1"}, 2)
	recorder.ObserveHistogram(ctx, EventBusHandlerDuration, nil, 0.25)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		found[m.Name] = m
	}

	counter, ok := found[EventStoreAppendsTotal]
	require.True(t, ok, "counter not exported")
	sum, ok := counter.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	hist, ok := found[EventBusHandlerDuration]
	require.True(t, ok, "histogram not exported")
	h, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, h.DataPoints, 1)
	assert.Equal(t, uint64(1), h.DataPoints[0].Count)
}

func TestInMemoryRecorder(t *testing.T) {
	r := NewInMemoryRecorder()
	ctx := context.Background()

	r.IncCounter(ctx, ReplayEventsTotal, map[string]string{"result": "ok"}, 2)
	r.IncCounter(ctx, ReplayEventsTotal, map[string]string{"result": "failed"}, 1)
	r.ObserveHistogram(ctx, ReplayBatchDuration, nil, 0.1)

	assert.Equal(t, int64(3), r.Counter(ReplayEventsTotal, nil))
	assert.Equal(t, int64(2), r.Counter(ReplayEventsTotal, map[string]string{"result": "ok"}))
	assert.Equal(t, 1, r.Observations(ReplayBatchDuration, nil))
	assert.Equal(t, int64(0), r.Counter("unknown", nil))
}

func TestSetupMetrics_Prometheus(t *testing.T) {
	setup, err := SetupMetrics(&MetricsConfig{
		ExporterType:  "prometheus",
		ResourceAttrs: map[string]string{"service.name": "eventcore-test"},
	})
	require.NoError(t, err)
	defer setup.Shutdown(context.Background())

	setup.Recorder.IncCounter(context.Background(), EventBusEventsTotal, map[string]string{"event_type": "OrderPlaced"}, 1)

	srv := httptest.NewServer(setup.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "eventbus_events_total"), string(body))
}

func TestSetupMetrics_UnknownExporter(t *testing.T) {
	_, err := SetupMetrics(&MetricsConfig{ExporterType: "carrier-pigeon"})
	assert.Error(t, err)
}
