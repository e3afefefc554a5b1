package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, agg metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)

	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecorder_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	ctx := context.Background()
	r := NewRecorder(provider)

	r.ExportAttempt(ctx)
	r.ExportAttempt(ctx)
	r.ExportOutcome(ctx, "delivered", 20*time.Millisecond)
	r.ExportOutcome(ctx, "rejected", 5*time.Millisecond)
	r.BatchDropped(ctx, 3)
	r.BatchDropped(ctx, 0)
	r.CrashRecovered(ctx, true)
	r.CrashRecovered(ctx, false)
	r.CredentialRefresh(ctx, nil)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, data[MetricExportAttempts], "", ""))
	assert.Equal(t, int64(1), sumFor(t, data[MetricExportOutcomes], "outcome", "delivered"))
	assert.Equal(t, int64(1), sumFor(t, data[MetricExportOutcomes], "outcome", "rejected"))
	assert.Equal(t, int64(3), sumFor(t, data[MetricBatchDropped], "", ""))
	assert.Equal(t, int64(1), sumFor(t, data[MetricCrashRecovered], "recovered_context", "true"))
	assert.Equal(t, int64(1), sumFor(t, data[MetricCrashRecovered], "recovered_context", "false"))
	assert.Equal(t, int64(1), sumFor(t, data[MetricCredentialRefreshes], "status", "success"))

	hist, ok := data[MetricExportDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecorder_Health(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(nil)

	r.ExportOutcome(ctx, "failed", time.Millisecond)
	r.CredentialRefresh(ctx, errors.New("sts unavailable"))

	h := r.Health()
	assert.Equal(t, int64(1), h.Failed)
	assert.Equal(t, int64(1), h.CredentialErrors)
	assert.Equal(t, "sts unavailable", h.LastError)

	rec := httptest.NewRecorder()
	r.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed":1`)

	r.ExportOutcome(ctx, "delivered", time.Millisecond)
	rec = httptest.NewRecorder()
	r.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	assert.NotPanics(t, func() {
		r.ExportAttempt(ctx)
		r.ExportOutcome(ctx, "delivered", time.Second)
		r.BatchDropped(ctx, 1)
		r.CrashRecovered(ctx, true)
		r.CredentialRefresh(ctx, nil)
		r.Failure(errors.New("x"))
	})
	assert.Equal(t, Health{}, r.Health())
}

func TestMetricInstruments_CachesInstruments(t *testing.T) {
	m := NewMetricInstruments(nil)
	ctx := context.Background()
	require.NoError(t, m.RecordCounter(ctx, "c", 1))
	require.NoError(t, m.RecordCounter(ctx, "c", 1))
	require.NoError(t, m.RecordHistogram(ctx, "h", 1.5))
	assert.Len(t, m.counters, 1)
	assert.Len(t, m.histograms, 1)
}
