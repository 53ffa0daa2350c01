package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("media_cache_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("media_cache_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("media_cache_http_request_duration_seconds")
	require.NoError(t, err)

	resolvesTotal, err := meter.Int64Counter("media_cache_resolves_total")
	require.NoError(t, err)

	resolveDuration, err := meter.Float64Histogram("media_cache_resolve_duration_seconds")
	require.NoError(t, err)

	evictionsTotal, err := meter.Int64Counter("media_cache_evictions_total")
	require.NoError(t, err)

	evictionBytesTotal, err := meter.Int64Counter("media_cache_eviction_bytes_total")
	require.NoError(t, err)

	persistenceDisabled, err := meter.Int64Gauge("media_cache_persistence_disabled")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:       requestsTotal,
		responseBytesTotal:  responseBytesTotal,
		requestDuration:     requestDuration,
		resolvesTotal:       resolvesTotal,
		resolveDuration:     resolveDuration,
		evictionsTotal:      evictionsTotal,
		evictionBytesTotal:  evictionBytesTotal,
		persistenceDisabled: persistenceDisabled,
		meterProvider:       mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func attrValue(dp metricdata.DataPoint[int64], key string) string {
	v, _ := dp.Attributes.Value(attribute.Key(key))
	return v.AsString()
}

func TestRecordResolve(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordResolve(context.Background(), "image", CacheMemoryHit, 5*time.Millisecond)
	RecordResolve(context.Background(), "image", CacheMiss, 200*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "media_cache_resolves_total")
	require.Len(t, dps, 2)

	results := map[string]int64{}
	for _, dp := range dps {
		require.Equal(t, "image", attrValue(dp, "class"))
		results[attrValue(dp, "result")] = dp.Value
	}
	require.Equal(t, int64(1), results["memory_hit"])
	require.Equal(t, int64(1), results["miss"])
}

func TestRecordEviction(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEviction(context.Background(), "video", "budget", 1024)
	RecordEviction(context.Background(), "video", "budget", 2048)
	RecordEviction(context.Background(), "image", "orphan", 0)

	rm := collectMetrics(t, reader)

	evictions := findCounter(rm, "media_cache_evictions_total")
	require.Len(t, evictions, 2)

	bytes := findCounter(rm, "media_cache_eviction_bytes_total")
	require.Len(t, bytes, 1)
	require.Equal(t, int64(3072), bytes[0].Value)
	require.Equal(t, "video", attrValue(bytes[0], "class"))
}

func TestRecordHTTPReadsTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/media", nil)
	r = InjectTags(r)
	SetAssetClass(r, "thumbnail")
	SetCacheResult(r, CacheDiskHit)

	RecordHTTP(r.Context(), r, http.StatusOK, 512, 3*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "media_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.Equal(t, "thumbnail", attrValue(dps[0], "class"))
	require.Equal(t, "2xx", attrValue(dps[0], "status_class"))
	require.Equal(t, "disk_hit", attrValue(dps[0], "cache_result"))
}

func TestRecordIsNoopWithoutInit(t *testing.T) {
	globalMetrics = nil

	// None of these may panic when metrics are not initialised.
	RecordResolve(context.Background(), "image", CacheMiss, time.Millisecond)
	RecordEviction(context.Background(), "image", "budget", 1)
	RecordBlobWrite(context.Background(), "image", 1)
	RecordBackendOp(context.Background(), "filesystem", "write", "success", time.Millisecond, 1)
	SetPersistenceDisabled(context.Background(), true)
	UpdateClassTotals(context.Background(), "image", 1, 1)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(100))
}

func TestPrometheusHandlerDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
