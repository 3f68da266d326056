package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flanksource/resultcache/cache"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderObserveOperation(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveOperation(cache.OpGet, cache.OutcomeHit, 10*time.Millisecond)
	rec.ObserveOperation(cache.OpGet, cache.OutcomeHit, 20*time.Millisecond)
	rec.ObserveOperation(cache.OpGet, cache.OutcomeMiss, time.Millisecond)
	rec.ObserveOperation(cache.OpStore, "", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.operations.WithLabelValues("get", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.operations.WithLabelValues("get", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.operations.WithLabelValues("store", "unknown")))

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	var found bool
	for _, family := range families {
		if family.GetName() != "resultcache_operation_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			if labels["operation"] == "get" && labels["outcome"] == "hit" {
				found = true
				assert.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())
				assert.InDelta(t, 0.03, metric.GetHistogram().GetSampleSum(), 0.001)
			}
		}
	}
	assert.True(t, found, "expected latency histogram for get/hit")
}

func TestRecorderObserveRetry(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRetry(cache.OpStore)
	rec.ObserveRetry(cache.OpStore)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.retries.WithLabelValues("store")))
}

func TestRecorderNilSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.ObserveOperation(cache.OpGet, cache.OutcomeHit, time.Millisecond)
		rec.ObserveRetry(cache.OpGet)
	})

	resp := httptest.NewRecorder()
	rec.Handler().ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, resp.Code)
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveOperation(cache.OpDelete, cache.OutcomeOK, time.Millisecond)

	resp := httptest.NewRecorder()
	rec.Handler().ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, resp.Code)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `resultcache_operations_total{operation="delete",outcome="ok"} 1`)
}
