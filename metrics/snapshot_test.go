package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/flanksource/resultcache/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderSnapshot(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveOperation(cache.OpGet, cache.OutcomeHit, time.Millisecond)
	rec.ObserveOperation(cache.OpGet, cache.OutcomeHit, time.Millisecond)
	rec.ObserveOperation(cache.OpGet, cache.OutcomeMiss, time.Millisecond)
	rec.ObserveOperation(cache.OpStore, cache.OutcomeOK, time.Millisecond)
	rec.ObserveRetry(cache.OpStore)

	snapshot, err := rec.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2.0, snapshot.Count(cache.OpGet, cache.OutcomeHit))
	assert.Equal(t, 1.0, snapshot.Count(cache.OpGet, cache.OutcomeMiss))
	assert.Equal(t, 1.0, snapshot.Count(cache.OpStore, cache.OutcomeOK))
	assert.Equal(t, 0.0, snapshot.Count(cache.OpDelete, cache.OutcomeOK))
	assert.Equal(t, 1.0, snapshot.RetryCount(cache.OpStore))
}

func TestSnapshotOfNilRecorderIsEmpty(t *testing.T) {
	var rec *Recorder
	snapshot, err := rec.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Operations)
	assert.Empty(t, snapshot.Retries)
}

func TestSnapshotMerge(t *testing.T) {
	var total Snapshot
	total.Merge(Snapshot{Operations: map[string]float64{"get/hit": 3}, Retries: map[string]float64{"store": 1}})
	total.Merge(Snapshot{Operations: map[string]float64{"get/hit": 2, "store/ok": 4}})

	assert.Equal(t, 5.0, total.Count(cache.OpGet, cache.OutcomeHit))
	assert.Equal(t, 4.0, total.Count(cache.OpStore, cache.OutcomeOK))
	assert.Equal(t, 1.0, total.RetryCount(cache.OpStore))
}

func TestSnapshotJSON(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveOperation(cache.OpDelete, cache.OutcomeOK, time.Millisecond)

	snapshot, err := rec.Snapshot()
	require.NoError(t, err)
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1.0, decoded.Count(cache.OpDelete, cache.OutcomeOK))
}
