package metrics

import (
	"fmt"

	"github.com/flanksource/resultcache/cache"
	dto "github.com/prometheus/client_model/go"
)

const (
	operationsMetric = "resultcache_operations_total"
	retriesMetric    = "resultcache_lock_retries_total"
)

// Snapshot is a point in time copy of a recorder's counters. Worker
// processes hand it to their parent as JSON.
type Snapshot struct {
	Operations map[string]float64 `json:"operations"` // keyed by "operation/outcome"
	Retries    map[string]float64 `json:"retries"`    // keyed by operation
}

// Snapshot gathers the current counter values
func (r *Recorder) Snapshot() (Snapshot, error) {
	snapshot := Snapshot{Operations: map[string]float64{}, Retries: map[string]float64{}}
	families, err := r.Gatherer().Gather()
	if err != nil {
		return snapshot, fmt.Errorf("failed to gather metrics: %w", err)
	}

	for _, family := range families {
		switch family.GetName() {
		case operationsMetric:
			for _, m := range family.GetMetric() {
				labels := labelMap(m)
				snapshot.Operations[labels["operation"]+"/"+labels["outcome"]] += m.GetCounter().GetValue()
			}
		case retriesMetric:
			for _, m := range family.GetMetric() {
				snapshot.Retries[labelMap(m)["operation"]] += m.GetCounter().GetValue()
			}
		}
	}
	return snapshot, nil
}

// Merge adds other's counters into s
func (s *Snapshot) Merge(other Snapshot) {
	if s.Operations == nil {
		s.Operations = map[string]float64{}
	}
	if s.Retries == nil {
		s.Retries = map[string]float64{}
	}
	for k, v := range other.Operations {
		s.Operations[k] += v
	}
	for k, v := range other.Retries {
		s.Retries[k] += v
	}
}

// Count returns the number of operations that ended with outcome
func (s Snapshot) Count(op cache.Operation, outcome cache.Outcome) float64 {
	return s.Operations[string(op)+"/"+string(outcome)]
}

// RetryCount returns the number of retried attempts of op
func (s Snapshot) RetryCount(op cache.Operation) float64 {
	return s.Retries[string(op)]
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, pair := range m.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}
