package cache

import "time"

// Operation identifies the cache method being instrumented.
type Operation string

const (
	OpGet         Operation = "get"
	OpStore       Operation = "store"
	OpDelete      Operation = "delete"
	OpStats       Operation = "stats"
	OpPurge       Operation = "purge"
	OpMaintenance Operation = "maintenance"
)

// Outcome captures the result of an operation.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeOK      Outcome = "ok"
	OutcomeCorrupt Outcome = "corrupt"
	OutcomeError   Outcome = "error"
)

// Metrics receives an event for every completed operation and every retry.
type Metrics interface {
	ObserveOperation(op Operation, outcome Outcome, duration time.Duration)
	ObserveRetry(op Operation)
}

// NoopMetrics discards every event, it is the default.
type NoopMetrics struct{}

func (NoopMetrics) ObserveOperation(Operation, Outcome, time.Duration) {}
func (NoopMetrics) ObserveRetry(Operation)                             {}
