// Package metrics provides metrics collection for the SQL gateway.
package metrics

import (
	"time"
)

// Gauges published by the server's reporting loop.
const (
	PoolOpenConnections  = "pool_open_connections"
	PoolInUseConnections = "pool_in_use_connections"
	ArrowBytesAllocated  = "arrow_bytes_allocated"
	ArrowBytesPeak       = "arrow_bytes_peak"
)

// Collector records counters, histograms and gauges by name. Label values
// are positional; a name keeps the label arity of its first use.
type Collector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	// StartTimer starts a timer whose Stop records into the histogram name.
	StartTimer(name string) Timer
}

// Timer measures one operation.
type Timer interface {
	Stop() time.Duration
}

// NoOpCollector discards everything. Used when metrics are disabled.
type NoOpCollector struct{}

// NewNoOpCollector returns a collector that records nothing.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

func (n *NoOpCollector) IncrementCounter(string, ...string)         {}
func (n *NoOpCollector) RecordHistogram(string, float64, ...string) {}
func (n *NoOpCollector) RecordGauge(string, float64, ...string)     {}

// StartTimer returns a timer that only measures.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &noOpTimer{start: time.Now()}
}

type noOpTimer struct {
	start time.Time
}

// Stop returns the elapsed time.
func (t *noOpTimer) Stop() time.Duration {
	return time.Since(t.start)
}
