package shelterbase

import (
	"sync"
	"time"
)

// Metrics provides observability for gateway and store operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names
const (
	MetricCreateSuccess     = "shelterbase.create.success"
	MetricCreateError       = "shelterbase.create.error"
	MetricCreateDuration    = "shelterbase.create.duration"
	MetricReadSuccess       = "shelterbase.read.success"
	MetricReadError         = "shelterbase.read.error"
	MetricReadDuration      = "shelterbase.read.duration"
	MetricReadResults       = "shelterbase.read.results"
	MetricUpdateSuccess     = "shelterbase.update.success"
	MetricUpdateError       = "shelterbase.update.error"
	MetricUpdateDuration    = "shelterbase.update.duration"
	MetricDeleteSuccess     = "shelterbase.delete.success"
	MetricDeleteError       = "shelterbase.delete.error"
	MetricDeleteDuration    = "shelterbase.delete.duration"
	MetricAggregateSuccess  = "shelterbase.aggregate.success"
	MetricAggregateError    = "shelterbase.aggregate.error"
	MetricAggregateDuration = "shelterbase.aggregate.duration"

	MetricValidationFailed = "shelterbase.validation.failed"
	MetricForbiddenField   = "shelterbase.update.forbidden"
	MetricUnsafeRejected   = "shelterbase.unsafe.rejected"
	MetricUnindexedFilter  = "shelterbase.query.unindexed"

	MetricCacheHits          = "shelterbase.cache.hits"
	MetricCacheMisses        = "shelterbase.cache.misses"
	MetricCacheStale         = "shelterbase.cache.stale"
	MetricCacheDropped       = "shelterbase.cache.dropped"
	MetricCacheInvalidations = "shelterbase.cache.invalidations"
	MetricCacheGeneration    = "shelterbase.cache.generation"
	MetricCacheEntries       = "shelterbase.cache.entries"

	MetricIndexEnsured  = "shelterbase.index.ensured"
	MetricIndexDegraded = "shelterbase.index.degraded"
	MetricIndexHits     = "shelterbase.index.hits"
	MetricIndexMisses   = "shelterbase.index.misses"
	MetricIndexErrors   = "shelterbase.index.errors"

	MetricBackendOps     = "shelterbase.backend.ops"
	MetricBackendErrors  = "shelterbase.backend.errors"
	MetricBackendLatency = "shelterbase.backend.latency"

	MetricConnectionState = "shelterbase.connection.state"
)
