package shelterbase

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const promNamespace = "shelterbase"

// PrometheusMetrics implements the Metrics interface using Prometheus.
// Tags are key/value pairs; the keys of the first call for a name fix that
// metric's label set.
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   prometheus.Registerer
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registerer
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the gateway's standard metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	factory := promauto.With(p.registry)

	for _, op := range []string{"create", "read", "update", "delete", "aggregate"} {
		p.counters[promNamespace+"."+op+".success"] = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: op,
			Name:      "success_total",
			Help:      "Successful " + op + " operations",
		}, []string{"collection"})

		p.counters[promNamespace+"."+op+".error"] = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: op,
			Name:      "errors_total",
			Help:      "Failed " + op + " operations by error kind",
		}, []string{"collection", "kind"})

		p.histograms[promNamespace+"."+op+".duration"] = factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: op,
			Name:      "duration_seconds",
			Help:      op + " duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"collection"})
	}

	p.histograms[MetricReadResults] = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "read",
		Name:      "results",
		Help:      "Number of documents returned by reads",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
	}, []string{"collection"})

	for name, help := range map[string]string{
		MetricCacheHits:          "Cache lookups served from a current entry",
		MetricCacheMisses:        "Cache lookups that went to the store",
		MetricCacheStale:         "Cache entries discarded for an old generation",
		MetricCacheDropped:       "Results not cached because a write raced the read",
		MetricCacheInvalidations: "Whole-cache invalidations caused by writes",
	} {
		p.counters[name] = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "cache",
			Name:      metricSuffix(name) + "_total",
			Help:      help,
		}, []string{"keyspace"})
	}

	p.gauges[MetricCacheGeneration] = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: "cache",
		Name:      "generation",
		Help:      "Current cache write generation",
	}, []string{})

	p.gauges[MetricCacheEntries] = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Number of cached result sets",
	}, []string{})

	p.counters[MetricUnindexedFilter] = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "query",
		Name:      "unindexed_filters_total",
		Help:      "Reads that filtered on fields without a declared index",
	}, []string{"field"})

	p.gauges[MetricConnectionState] = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: "connection",
		Name:      "state",
		Help:      "Store connection state (0 disconnected, 1 connected, 2 failed)",
	}, []string{})
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: promNamespace,
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: promNamespace,
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: promNamespace,
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// sanitizeMetricName turns "shelterbase.index.hits" into "index_hits".
func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, promNamespace+".")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func metricSuffix(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
