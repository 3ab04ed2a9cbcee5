package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector against an arbitrary
// prometheus.Registerer, lazily registering one Counter/Histogram/Gauge
// vec per metric name the first time it is observed — the teacher
// declares each metric as a package-level promauto var up front; here
// names arrive dynamically from callers, so vecs are created on first use
// and cached by metric name alone; the label keys of the first call for a
// name fix that vec's label set.
type PrometheusCollector struct {
	reg prometheus.Registerer

	mu          sync.Mutex
	counters    map[string]*prometheus.CounterVec
	histograms  map[string]*prometheus.HistogramVec
	gauges      map[string]*prometheus.GaugeVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusCollector{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

func (c *PrometheusCollector) IncCounter(name string, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_" + name + "_total",
			Help: "relay counter: " + name,
		}, labelKeys(labels))
		_ = c.reg.Register(vec)
		c.counters[name] = vec
	}
	c.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Inc()
}

func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_" + name + "_seconds",
			Help:    "relay histogram: " + name,
			Buckets: prometheus.DefBuckets,
		}, labelKeys(labels))
		_ = c.reg.Register(vec)
		c.histograms[name] = vec
	}
	c.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(value)
}

func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_" + name,
			Help: "relay gauge: " + name,
		}, labelKeys(labels))
		_ = c.reg.Register(vec)
		c.gauges[name] = vec
	}
	c.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}
