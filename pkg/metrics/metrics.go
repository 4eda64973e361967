// Package metrics provides metrics collection for the risk engine and the
// agent around it. It includes a collector interface and a
// Prometheus-backed implementation.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Implement this interface to use custom metrics backends.
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler

	// Reset clears all metrics (for testing)
	Reset()
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Default Metrics - Standard metrics for the risk engine
// =============================================================================

var (
	// Engine metrics
	EngineAnalysesTotal = MetricDefinition{
		Name:   "extrisk_engine_analyses_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of extension analyses executed",
		Labels: []string{"mode", "status"},
	}
	EngineAnalysisDuration = MetricDefinition{
		Name:    "extrisk_engine_analysis_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of extension analyses in seconds",
		Labels:  []string{"mode"},
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	EngineFindingsTotal = MetricDefinition{
		Name:   "extrisk_engine_findings_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of findings surfaced in reports",
		Labels: []string{"severity"},
	}
	EngineVerdictsTotal = MetricDefinition{
		Name:   "extrisk_engine_verdicts_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of verdicts by classification",
		Labels: []string{"classification"},
	}
	EngineAutoRejectsTotal = MetricDefinition{
		Name: "extrisk_engine_auto_rejects_total",
		Type: MetricTypeCounter,
		Help: "Total number of analyses ending in auto-reject",
	}
	EngineChainsTotal = MetricDefinition{
		Name:   "extrisk_engine_attack_chains_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of attack chains detected",
		Labels: []string{"chain"},
	}
	EngineDegradedTotal = MetricDefinition{
		Name:   "extrisk_engine_degraded_signals_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of degraded scoring components",
		Labels: []string{"component"},
	}

	// Publish pipeline metrics
	PipelineQueueDepth = MetricDefinition{
		Name: "extrisk_pipeline_queue_depth",
		Type: MetricTypeGauge,
		Help: "Current number of reports waiting for delivery",
	}
	PipelinePublishesTotal = MetricDefinition{
		Name:   "extrisk_pipeline_publishes_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of report deliveries",
		Labels: []string{"status"},
	}
	PipelineRetriesTotal = MetricDefinition{
		Name: "extrisk_pipeline_retries_total",
		Type: MetricTypeCounter,
		Help: "Total number of delivery retries",
	}

	// Store metrics
	StoreScansTotal = MetricDefinition{
		Name:   "extrisk_store_scans_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of reports persisted",
		Labels: []string{"risk_level"},
	}
	StorePrunedTotal = MetricDefinition{
		Name: "extrisk_store_pruned_total",
		Type: MetricTypeCounter,
		Help: "Total number of scan records pruned by retention",
	}
)

// AllDefinitions returns every standard metric definition.
func AllDefinitions() []MetricDefinition {
	return []MetricDefinition{
		EngineAnalysesTotal,
		EngineAnalysisDuration,
		EngineFindingsTotal,
		EngineVerdictsTotal,
		EngineAutoRejectsTotal,
		EngineChainsTotal,
		EngineDegradedTotal,
		PipelineQueueDepth,
		PipelinePublishesTotal,
		PipelineRetriesTotal,
		StoreScansTotal,
		StorePrunedTotal,
	}
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
// Use this when metrics are not needed.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) GaugeInc(name string, labels ...string)                        {}
func (c *NopCollector) GaugeDec(name string, labels ...string)                        {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }
func (c *NopCollector) Reset()                                                        {}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)]++
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)]--
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]float64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
