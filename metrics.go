// metrics.go: metrics collection for hooks, injectors and the RPC channel
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MetricsCollector is the sink every component reports to.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)

	// GetMetrics returns a flat snapshot keyed by name and sorted labels.
	GetMetrics() map[string]interface{}
}

// DefaultMetricsCollector keeps metrics in memory.
type DefaultMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewDefaultMetricsCollector creates an empty in-memory collector.
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[metricKey(name, labels)] += value
}

func (c *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[metricKey(name, labels)] = value
}

func (c *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := metricKey(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
	// bounded window
	if n := len(c.histograms[key]); n > 1000 {
		c.histograms[key] = c.histograms[key][n-1000:]
	}
}

// Counter returns the current value of one counter series.
func (c *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[metricKey(name, labels)]
}

// Gauge returns the current value of one gauge series.
func (c *DefaultMetricsCollector) Gauge(name string, labels map[string]string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[metricKey(name, labels)]
}

func (c *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{}, len(c.counters)+len(c.gauges))
	for k, v := range c.counters {
		out[k] = v
	}
	for k, v := range c.gauges {
		out[k] = v
	}
	for k, v := range c.histograms {
		if len(v) == 0 {
			continue
		}
		sum := 0.0
		for _, x := range v {
			sum += x
		}
		out[k+"_count"] = len(v)
		out[k+"_sum"] = sum
	}
	return out
}

// metricKey renders name{a=1,b=2} with labels sorted by key.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := sortedLabelNames(labels)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sortedLabelNames(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrometheusMetricsCollector exports metrics through its own prometheus
// registry. Vectors are created on first use with the label names of that
// first observation; later observations with a different label set are dropped
// and logged. An in-memory mirror serves GetMetrics.
type PrometheusMetricsCollector struct {
	namespace string
	registry  *prometheus.Registry
	logger    Logger
	mirror    *DefaultMetricsCollector

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsCollector creates a collector. namespace prefixes every
// metric name unless the name already carries it.
func NewPrometheusMetricsCollector(namespace string, logger any) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		logger:     NewLogger(logger),
		mirror:     NewDefaultMetricsCollector(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the prometheus exposition format.
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetricsCollector) fqName(name string) string {
	if p.namespace == "" || strings.HasPrefix(name, p.namespace+"_") {
		return name
	}
	return p.namespace + "_" + name
}

func helpText(kind, name string) string {
	return fmt.Sprintf("%s %s", cases.Title(language.English).String(kind), strings.ReplaceAll(name, "_", " "))
}

func (p *PrometheusMetricsCollector) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("Metric registration failed", "metric", name, "error", err)
		return false
	}
	return true
}

func (p *PrometheusMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	p.mirror.IncrementCounter(name, labels, value)
	fq := p.fqName(name)

	p.mu.Lock()
	vec, ok := p.counters[fq]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: helpText("counter", name)}, sortedLabelNames(labels))
		if !p.register(fq, vec) {
			p.mu.Unlock()
			return
		}
		p.counters[fq] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("Counter label mismatch", "metric", fq, "error", err)
		return
	}
	c.Add(float64(value))
}

func (p *PrometheusMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	p.mirror.SetGauge(name, labels, value)
	fq := p.fqName(name)

	p.mu.Lock()
	vec, ok := p.gauges[fq]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: helpText("gauge", name)}, sortedLabelNames(labels))
		if !p.register(fq, vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[fq] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("Gauge label mismatch", "metric", fq, "error", err)
		return
	}
	g.Set(value)
}

func (p *PrometheusMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	p.mirror.RecordHistogram(name, labels, value)
	fq := p.fqName(name)

	p.mu.Lock()
	vec, ok := p.histograms[fq]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fq,
			Help:    helpText("histogram", name),
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, sortedLabelNames(labels))
		if !p.register(fq, vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[fq] = vec
	}
	p.mu.Unlock()

	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		p.logger.Debug("Histogram label mismatch", "metric", fq, "error", err)
		return
	}
	h.Observe(value)
}

func (p *PrometheusMetricsCollector) GetMetrics() map[string]interface{} {
	return p.mirror.GetMetrics()
}
