// Package metrics exposes Prometheus instrumentation for the chat pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the services report into.
type Metrics struct {
	TurnsTotal     *prometheus.CounterVec
	BackendLatency prometheus.Histogram
	IndexBuilds    *prometheus.CounterVec
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the process-wide metrics, registering collectors on first
// use.
func Global() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgrid",
				Name:      "turns_total",
				Help:      "Chat turn submissions by outcome.",
			}, []string{"outcome"}),
			BackendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "chatgrid",
				Name:      "backend_latency_seconds",
				Help:      "Hosted completion call latency.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			}),
			IndexBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgrid",
				Name:      "index_builds_total",
				Help:      "Retrieval index builds by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(global.TurnsTotal, global.BackendLatency, global.IndexBuilds)
	})
	return global
}
