// Package prometheus exposes endpoint state that is read at scrape time
// rather than recorded as it happens.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/dittonet/pkg/metrics"
)

// endpointCollector is a prometheus.Collector over a metrics.StatsSource.
type endpointCollector struct {
	source metrics.StatsSource

	up             *prometheus.Desc
	paused         *prometheus.Desc
	connections    *prometheus.Desc
	maxConnections *prometheus.Desc
	workers        *prometheus.Desc
	idleWorkers    *prometheus.Desc
	queuedTasks    *prometheus.Desc
	activeTasks    *prometheus.Desc
	completedTasks *prometheus.Desc
}

// NewEndpointCollector creates a collector reading source on every scrape.
func NewEndpointCollector(source metrics.StatsSource) prometheus.Collector {
	labels := []string{"endpoint", "backend"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("dittonet_endpoint_"+name, help, labels, nil)
	}
	return &endpointCollector{
		source:         source,
		up:             desc("running", "Whether the endpoint is accepting connections (1) or not (0)"),
		paused:         desc("paused", "Whether the endpoint is paused"),
		connections:    desc("connections", "Open connections"),
		maxConnections: desc("max_connections", "Connection limit, -1 when unlimited"),
		workers:        desc("workers", "Worker goroutines in the pool"),
		idleWorkers:    desc("idle_workers", "Idle worker goroutines"),
		queuedTasks:    desc("queued_tasks", "Processing units waiting for a worker"),
		activeTasks:    desc("active_tasks", "Processing units being run"),
		completedTasks: desc("completed_tasks_total", "Processing units run to completion"),
	}
}

// Register creates a collector for source and registers it with the
// global registry. It is a no-op when metrics are disabled.
func Register(source metrics.StatsSource) error {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}
	return reg.Register(NewEndpointCollector(source))
}

func (c *endpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.paused
	ch <- c.connections
	ch <- c.maxConnections
	ch <- c.workers
	ch <- c.idleWorkers
	ch <- c.queuedTasks
	ch <- c.activeTasks
	ch <- c.completedTasks
}

func (c *endpointCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.EndpointStats() {
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, s.Name, s.Backend)
		}
		gauge(c.up, boolValue(s.Running))
		gauge(c.paused, boolValue(s.Paused))
		gauge(c.connections, float64(s.Connections))
		gauge(c.maxConnections, float64(s.MaxConnections))
		gauge(c.workers, float64(s.Workers))
		gauge(c.idleWorkers, float64(s.IdleWorkers))
		gauge(c.queuedTasks, float64(s.QueuedTasks))
		gauge(c.activeTasks, float64(s.ActiveTasks))
		ch <- prometheus.MustNewConstMetric(c.completedTasks, prometheus.CounterValue, float64(s.CompletedTasks), s.Name, s.Backend)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
