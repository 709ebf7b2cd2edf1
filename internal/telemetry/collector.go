// Package telemetry exposes daemon state as Prometheus metrics on the admin
// socket.
package telemetry

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ccjk-org/ccjk/internal/build"
)

// Snapshot is a consistent view of the orchestrator's counters, produced
// under the orchestrator's lock.
type Snapshot struct {
	StartedAt  time.Time
	QueueDepth int
	Running    int

	// TasksTotal counts terminal tasks by (source, state).
	TasksTotal map[TaskKey]int64
	// PolicyRejects counts rejections by reason token.
	PolicyRejects map[string]int64

	HeartbeatFailures int64
	ResultsLost       int64

	// ComponentHealth maps component name to 1 (ok), 0.5 (degraded), or
	// 0 (disabled).
	ComponentHealth map[string]float64
}

// TaskKey labels a terminal-task counter.
type TaskKey struct {
	Source string
	State  string
}

// Source supplies snapshots for collection.
type Source interface {
	TelemetrySnapshot() Snapshot
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	infoDesc              *prometheus.Desc
	uptimeDesc            *prometheus.Desc
	queueDepthDesc        *prometheus.Desc
	runningDesc           *prometheus.Desc
	tasksTotalDesc        *prometheus.Desc
	policyRejectsDesc     *prometheus.Desc
	heartbeatFailuresDesc *prometheus.Desc
	resultsLostDesc       *prometheus.Desc
	componentHealthDesc   *prometheus.Desc
}

// NewCollector creates a Collector.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		infoDesc: prometheus.NewDesc(
			"ccjk_info",
			"CCJK build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"ccjk_uptime_seconds",
			"Time since daemon start",
			nil,
			nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"ccjk_queue_depth",
			"Number of tasks waiting to be dispatched",
			nil,
			nil,
		),
		runningDesc: prometheus.NewDesc(
			"ccjk_tasks_running",
			"Number of tasks currently executing",
			nil,
			nil,
		),
		tasksTotalDesc: prometheus.NewDesc(
			"ccjk_tasks_total",
			"Terminal tasks by source and state",
			[]string{"source", "state"},
			nil,
		),
		policyRejectsDesc: prometheus.NewDesc(
			"ccjk_policy_rejects_total",
			"Policy rejections by reason",
			[]string{"reason"},
			nil,
		),
		heartbeatFailuresDesc: prometheus.NewDesc(
			"ccjk_heartbeat_failures_total",
			"Heartbeat attempts that failed",
			nil,
			nil,
		),
		resultsLostDesc: prometheus.NewDesc(
			"ccjk_results_lost_total",
			"Terminal results that exhausted delivery retries",
			nil,
			nil,
		),
		componentHealthDesc: prometheus.NewDesc(
			"ccjk_component_health",
			"Component health: 1 ok, 0.5 degraded, 0 disabled",
			[]string{"component"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.queueDepthDesc
	ch <- c.runningDesc
	ch <- c.tasksTotalDesc
	ch <- c.policyRejectsDesc
	ch <- c.heartbeatFailuresDesc
	ch <- c.resultsLostDesc
	ch <- c.componentHealthDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.TelemetrySnapshot()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc, prometheus.GaugeValue, 1, build.Version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(snap.StartedAt).Seconds())
	ch <- prometheus.MustNewConstMetric(
		c.queueDepthDesc, prometheus.GaugeValue, float64(snap.QueueDepth))
	ch <- prometheus.MustNewConstMetric(
		c.runningDesc, prometheus.GaugeValue, float64(snap.Running))

	for key, count := range snap.TasksTotal {
		ch <- prometheus.MustNewConstMetric(
			c.tasksTotalDesc, prometheus.CounterValue, float64(count), key.Source, key.State)
	}
	for reason, count := range snap.PolicyRejects {
		ch <- prometheus.MustNewConstMetric(
			c.policyRejectsDesc, prometheus.CounterValue, float64(count), reason)
	}

	ch <- prometheus.MustNewConstMetric(
		c.heartbeatFailuresDesc, prometheus.CounterValue, float64(snap.HeartbeatFailures))
	ch <- prometheus.MustNewConstMetric(
		c.resultsLostDesc, prometheus.CounterValue, float64(snap.ResultsLost))

	for component, health := range snap.ComponentHealth {
		ch <- prometheus.MustNewConstMetric(
			c.componentHealthDesc, prometheus.GaugeValue, health, component)
	}
}

// NewRegistry builds the daemon's metric registry: the orchestrator
// collector plus the standard Go and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}
