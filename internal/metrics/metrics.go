// ============================================================================
// agentfleet metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect orchestrator metrics and expose them for scraping.
//
// Metric families (namespace "fleet"):
//
//   Routing
//     fleet_routing_decisions_total{action}       every routing verdict
//     fleet_routing_wip_blocked_total{role}       delegations refused by WIP
//
//   Dispatch
//     fleet_assignments_total{role,outcome}       assigned / queued / no_worker_available
//     fleet_tasks_finished_total{role,outcome}    worker job outcomes
//     fleet_task_duration_seconds{role}           worker job latency
//
//   Pools (refreshed from PoolStats)
//     fleet_pool_workers{pool}, fleet_pool_capacity{pool}, fleet_pool_load{pool}
//     fleet_pools_total, fleet_pool_overall_load
//
//   Workflows
//     fleet_workflow_node_duration_seconds{node}
//     fleet_workflow_node_errors_total{node}
//
//   Bus
//     fleet_bus_publish_failures_total{topic}
//
// Useful queries:
//   rate(fleet_assignments_total{outcome="no_worker_available"}[5m])
//   histogram_quantile(0.95, sum by (le, node) (rate(fleet_workflow_node_duration_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const namespace = "fleet"

// Collector holds every orchestrator metric. It satisfies the recorder
// interfaces of routing, dispatcher and worker, and workflow.Observer.
type Collector struct {
	decisions  *prometheus.CounterVec
	wipBlocked *prometheus.CounterVec

	assignments  *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	poolWorkers  *prometheus.GaugeVec
	poolCapacity *prometheus.GaugeVec
	poolLoad     *prometheus.GaugeVec
	pools        prometheus.Gauge
	overallLoad  prometheus.Gauge

	nodeDuration *prometheus.HistogramVec
	nodeErrors   *prometheus.CounterVec

	publishFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh registry, which keeps tests independent of the global one.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routing_decisions_total",
			Help: "Routing decisions by action.",
		}, []string{"action"}),
		wipBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routing_wip_blocked_total",
			Help: "Delegations turned into replies because the role had no WIP capacity.",
		}, []string{"role"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_total",
			Help: "Dispatch outcomes by role.",
		}, []string{"role", "outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Worker job outcomes by role.",
		}, []string{"role", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Worker job latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"role"}),
		poolWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_workers",
			Help: "Live workers per active pool.",
		}, []string{"pool"}),
		poolCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_capacity",
			Help: "Maximum workers per active pool.",
		}, []string{"pool"}),
		poolLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_load",
			Help: "Busy fraction per active pool.",
		}, []string{"pool"}),
		pools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pools_total",
			Help: "Active pools.",
		}),
		overallLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_overall_load",
			Help: "Busy workers over total capacity.",
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "workflow_node_duration_seconds",
			Help:    "Workflow node execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),
		nodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflow_node_errors_total",
			Help: "Workflow nodes that returned an error or panicked.",
		}, []string{"node"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_publish_failures_total",
			Help: "Publishes that failed after retries.",
		}, []string{"topic"}),
		gatherer: reg,
	}
	reg.MustRegister(
		c.decisions, c.wipBlocked,
		c.assignments, c.tasks, c.taskDuration,
		c.poolWorkers, c.poolCapacity, c.poolLoad, c.pools, c.overallLoad,
		c.nodeDuration, c.nodeErrors,
		c.publishFailures,
	)
	return c
}

// RecordDecision counts a routing decision.
func (c *Collector) RecordDecision(d types.RoutingDecision) {
	c.decisions.WithLabelValues(string(d.Action)).Inc()
	if d.WIPBlocked {
		c.wipBlocked.WithLabelValues(string(d.TargetRole)).Inc()
	}
}

// RecordAssignment counts a dispatch outcome.
func (c *Collector) RecordAssignment(role types.Role, outcome string) {
	c.assignments.WithLabelValues(string(role), outcome).Inc()
}

// ObserveTask records a finished worker job.
func (c *Collector) ObserveTask(role types.Role, outcome string, d time.Duration) {
	c.tasks.WithLabelValues(string(role), outcome).Inc()
	c.taskDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

// OnNodeStart implements workflow.Observer.
func (c *Collector) OnNodeStart(instanceID, node string) {}

// OnNodeEnd implements workflow.Observer.
func (c *Collector) OnNodeEnd(instanceID, node string, d time.Duration, err error) {
	c.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
	if err != nil {
		c.nodeErrors.WithLabelValues(node).Inc()
	}
}

// UpdatePoolStats replaces the pool gauges with stats. Pools that are no
// longer active disappear from the per-pool series.
func (c *Collector) UpdatePoolStats(stats types.PoolStats) {
	c.poolWorkers.Reset()
	c.poolCapacity.Reset()
	c.poolLoad.Reset()
	for _, p := range stats.Pools {
		c.poolWorkers.WithLabelValues(p.Name).Set(float64(p.Current))
		c.poolCapacity.WithLabelValues(p.Name).Set(float64(p.Max))
		c.poolLoad.WithLabelValues(p.Name).Set(p.Load)
	}
	c.pools.Set(float64(stats.TotalPools))
	c.overallLoad.Set(stats.OverallLoad)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// InstrumentBus wraps b so publish failures are counted per topic.
func (c *Collector) InstrumentBus(b bus.Bus) bus.Bus {
	return &instrumentedBus{Bus: b, failures: c.publishFailures}
}

type instrumentedBus struct {
	bus.Bus
	failures *prometheus.CounterVec
}

func (b *instrumentedBus) Publish(ctx context.Context, topic, key string, ev types.Event) error {
	err := b.Bus.Publish(ctx, topic, key, ev)
	if err != nil && errors.Is(err, bus.ErrPublishFailed) {
		b.failures.WithLabelValues(topic).Inc()
	}
	return err
}

// StartServer serves /metrics on addr until ctx is cancelled.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
