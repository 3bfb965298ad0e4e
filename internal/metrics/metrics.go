// Package metrics exposes prometheus counters for transactions, tasks,
// gateway calls and the HTTP API. Every method is a no-op on a nil
// *Collector so callers may leave metrics unwired.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boxoffice"

type Collector struct {
	registry *prometheus.Registry

	Transitions     *prometheus.CounterVec
	ExportedTasks   *prometheus.CounterVec
	TaskRuns        *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	GatewayCalls    *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New builds a collector on its own registry, so tests may create many.
func New() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_transitions_total",
			Help:      "Transaction status transitions by type and target status.",
		}, []string{"type", "status"}),
		ExportedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exported_tasks_total",
			Help:      "Tasks derived from ended transactions.",
		}, []string{"type", "status"}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task attempts by name and resulting status.",
		}, []string{"name", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Downstream gateway calls by outcome.",
		}, []string{"gateway", "operation", "outcome"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Downstream gateway call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	registry.MustRegister(
		c.Transitions,
		c.ExportedTasks,
		c.TaskRuns,
		c.TaskDuration,
		c.GatewayCalls,
		c.GatewayDuration,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveTransition(typeOf, status string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(typeOf, status).Inc()
}

func (c *Collector) ObserveExport(typeOf, status string, tasks int) {
	if c == nil {
		return
	}
	c.ExportedTasks.WithLabelValues(typeOf, status).Add(float64(tasks))
}

func (c *Collector) ObserveTask(name, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.TaskRuns.WithLabelValues(name, status).Inc()
	c.TaskDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collector) ObserveGatewayCall(gateway, operation string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.GatewayCalls.WithLabelValues(gateway, operation, outcome).Inc()
	c.GatewayDuration.WithLabelValues(gateway, operation).Observe(d.Seconds())
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
