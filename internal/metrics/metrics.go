// Package metrics exposes foreman's Prometheus instrumentation: task
// throughput and latency, queue depth, and per-status server gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds foreman's Prometheus metrics.
type Collector struct {
	plansCreated prometheus.Counter
	plansFailed  prometheus.Counter

	tasksExecuted *prometheus.CounterVec
	taskRetries   prometheus.Counter
	taskDuration  *prometheus.HistogramVec

	queueDepth *prometheus.GaugeVec

	serversByStatus   *prometheus.GaugeVec
	serverActiveTasks *prometheus.GaugeVec
	healthChecks      *prometheus.CounterVec
}

// NewCollector registers foreman's metrics with the given registerer. A nil
// registerer uses the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		plansCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "foreman_plans_created_total",
				Help: "Total number of execution plans created",
			},
		),
		plansFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "foreman_plans_failed_total",
				Help: "Total number of planning attempts that failed",
			},
		),
		tasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tasks_executed_total",
				Help: "Total number of task dispatches by type and outcome",
			},
			[]string{"type", "status"},
		),
		taskRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "foreman_task_retries_total",
				Help: "Total number of task retry attempts",
			},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_task_duration_seconds",
				Help:    "Task dispatch duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"type"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_queue_depth",
				Help: "Current number of tasks by queue state",
			},
			[]string{"state"},
		),
		serversByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_servers",
				Help: "Current number of pooled servers by health status",
			},
			[]string{"status"},
		),
		serverActiveTasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_server_active_tasks",
				Help: "Current number of in-flight tasks per server",
			},
			[]string{"server_id"},
		),
		healthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_health_checks_total",
				Help: "Total number of health probes by outcome",
			},
			[]string{"server_id", "outcome"},
		),
	}
}

// IncPlansCreated increments the count of created plans.
func (c *Collector) IncPlansCreated() {
	c.plansCreated.Inc()
}

// IncPlansFailed increments the count of failed planning attempts.
func (c *Collector) IncPlansFailed() {
	c.plansFailed.Inc()
}

// IncTasksExecuted increments the count of dispatched tasks.
func (c *Collector) IncTasksExecuted(taskType, status string) {
	c.tasksExecuted.WithLabelValues(taskType, status).Inc()
}

// IncTaskRetries increments the count of retry attempts.
func (c *Collector) IncTaskRetries() {
	c.taskRetries.Inc()
}

// ObserveTaskDuration records one dispatch duration.
func (c *Collector) ObserveTaskDuration(taskType string, duration time.Duration) {
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// SetQueueDepth sets the task count for one queue state.
func (c *Collector) SetQueueDepth(state string, depth int) {
	c.queueDepth.WithLabelValues(state).Set(float64(depth))
}

// SetServersByStatus sets the server count for one health status.
func (c *Collector) SetServersByStatus(status string, count int) {
	c.serversByStatus.WithLabelValues(status).Set(float64(count))
}

// SetServerActiveTasks sets one server's in-flight task gauge.
func (c *Collector) SetServerActiveTasks(serverID string, count int) {
	c.serverActiveTasks.WithLabelValues(serverID).Set(float64(count))
}

// IncHealthChecks increments the probe counter for one server.
func (c *Collector) IncHealthChecks(serverID, outcome string) {
	c.healthChecks.WithLabelValues(serverID, outcome).Inc()
}
