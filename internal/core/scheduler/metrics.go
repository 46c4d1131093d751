package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the scheduler's Prometheus instruments.
type metrics struct {
	activeTasks    prometheus.Gauge
	tasksStarted   *prometheus.CounterVec
	tasksCompleted prometheus.Counter
	spawnFailures  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fledge",
			Subsystem: "scheduler",
			Name:      "active_tasks",
			Help:      "Number of tasks currently in flight.",
		}),
		tasksStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fledge",
			Subsystem: "scheduler",
			Name:      "tasks_started_total",
			Help:      "Tasks launched, by process name.",
		}, []string{"process"}),
		tasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fledge",
			Subsystem: "scheduler",
			Name:      "tasks_completed_total",
			Help:      "Tasks that exited.",
		}),
		spawnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fledge",
			Subsystem: "scheduler",
			Name:      "spawn_failures_total",
			Help:      "Launch attempts that failed to spawn a process.",
		}),
	}
}
