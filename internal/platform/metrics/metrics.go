package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	TasksDispatched   *prometheus.CounterVec
	TaskRunDuration   *prometheus.HistogramVec
	TaskRetries       prometheus.Counter
	CheckpointsSaved  *prometheus.CounterVec
	RequestsFinished  *prometheus.CounterVec
	GraphBuildSeconds prometheus.Histogram
}

// New registers the engine metrics with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the engine metrics with the given registerer. Tests use
// a fresh registry per run to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrd_tasks_dispatched_total",
			Help: "Tasks handed to the dispatch queue, by action type",
		}, []string{"action_type"}),
		TaskRunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsrd_task_run_duration_seconds",
			Help:    "Latency of single task executions including connector calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action_type", "outcome"}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsrd_task_retries_total",
			Help: "Connector retries attempted across all tasks",
		}),
		CheckpointsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrd_checkpoints_saved_total",
			Help: "Checkpoints recorded, by kind",
		}, []string{"kind"}),
		RequestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrd_requests_finished_total",
			Help: "Privacy requests reaching a terminal or error status",
		}, []string{"status"}),
		GraphBuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsrd_graph_build_duration_seconds",
			Help:    "Time to traverse the dataset graph and persist task rows",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}
