package scheduler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsSet holds one Scheduler's counters, registered against a
// private registry rather than prometheus.DefaultRegisterer so that
// multiple Scheduler instances (as in tests) never collide on metric
// names.
type metricsSet struct {
	registry *prometheus.Registry

	workers     prometheus.Gauge
	assignments prometheus.Counter
	restarts    prometheus.Counter
	timeouts    prometheus.Counter
	workerLoss  prometheus.Counter
}

func newMetricsSet() *metricsSet {
	reg := prometheus.NewRegistry()

	m := &metricsSet{
		registry: reg,
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_workers_connected",
			Help: "Number of worker connections currently registered.",
		}),
		assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_job_assignments_total",
			Help: "Total number of job messages sent to workers.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_restarts_total",
			Help: "Total number of restart messages sent for configuration changes.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_pending_job_timeouts_total",
			Help: "Total number of assignments that expired unacknowledged.",
		}),
		workerLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_worker_loss_total",
			Help: "Total number of worker disconnects that required requeuing experts.",
		}),
	}

	reg.MustRegister(m.workers, m.assignments, m.restarts, m.timeouts, m.workerLoss)
	return m
}

func (m *metricsSet) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
