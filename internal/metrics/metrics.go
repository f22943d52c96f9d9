// Package metrics collects Prometheus metrics for the coordination core.
// All record methods are safe on a nil *Collector so components can run
// without metrics wired (tests, the robot binary).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the orchestrator's metric instruments.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRequeued   prometheus.Counter
	jobsCancelled  prometheus.Counter
	robotEvictions prometheus.Counter

	robotsConnected prometheus.Gauge
	jobsQueued      prometheus.Gauge
	jobsInFlight    prometheus.Gauge

	assignRoundtrip prometheus.Histogram
}

// NewCollector creates and registers all instruments on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the dispatch queue",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_dispatched_total",
			Help: "Total number of JOB_ASSIGN offers sent to robots",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_completed_total",
			Help: "Total number of jobs reported complete by robots",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_failed_total",
			Help: "Total number of jobs that ended in FAILED state",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_requeued_total",
			Help: "Total number of assignments rolled back to QUEUED (reject, timeout, orphan recovery)",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		robotEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_robot_evictions_total",
			Help: "Total number of robot sessions evicted (disconnect or liveness timeout)",
		}),
		robotsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_robots_connected",
			Help: "Current number of live robot sessions",
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_jobs_queued",
			Help: "Current number of jobs waiting for dispatch",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_jobs_in_flight",
			Help: "Current number of jobs assigned or running on robots",
		}),
		assignRoundtrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_assign_roundtrip_seconds",
			Help:    "Latency from JOB_ASSIGN send to JOB_ACCEPT/JOB_REJECT reply",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsRequeued, c.jobsCancelled, c.robotEvictions,
		c.robotsConnected, c.jobsQueued, c.jobsInFlight,
		c.assignRoundtrip,
	)

	return c
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue() {
	if c != nil {
		c.jobsEnqueued.Inc()
	}
}

func (c *Collector) RecordDispatch() {
	if c != nil {
		c.jobsDispatched.Inc()
	}
}

func (c *Collector) RecordComplete() {
	if c != nil {
		c.jobsCompleted.Inc()
	}
}

func (c *Collector) RecordFailure() {
	if c != nil {
		c.jobsFailed.Inc()
	}
}

func (c *Collector) RecordRequeue() {
	if c != nil {
		c.jobsRequeued.Inc()
	}
}

func (c *Collector) RecordCancel() {
	if c != nil {
		c.jobsCancelled.Inc()
	}
}

func (c *Collector) RecordEviction() {
	if c != nil {
		c.robotEvictions.Inc()
	}
}

func (c *Collector) SetRobotsConnected(n int) {
	if c != nil {
		c.robotsConnected.Set(float64(n))
	}
}

func (c *Collector) SetQueueDepth(queued, inFlight int) {
	if c != nil {
		c.jobsQueued.Set(float64(queued))
		c.jobsInFlight.Set(float64(inFlight))
	}
}

func (c *Collector) ObserveAssignRoundtrip(seconds float64) {
	if c != nil {
		c.assignRoundtrip.Observe(seconds)
	}
}
