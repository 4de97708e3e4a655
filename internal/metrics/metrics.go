// Package metrics collects and exposes Prometheus metrics for a running
// process pool: executor counts by state, queue depth, submission
// outcomes, command duration, and process replacements.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements pool.MetricsSink against a Prometheus registry.
type Collector struct {
	executors    *prometheus.GaugeVec
	queueDepth   prometheus.Gauge
	submissions  *prometheus.CounterVec
	cmdDuration  prometheus.Histogram
	replacements prometheus.Counter
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		executors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procpool_executors_total",
			Help: "Current number of executors by state (busy, idle).",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_queue_depth",
			Help: "Current number of submissions waiting in the queue.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpool_submissions_total",
			Help: "Total submissions by outcome (accepted, queued, rejected).",
		}, []string{"outcome"}),
		cmdDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procpool_command_duration_seconds",
			Help:    "Time spent waiting for a command's completion predicate.",
			Buckets: prometheus.DefBuckets,
		}),
		replacements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_replacements_total",
			Help: "Total number of executor processes replaced.",
		}),
	}

	reg.MustRegister(c.executors, c.queueDepth, c.submissions, c.cmdDuration, c.replacements)
	return c
}

// SetExecutors records the current count of executors in state.
func (c *Collector) SetExecutors(state string, n int) {
	c.executors.WithLabelValues(state).Set(float64(n))
}

// SetQueueDepth records the current queue length.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// IncSubmissions increments the submission counter for outcome.
func (c *Collector) IncSubmissions(outcome string) {
	c.submissions.WithLabelValues(outcome).Inc()
}

// ObserveCommandDuration records how long a command took to complete.
func (c *Collector) ObserveCommandDuration(seconds float64) {
	c.cmdDuration.Observe(seconds)
}

// IncReplacements increments the executor-replacement counter.
func (c *Collector) IncReplacements() {
	c.replacements.Inc()
}
