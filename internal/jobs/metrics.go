package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the adjustment sync pipeline.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	closures *prometheus.CounterVec
	records  *prometheus.CounterVec
	groups   *prometheus.CounterVec
	polls    *prometheus.CounterVec
	lastPoll prometheus.Gauge
	wakeups  prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the sync metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveClosure counts a closure reaching a terminal status ("done", "error")
// or being skipped after a lost claim ("conflict").
func (m *Metrics) ObserveClosure(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.closures.WithLabelValues(outcome).Inc()
}

// AddRecords increments the per-state record counter.
func (m *Metrics) AddRecords(state string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.records.WithLabelValues(state).Add(float64(count))
}

// ObserveGroup counts a processed document group by direction and outcome.
func (m *Metrics) ObserveGroup(direction, outcome string) {
	if m == nil {
		return
	}
	m.groups.WithLabelValues(direction, outcome).Inc()
}

// ObservePoll records one poll of the signal table.
func (m *Metrics) ObservePoll(found int) {
	if m == nil {
		return
	}
	result := "idle"
	if found > 0 {
		result = "signals"
	}
	m.polls.WithLabelValues(result).Inc()
	m.lastPoll.SetToCurrentTime()
}

// ObserveWakeup counts early wake-ups delivered to the poller.
func (m *Metrics) ObserveWakeup() {
	if m == nil {
		return
	}
	m.wakeups.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sapsync_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sapsync_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sapsync_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	closures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sapsync_closures_total",
		Help: "Inventory closures handled by the worker partitioned by outcome.",
	}, []string{"outcome"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sapsync_adjustments_total",
		Help: "Adjustment records written back partitioned by final state.",
	}, []string{"state"})
	groups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sapsync_document_groups_total",
		Help: "Document groups processed partitioned by direction and outcome.",
	}, []string{"direction", "outcome"})
	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sapsync_polls_total",
		Help: "Signal table polls partitioned by result.",
	}, []string{"result"})
	lastPoll := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sapsync_last_poll_timestamp_seconds",
		Help: "Unix time of the most recent signal poll.",
	})
	wakeups := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sapsync_wakeups_total",
		Help: "Early wake-ups delivered to the poller through the queue.",
	})
	registerer.MustRegister(runs, failures, duration, closures, records, groups, polls, lastPoll, wakeups)
	return &Metrics{
		runs:     runs,
		failures: failures,
		duration: duration,
		closures: closures,
		records:  records,
		groups:   groups,
		polls:    polls,
		lastPoll: lastPoll,
		wakeups:  wakeups,
	}
}
