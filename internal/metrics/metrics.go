// Package metrics exposes Prometheus counters and gauges for the
// analysis runner, adapted from the teacher's internal/metrics package:
// the same Counter/Histogram/Gauge shape and /metrics HTTP endpoint, with
// job-queue metric names replaced by analysis-domain ones (image sets,
// analyses, workers) and job latency replaced by per-job processing time
// as reported through returned measurements.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one runner process, shared
// across every Analysis it runs.
type Collector struct {
	analysesStarted  prometheus.Counter
	analysesFinished prometheus.Counter
	analysesCanceled prometheus.Counter

	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	protocolErrors prometheus.Counter

	jobLatency prometheus.Histogram

	imageSetsUnprocessed prometheus.Gauge
	imageSetsInProcess   prometheus.Gauge
	imageSetsDone        prometheus.Gauge

	workersAlive prometheus.Gauge
}

// NewCollector constructs and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		analysesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_runs_started_total",
			Help: "Total number of analysis runs started",
		}),
		analysesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_runs_finished_total",
			Help: "Total number of analysis runs that reached AnalysisFinished",
		}),
		analysesCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_runs_cancelled_total",
			Help: "Total number of analysis runs that were cancelled",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_jobs_dispatched_total",
			Help: "Total number of jobs handed to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_jobs_completed_total",
			Help: "Total number of jobs reported back via a measurements report",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_protocol_errors_total",
			Help: "Total number of fatal boundary protocol errors",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "analysis_job_latency_seconds",
			Help:    "Time between a job's dispatch and its measurements report",
			Buckets: prometheus.DefBuckets,
		}),
		imageSetsUnprocessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_image_sets_unprocessed",
			Help: "Current number of image sets not yet dispatched",
		}),
		imageSetsInProcess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_image_sets_in_process",
			Help: "Current number of image sets dispatched but not reported",
		}),
		imageSetsDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_image_sets_done",
			Help: "Current number of image sets reported complete",
		}),
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_workers_alive",
			Help: "Current number of worker processes that have not exited",
		}),
	}

	prometheus.MustRegister(
		c.analysesStarted, c.analysesFinished, c.analysesCanceled,
		c.jobsDispatched, c.jobsCompleted, c.protocolErrors, c.jobLatency,
		c.imageSetsUnprocessed, c.imageSetsInProcess, c.imageSetsDone,
		c.workersAlive,
	)
	return c
}

func (c *Collector) RecordStarted()   { c.analysesStarted.Inc() }
func (c *Collector) RecordFinished()  { c.analysesFinished.Inc() }
func (c *Collector) RecordCancelled() { c.analysesCanceled.Inc() }

func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }

// RecordProtocolError counts a fatal boundary protocol error (an
// unrecognized wire tag or malformed frame, spec.md §7).
func (c *Collector) RecordProtocolError() { c.protocolErrors.Inc() }

// RecordCompleted records one job's return and how long it spent in
// flight, for SLA-style histograms.
func (c *Collector) RecordCompleted(dispatchedAt time.Time) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(time.Since(dispatchedAt).Seconds())
}

// SetImageSetCounts mirrors the controller's per-Progress-event tally
// onto the gauges.
func (c *Collector) SetImageSetCounts(unprocessed, inProcess, done int) {
	c.imageSetsUnprocessed.Set(float64(unprocessed))
	c.imageSetsInProcess.Set(float64(inProcess))
	c.imageSetsDone.Set(float64(done))
}

func (c *Collector) SetWorkersAlive(n int) {
	c.workersAlive.Set(float64(n))
}

// StartServer starts the Prometheus /metrics HTTP endpoint on port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
