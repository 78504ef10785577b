// Package metrics exposes batch pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/storage"
)

const namespace = "tandem"

// Recorder implements pipeline.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal          *prometheus.CounterVec
	runDuration        prometheus.Histogram
	relationshipsTotal *prometheus.CounterVec
	callsTotal         *prometheus.CounterVec
	suggestionsTotal   prometheus.Counter
	retryJobsTotal     *prometheus.CounterVec
}

var _ pipeline.Recorder = (*Recorder)(nil)

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Batch runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "run_duration_seconds",
			Help:      "Wall time of batch runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}),
		relationshipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "relationships_total",
			Help:      "Relationships processed by final ledger status.",
		}, []string{"status"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "calls_total",
			Help:      "Generator calls by result.",
		}, []string{"result"}),
		suggestionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "suggestions_stored_total",
			Help:      "Suggestions persisted after validation.",
		}),
		retryJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "jobs_total",
			Help:      "Relationship retry jobs by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		r.runsTotal,
		r.runDuration,
		r.relationshipsTotal,
		r.callsTotal,
		r.suggestionsTotal,
		r.retryJobsTotal,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RunFinished(outcome pipeline.Outcome, d time.Duration) {
	r.runsTotal.WithLabelValues(string(outcome)).Inc()
	r.runDuration.Observe(d.Seconds())
}

func (r *Recorder) RelationshipFinished(status storage.RunStatus) {
	r.relationshipsTotal.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) CallFinished(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.callsTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) SuggestionsStored(n int) {
	r.suggestionsTotal.Add(float64(n))
}

// RetryJobFinished counts a processed retry job. result is "completed",
// "retrying" or "failed".
func (r *Recorder) RetryJobFinished(result string) {
	r.retryJobsTotal.WithLabelValues(result).Inc()
}
