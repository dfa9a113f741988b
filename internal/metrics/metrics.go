// Package metrics registers the Prometheus collectors shared by the DataHub
// and Registry services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all MarketHub metrics.
type Registry struct {
	registry *prometheus.Registry

	// DataHub ingestion
	BarsIngested    *prometheus.CounterVec
	FlushConflicts  *prometheus.CounterVec
	JobRuns         *prometheus.CounterVec
	JobPanics       prometheus.Counter
	ReconcileCycles prometheus.Counter
	ScheduledJobs   prometheus.Gauge
	LoadedProviders prometheus.Gauge

	// Registry pipeline
	MatchOutcomes     *prometheus.CounterVec
	MappingCandidates *prometheus.CounterVec
	MembershipChanges *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		BarsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_bars_ingested_total",
				Help: "Bars written to the time-series tables",
			},
			[]string{"provider", "table"},
		),
		FlushConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_flush_conflicts_total",
				Help: "Batch flushes that fell back to ON CONFLICT DO NOTHING",
			},
			[]string{"provider"},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_scheduler_job_runs_total",
				Help: "Scheduled job executions by outcome",
			},
			[]string{"job", "status"},
		),
		JobPanics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "markethub_scheduler_job_panics_total",
				Help: "Panics swallowed by the safe-job envelope",
			},
		),
		ReconcileCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "markethub_reconcile_cycles_total",
				Help: "Subscription reconciliation passes",
			},
		),
		ScheduledJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "markethub_scheduled_jobs",
				Help: "Jobs currently registered with the scheduler",
			},
		),
		LoadedProviders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "markethub_loaded_providers",
				Help: "Provider plugin instances currently loaded",
			},
		),
		MatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_identity_match_outcomes_total",
				Help: "Identity matcher apply outcomes",
			},
			[]string{"outcome"},
		),
		MappingCandidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_mapping_candidates_total",
				Help: "Automated mapper candidates by group",
			},
			[]string{"group"},
		),
		MembershipChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_index_membership_changes_total",
				Help: "Index membership diff results",
			},
			[]string{"change"},
		),
		UpstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "markethub_upstream_failures_total",
				Help: "Failed calls to the DataHub internal API",
			},
			[]string{"endpoint"},
		),
	}

	r.registry.MustRegister(
		r.BarsIngested, r.FlushConflicts, r.JobRuns, r.JobPanics,
		r.ReconcileCycles, r.ScheduledJobs, r.LoadedProviders,
		r.MatchOutcomes, r.MappingCandidates, r.MembershipChanges,
		r.UpstreamFailures,
	)
	return r
}

// Handler exposes the registry for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw gatherer; tests use it to inspect counter values.
func (r *Registry) Gather() prometheus.Gatherer {
	return r.registry
}
