package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func TestCountersGather(t *testing.T) {
	r := NewRegistry()

	r.BarsIngested.WithLabelValues("kraken", "historical_data").Add(500)
	r.FlushConflicts.WithLabelValues("kraken").Inc()
	r.MatchOutcomes.WithLabelValues("applied").Add(3)
	r.ScheduledJobs.Set(4)

	families, err := r.Gather().Gather()
	require.NoError(t, err)

	bars := findMetric(t, families, "markethub_bars_ingested_total")
	require.Len(t, bars.Metric, 1)
	assert.Equal(t, 500.0, bars.Metric[0].GetCounter().GetValue())

	labels := map[string]string{}
	for _, pair := range bars.Metric[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	assert.Equal(t, map[string]string{"provider": "kraken", "table": "historical_data"}, labels)

	jobs := findMetric(t, families, "markethub_scheduled_jobs")
	assert.Equal(t, 4.0, jobs.Metric[0].GetGauge().GetValue())
}

func TestSeparateRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.JobPanics.Inc()

	families, err := b.Gather().Gather()
	require.NoError(t, err)
	panics := findMetric(t, families, "markethub_scheduler_job_panics_total")
	assert.Equal(t, 0.0, panics.Metric[0].GetCounter().GetValue())
}

func TestHandlerServesTextFormat(t *testing.T) {
	r := NewRegistry()
	r.ReconcileCycles.Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "markethub_reconcile_cycles_total 1")
}
