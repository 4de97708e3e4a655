package metrics_test

import (
	"testing"

	"github.com/a2y-d5l/procpool/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_SetExecutorsUpdatesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetExecutors("busy", 3)
	c.SetExecutors("idle", 2)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "procpool_executors_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			values[labelValue(m, "state")] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(3), values["busy"])
	assert.Equal(t, float64(2), values["idle"])
}

func TestCollector_IncSubmissionsAndReplacements(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncSubmissions("accepted")
	c.IncSubmissions("accepted")
	c.IncReplacements()

	families, err := reg.Gather()
	require.NoError(t, err)

	var replacementsTotal float64
	var acceptedTotal float64
	for _, mf := range families {
		switch mf.GetName() {
		case "procpool_replacements_total":
			replacementsTotal = mf.GetMetric()[0].GetCounter().GetValue()
		case "procpool_submissions_total":
			for _, m := range mf.GetMetric() {
				if labelValue(m, "outcome") == "accepted" {
					acceptedTotal = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(1), replacementsTotal)
	assert.Equal(t, float64(2), acceptedTotal)
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
