package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/mnemo/internal/model"
)

func TestObserveRun(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := model.NewReport()
	r.Decayed.Add(model.TierWorking, 3)
	r.Promoted = 2
	r.PatternsDiscovered = 1
	m.ObserveRun(r, nil, time.Second)
	m.ObserveRun(model.NewReport(), model.ErrConcurrentConsolidation, 0)
	m.ObserveRun(model.NewReport(), &model.RunError{Step: "decay", Err: errors.New("boom")}, time.Second)

	assert.Equal(t, 1.0, value(t, m.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, value(t, m.runs.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, value(t, m.runs.WithLabelValues("failed")))
	assert.Equal(t, 3.0, value(t, m.records.WithLabelValues("decayed")))
	assert.Equal(t, 2.0, value(t, m.records.WithLabelValues("promoted")))
	assert.Equal(t, 1.0, value(t, m.patterns))
}

func TestObserveShare(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveShare(model.ShareResult{
		Released: []model.SharedPattern{{SourcePatternID: "a"}},
		Rejected: []model.Rejection{
			{PatternID: "b", Reason: model.ReasonSensitive},
			{PatternID: "c", Reason: model.ReasonKAnonymity},
			{PatternID: "d", Reason: model.ReasonKAnonymity},
		},
		EpsilonSpent: 0.5,
	})

	assert.Equal(t, 1.0, value(t, m.decisions.WithLabelValues(model.DecisionReleased, "")))
	assert.Equal(t, 2.0, value(t, m.decisions.WithLabelValues(model.DecisionRejected, "k_anonymity")))
	assert.Equal(t, 0.5, value(t, m.epsilonSpent))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRun(model.NewReport(), nil, time.Second)
	m.ObserveShare(model.ShareResult{})
	m.ObserveDiscovery(model.DiscoveryResult{})
	m.SetTierCounts(model.TierCounts{model.TierWorking: 1})
}

func TestSetTierCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetTierCounts(model.TierCounts{model.TierWorking: 4, model.TierSemantic: 1})
	assert.Equal(t, 4.0, value(t, m.tierRecords.WithLabelValues("working")))
	assert.Equal(t, 0.0, value(t, m.tierRecords.WithLabelValues("episodic")))
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}
