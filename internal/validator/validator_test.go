package validator

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lox/chesstrain/internal/agent"
)

func TestExplodingGradientRaisesHighSeverityIssueWithRecommendation(t *testing.T) {
	v := New()
	rec := v.Validate(1, agent.Metrics{}, agent.Metrics{ExplorationRate: 0.1}, agent.PolicyUpdateResult{
		Updated:       true,
		GradientNorm:  1e3,
		Loss:          1.0,
		PolicyEntropy: 0.5,
	})

	require.False(t, rec.IsValid)
	require.Len(t, rec.Issues, 1)
	require.Equal(t, ExplodingGradients, rec.Issues[0].Type)
	require.Equal(t, High, rec.Issues[0].Severity)
	found := false
	for _, r := range rec.Recommendations {
		if strings.Contains(r, "gradient clipping") {
			found = true
		}
	}
	require.True(t, found)
}

func TestNumericalInstabilityCatchesNaN(t *testing.T) {
	v := New()
	rec := v.Validate(1, agent.Metrics{}, agent.Metrics{ExplorationRate: 0.5}, agent.PolicyUpdateResult{
		Updated: true,
		Loss:    math.NaN(),
	})
	require.False(t, rec.IsValid)
	require.Equal(t, NumericalInstability, rec.Issues[0].Type)
}

func TestDisablingCheckNeverAddsItsIssue(t *testing.T) {
	thr := DefaultThresholds()
	thr.ExplodeGradientThr = math.Inf(1) // effectively disables the check
	v := New(WithThresholds(thr))

	rec := v.Validate(1, agent.Metrics{}, agent.Metrics{ExplorationRate: 0.5}, agent.PolicyUpdateResult{
		Updated:       true,
		GradientNorm:  1e6,
		PolicyEntropy: 1.0,
	})
	for _, issue := range rec.Issues {
		require.NotEqual(t, ExplodingGradients, issue.Type)
	}
}

func TestRaisingThresholdMonotonicallyDecreasesIssueCount(t *testing.T) {
	strict := New(WithThresholds(Thresholds{ExplodeGradientThr: 1, PolicyCollapseThr: 0.1, VanishGradientThr: 1e-6, ExplorationThr: 0.01, ValueOverestimateThr: 100, LossExplosionThr: 5}))
	lenient := New(WithThresholds(Thresholds{ExplodeGradientThr: 100, PolicyCollapseThr: 0.1, VanishGradientThr: 1e-6, ExplorationThr: 0.01, ValueOverestimateThr: 100, LossExplosionThr: 5}))

	update := agent.PolicyUpdateResult{Updated: true, GradientNorm: 50, PolicyEntropy: 1.0}
	after := agent.Metrics{ExplorationRate: 0.5}

	strictCount := countType(strict.Validate(1, agent.Metrics{}, after, update).Issues, ExplodingGradients)
	lenientCount := countType(lenient.Validate(1, agent.Metrics{}, after, update).Issues, ExplodingGradients)
	require.GreaterOrEqual(t, strictCount, lenientCount)
}

func countType(issues []Issue, t IssueType) int {
	n := 0
	for _, i := range issues {
		if i.Type == t {
			n++
		}
	}
	return n
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	v := New(WithMaxHistory(3))
	for i := 0; i < 10; i++ {
		v.Validate(i, agent.Metrics{}, agent.Metrics{ExplorationRate: 0.5}, agent.PolicyUpdateResult{Updated: true, PolicyEntropy: 1.0})
	}
	hist := v.History()
	require.Len(t, hist, 3)
	require.Equal(t, 9, hist[len(hist)-1].Episode)
}

func TestInsufficientExplorationBelowFloor(t *testing.T) {
	v := New()
	rec := v.Validate(1, agent.Metrics{}, agent.Metrics{ExplorationRate: 0.001}, agent.PolicyUpdateResult{Updated: true, GradientNorm: 1.0, PolicyEntropy: 1.0})
	require.Equal(t, InsufficientExplore, rec.Issues[0].Type)
}

func TestHealthMonitorStaysLowBeforeConsecutiveThreshold(t *testing.T) {
	h := NewHealthMonitor(HealthPolicy{MaxConsecutiveFailures: 3, MaxFailuresPerWindow: 10, WindowSize: 10})
	issue, escalate := h.RecordFailure(errors.New("batch update failed"))
	require.Equal(t, TransientTrainingError, issue.Type)
	require.Equal(t, Low, issue.Severity)
	require.False(t, escalate)
}

func TestHealthMonitorEscalatesOnConsecutiveFailures(t *testing.T) {
	h := NewHealthMonitor(HealthPolicy{MaxConsecutiveFailures: 2, MaxFailuresPerWindow: 10, WindowSize: 10})
	_, escalate := h.RecordFailure(errors.New("fail 1"))
	require.False(t, escalate)
	issue, escalate := h.RecordFailure(errors.New("fail 2"))
	require.True(t, escalate)
	require.Equal(t, High, issue.Severity)
}

func TestHealthMonitorEscalatesOnFailuresWithinWindow(t *testing.T) {
	h := NewHealthMonitor(HealthPolicy{MaxConsecutiveFailures: 100, MaxFailuresPerWindow: 2, WindowSize: 3})
	h.RecordSuccess()
	_, escalate := h.RecordFailure(errors.New("fail 1"))
	require.False(t, escalate)
	_, escalate = h.RecordFailure(errors.New("fail 2"))
	require.True(t, escalate, "two failures within a window of three should escalate")
}

func TestHealthMonitorSuccessResetsConsecutiveStreak(t *testing.T) {
	h := NewHealthMonitor(HealthPolicy{MaxConsecutiveFailures: 2, MaxFailuresPerWindow: 10, WindowSize: 10})
	h.RecordFailure(errors.New("fail 1"))
	h.RecordSuccess()
	issue, escalate := h.RecordFailure(errors.New("fail 2"))
	require.False(t, escalate)
	require.Equal(t, Low, issue.Severity)
}

func TestDefaultHealthPolicyAppliesWhenZeroValue(t *testing.T) {
	h := NewHealthMonitor(HealthPolicy{})
	p := h.Policy()
	require.Equal(t, DefaultHealthPolicy(), p)
	require.Equal(t, time.Second, p.RestartDelay)
}
