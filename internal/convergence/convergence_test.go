package convergence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstantSeriesConverges(t *testing.T) {
	d := New()
	var status Status
	for i := 0; i < 25; i++ {
		status = d.Observe(0.5)
	}
	require.True(t, status.HasConverged)
	require.Greater(t, status.Stability, 0.9)
	require.InDelta(t, 0, status.Trend, 1e-9)
	require.InDelta(t, 0, status.Variance, 1e-9)
}

func TestConvergenceIsIdempotentAcrossCallCount(t *testing.T) {
	d1 := New()
	d2 := New()

	var s1, s2 Status
	for i := 0; i < 25; i++ {
		s1 = d1.Observe(0.7)
	}
	for i := 0; i < 40; i++ {
		s2 = d2.Observe(0.7)
	}
	require.Equal(t, s1.HasConverged, s2.HasConverged)
	require.InDelta(t, s1.Stability, s2.Stability, 1e-9)
}

func TestRisingSeriesDoesNotConverge(t *testing.T) {
	d := New()
	var status Status
	for i := 0; i < 25; i++ {
		status = d.Observe(float64(i))
	}
	require.False(t, status.HasConverged)
}

func TestEstimatedCyclesClampedRange(t *testing.T) {
	d := New()
	var status Status
	for i := 0; i < 25; i++ {
		status = d.Observe(float64(i) * 0.001)
	}
	if !status.HasConverged {
		require.True(t, status.CyclesUntilConvergence == -1 || (status.CyclesUntilConvergence >= 1 && status.CyclesUntilConvergence <= 1000))
	}
}

func TestWindowDropsOldestBeyondCapacity(t *testing.T) {
	d := New(WithWindow(3))
	d.Observe(1.0)
	d.Observe(1.0)
	d.Observe(1.0)
	// The window is now full at {1,1,1}; the next observation evicts the
	// first 1.0, so the window becomes {1,1,100} rather than {1,1,1,100}.
	status := d.Observe(100.0)
	require.Len(t, d.values, 3)
	require.Greater(t, status.Variance, 0.0)
}

func TestResetClearsWindow(t *testing.T) {
	d := New()
	d.Observe(1.0)
	d.Reset()
	require.Empty(t, d.values)
	status := d.Observe(5.0)
	require.Equal(t, 1.0, status.Stability)
}
