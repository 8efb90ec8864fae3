// Package convergence implements the rolling-window convergence detector
//, grounded on internal/regression/stats.go's
// CalculateConfidenceInterval/CalculatePooledStdDev style of deriving a
// handful of scalar statistics from a windowed series, but computed here
// with gonum/stat rather than hand-rolled sums.
package convergence

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Status is the detector's output after observing one new value.
type Status struct {
	HasConverged           bool
	Confidence             float64
	Stability              float64
	Trend                  float64
	Variance               float64
	ImprovementRate        float64
	StatusMessage          string
	CyclesUntilConvergence int
	Recommendations        []string
}

// Thresholds configures the convergence predicate.
type Thresholds struct {
	StabilityThr    float64
	TrendThr        float64
	VarianceThr     float64
	ImprovementThr  float64
	MinCriteria     int
	TargetStability float64
}

// DefaultThresholds returns the documented default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StabilityThr:    0.9,
		TrendThr:        0.01,
		VarianceThr:     0.01,
		ImprovementThr:  0.01,
		MinCriteria:     3,
		TargetStability: 0.95,
	}
}

// Detector maintains a rolling window of performance scalars and derives
// stability/trend/variance/improvement-rate on every observation.
type Detector struct {
	window     int
	thresholds Thresholds
	values     []float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow overrides the default rolling window size of 20.
func WithWindow(w int) Option {
	return func(d *Detector) { d.window = w }
}

// WithThresholds overrides the convergence predicate's thresholds.
func WithThresholds(t Thresholds) Option {
	return func(d *Detector) { d.thresholds = t }
}

// New constructs a Detector with a window of 20 unless overridden.
func New(opts ...Option) *Detector {
	d := &Detector{window: 20, thresholds: DefaultThresholds()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe appends value to the rolling window (dropping the oldest entry
// once the window is full) and returns the recomputed Status.
func (d *Detector) Observe(value float64) Status {
	d.values = append(d.values, value)
	if len(d.values) > d.window {
		d.values = d.values[len(d.values)-d.window:]
	}
	return d.compute()
}

func (d *Detector) compute() Status {
	n := len(d.values)
	if n == 0 {
		return Status{StatusMessage: "no data", CyclesUntilConvergence: -1}
	}

	mean := stat.Mean(d.values, nil)
	variance := 0.0
	if n > 1 {
		variance = stat.Variance(d.values, nil)
	}
	stdDev := math.Sqrt(variance)

	stability := stabilityFrom(mean, stdDev)
	trend := trendFrom(d.values)
	improvement := improvementRateFrom(d.values)

	met := 0
	if stability >= d.thresholds.StabilityThr {
		met++
	}
	if math.Abs(trend) <= d.thresholds.TrendThr {
		met++
	}
	if variance <= d.thresholds.VarianceThr {
		met++
	}
	if math.Abs(improvement) <= d.thresholds.ImprovementThr {
		met++
	}

	converged := met >= d.thresholds.MinCriteria
	confidence := normalizedConfidence(stability, trend, variance, d.thresholds)

	cycles := -1
	if !converged {
		cycles = estimateCycles(stability, d.thresholds.TargetStability, trend)
	}

	return Status{
		HasConverged:           converged,
		Confidence:             confidence,
		Stability:              stability,
		Trend:                  trend,
		Variance:               variance,
		ImprovementRate:        improvement,
		StatusMessage:          statusMessage(converged, met, d.thresholds.MinCriteria),
		CyclesUntilConvergence: cycles,
		Recommendations:        recommendationsFor(converged, stability, trend),
	}
}

func stabilityFrom(mean, stdDev float64) float64 {
	if math.Abs(mean) < 1e-9 {
		if stdDev < 1e-9 {
			return 1
		}
		return 0
	}
	return 1 / (1 + stdDev/math.Abs(mean))
}

// trendFrom fits a least-squares line through the window and returns its
// slope, using index position as the independent variable.
func trendFrom(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, values, nil, false)
	return slope
}

func improvementRateFrom(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	half := n / 2
	firstHalf := values[:half]
	secondHalf := values[n-half:]
	if half == 0 {
		return 0
	}
	delta := stat.Mean(secondHalf, nil) - stat.Mean(firstHalf, nil)
	return delta / (float64(n) / 2)
}

func normalizedConfidence(stability, trend, variance float64, thr Thresholds) float64 {
	stabilityScore := clamp01(stability)
	trendScore := clamp01(1 - math.Abs(trend)/maxFloat(thr.TrendThr*10, 1e-9))
	varianceScore := clamp01(1 - variance/maxFloat(thr.VarianceThr*10, 1e-9))
	return (stabilityScore + trendScore + varianceScore) / 3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// estimateCycles linearly extrapolates from the current stability to
// target, clamped to [1, 1000]; returns -1 when the trend points away
// from the target (not estimable).
func estimateCycles(current, target, trend float64) int {
	if current >= target {
		return 1
	}
	if trend <= 0 {
		return -1
	}
	cycles := int(math.Ceil((target - current) / trend))
	if cycles < 1 {
		cycles = 1
	}
	if cycles > 1000 {
		cycles = 1000
	}
	return cycles
}

func statusMessage(converged bool, met, required int) string {
	if converged {
		return "converged"
	}
	if met == 0 {
		return "not converging"
	}
	return "converging"
}

func recommendationsFor(converged bool, stability, trend float64) []string {
	if converged {
		return []string{"performance has stabilized, consider reducing exploration further"}
	}
	var recs []string
	if stability < 0.5 {
		recs = append(recs, "performance is highly variable, consider a lower learning rate")
	}
	if math.Abs(trend) > 0.1 {
		recs = append(recs, "performance is still trending strongly, continue training")
	}
	if len(recs) == 0 {
		recs = append(recs, "continue training and re-evaluate")
	}
	return recs
}

// Reset clears the rolling window.
func (d *Detector) Reset() {
	d.values = nil
}
