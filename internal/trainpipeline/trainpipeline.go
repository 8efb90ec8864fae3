// Package trainpipeline implements the training pipeline: it drives
// a fixed number of batched updates per iteration through an Agent,
// sampling from the Replay Buffer, and tracks running loss/gradient/
// entropy and an optional early-stopping predicate, grounded on
// internal/regression.Orchestrator.ExecuteBatches's batch-loop-with-
// early-stopping-check shape.
package trainpipeline

import (
	"time"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/replay"
	"github.com/lox/chesstrain/internal/validator"
)

// Config configures one Pipeline.
type Config struct {
	BatchesPerIteration int
	BatchSize           int
	MaxBufferSize       int
	EarlyStopWindow     int
	EarlyStopThreshold  float64
	EarlyStoppingOn     bool
	HealthPolicy        validator.HealthPolicy
}

// IterationStats summarizes one RunIteration call's batched updates.
type IterationStats struct {
	BatchesRun       int
	AvgLoss          float64
	AvgGradientNorm  float64
	AvgPolicyEntropy float64
	Results          []agent.PolicyUpdateResult
	TransientIssues  []validator.Issue
}

// Pipeline drives B batched updates per iteration from a shared buffer
// into an agent, and watches a trailing performance window for early
// stopping.
type Pipeline struct {
	cfg               Config
	buffer            *replay.Buffer
	performanceWindow []float64
	health            *validator.HealthMonitor
}

// New constructs a Pipeline bound to buffer.
func New(cfg Config, buffer *replay.Buffer) *Pipeline {
	if cfg.BatchesPerIteration <= 0 {
		cfg.BatchesPerIteration = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Pipeline{cfg: cfg, buffer: buffer, health: validator.NewHealthMonitor(cfg.HealthPolicy)}
}

// RunIteration draws BatchesPerIteration batches from the buffer,
// replays each transition through ag.Learn, and forces one policy update
// per batch. It then trims the buffer to MaxBufferSize if configured.
//
// A batch update that reports PolicyUpdateResult.Err is treated as a
// transient training failure rather than a fatal one: the buffer is
// cleared locally so the bad batch can't be resampled, the iteration
// continues with the next batch, and the failure is recorded through the
// Pipeline's HealthMonitor, which escalates severity and triggers a
// RestartDelay pause if failures keep recurring within its window.
func (p *Pipeline) RunIteration(ag agent.Agent) IterationStats {
	var stats IterationStats

	for i := 0; i < p.cfg.BatchesPerIteration; i++ {
		batch := p.buffer.Sample(p.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		for _, t := range batch {
			ag.Learn(t)
		}
		result := ag.ForceUpdate()
		stats.Results = append(stats.Results, result)

		if result.Err != nil {
			issue, escalate := p.health.RecordFailure(result.Err)
			stats.TransientIssues = append(stats.TransientIssues, issue)
			p.buffer.Clear()
			if escalate {
				time.Sleep(p.health.Policy().RestartDelay)
			}
			continue
		}
		p.health.RecordSuccess()

		if result.Updated {
			stats.BatchesRun++
			stats.AvgLoss += result.Loss
			stats.AvgGradientNorm += result.GradientNorm
			stats.AvgPolicyEntropy += result.PolicyEntropy
		}
	}

	if stats.BatchesRun > 0 {
		n := float64(stats.BatchesRun)
		stats.AvgLoss /= n
		stats.AvgGradientNorm /= n
		stats.AvgPolicyEntropy /= n
	}

	if p.cfg.MaxBufferSize > 0 {
		p.buffer.TrimTo(p.cfg.MaxBufferSize)
	}

	return stats
}

// ObservePerformance appends value to the trailing performance window
// used by ShouldStopEarly.
func (p *Pipeline) ObservePerformance(value float64) {
	if !p.cfg.EarlyStoppingOn || p.cfg.EarlyStopWindow <= 0 {
		return
	}
	p.performanceWindow = append(p.performanceWindow, value)
	if len(p.performanceWindow) > p.cfg.EarlyStopWindow {
		p.performanceWindow = p.performanceWindow[len(p.performanceWindow)-p.cfg.EarlyStopWindow:]
	}
}

// ShouldStopEarly reports whether the trailing window's mean performance
// has exceeded the configured threshold.
func (p *Pipeline) ShouldStopEarly() bool {
	if !p.cfg.EarlyStoppingOn || len(p.performanceWindow) < p.cfg.EarlyStopWindow {
		return false
	}
	sum := 0.0
	for _, v := range p.performanceWindow {
		sum += v
	}
	mean := sum / float64(len(p.performanceWindow))
	return mean > p.cfg.EarlyStopThreshold
}
