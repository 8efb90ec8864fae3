// Package orchestrator implements the per-iteration training cycle:
// self-play, training, evaluation, opponent update, checkpointing and
// validation, grounded on internal/regression.Orchestrator's phase-loop
// shape (self-play and evaluation standing in for that file's play and
// scoring phases).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/checkpoint"
	"github.com/lox/chesstrain/internal/convergence"
	"github.com/lox/chesstrain/internal/replay"
	"github.com/lox/chesstrain/internal/seed"
	"github.com/lox/chesstrain/internal/selfplay"
	"github.com/lox/chesstrain/internal/trainpipeline"
	"github.com/lox/chesstrain/internal/validator"
)

// OpponentStrategy selects how the opponent agent is refreshed at the end
// of an iteration.
type OpponentStrategy int

const (
	// CopyMain overwrites the opponent with the main agent's current
	// state every iteration.
	CopyMain OpponentStrategy = iota
	// Historical refreshes the opponent from a past checkpoint every
	// OpponentUpdateFrequency iterations.
	Historical
	// Fixed never updates the opponent after construction.
	Fixed
	// Adaptive behaves like CopyMain but only once the main agent's win
	// rate against the current opponent clears AdaptiveThreshold.
	Adaptive
)

// Config configures one Orchestrator.
type Config struct {
	OpponentStrategy        OpponentStrategy
	OpponentUpdateFrequency int
	AdaptiveThreshold       float64
	EvaluationGames         int
	StepLimitPenalty        float64
	TreatStepLimitAsDraw    bool
	ScratchDir              string
	// ReproCommand, when set, is stamped onto every checkpoint's
	// Metadata.AdditionalInfo["repro_cmd"] so a checkpoint on disk
	// carries the exact invocation that can reproduce its run.
	ReproCommand string
}

// ProgressReporter receives progress notifications during RunIteration,
// mirroring internal/regression.ProgressReporter's batch/hand callbacks
// generalized from poker hands to self-play games and iterations.
type ProgressReporter interface {
	OnIterationStart(iteration int)
	OnIterationComplete(summary IterationSummary)
	OnGamesProgress(gamesCompleted, totalGames int)
}

// Option configures an Orchestrator beyond its required collaborators.
type Option func(*Orchestrator)

// WithProgressReporter attaches a ProgressReporter. The Orchestrator
// wires it into its self-play engine too, so OnGamesProgress fires as
// games complete rather than only once per iteration.
func WithProgressReporter(r ProgressReporter) Option {
	return func(o *Orchestrator) { o.progressReporter = r }
}

// LogProgressReporter is the default ProgressReporter: it logs every
// callback through a structured logger rather than driving a dashboard,
// which stays out of scope.
type LogProgressReporter struct {
	logger zerolog.Logger
}

// NewLogProgressReporter constructs a LogProgressReporter over logger.
func NewLogProgressReporter(logger zerolog.Logger) *LogProgressReporter {
	return &LogProgressReporter{logger: logger}
}

func (r *LogProgressReporter) OnIterationStart(iteration int) {
	r.logger.Debug().Int("iteration", iteration).Msg("iteration starting")
}

func (r *LogProgressReporter) OnIterationComplete(summary IterationSummary) {
	r.logger.Debug().Int("iteration", summary.Iteration).Float64("win_rate", summary.Evaluation.WinRate).Msg("iteration progress complete")
}

func (r *LogProgressReporter) OnGamesProgress(gamesCompleted, totalGames int) {
	r.logger.Debug().Int("games_completed", gamesCompleted).Int("total_games", totalGames).Msg("self-play progress")
}

// EvaluationResult summarizes one block of evaluation games from the main
// agent's perspective.
type EvaluationResult struct {
	Games         int
	Wins          int
	Draws         int
	Losses        int
	WinRate       float64
	DrawRate      float64
	LossRate      float64
	AverageReward float64
}

// IterationSummary is the full report produced by one RunIteration call.
type IterationSummary struct {
	Iteration        int
	SelfPlay         selfplay.IterationResult
	Training         trainpipeline.IterationStats
	Evaluation       EvaluationResult
	Checkpoint       checkpoint.Record
	Validation       validator.Record
	Convergence      convergence.Status
	StepLimitGames   int
	StepLimitPenalty float64
	StopEarly        bool
}

// Orchestrator wires the self-play engine, training pipeline, checkpoint
// manager, validator and convergence detector into one per-iteration
// cycle.
type Orchestrator struct {
	cfg Config

	selfplayEngine *selfplay.Engine
	pipeline       *trainpipeline.Pipeline
	buffer         *replay.Buffer
	checkpoints    *checkpoint.Manager
	validatorEng   *validator.Validator
	convergenceDet *convergence.Detector
	seedMgr        *seed.Manager
	envFactory     selfplay.EnvFactory

	logger zerolog.Logger

	iteration           int
	lastUpdate          agent.PolicyUpdateResult
	lastOpponentRefresh int
	stopRequested       bool
	progressReporter    ProgressReporter
}

// New constructs an Orchestrator from its already-built collaborators.
func New(
	cfg Config,
	selfplayEngine *selfplay.Engine,
	pipeline *trainpipeline.Pipeline,
	buffer *replay.Buffer,
	checkpoints *checkpoint.Manager,
	validatorEng *validator.Validator,
	convergenceDet *convergence.Detector,
	seedMgr *seed.Manager,
	envFactory selfplay.EnvFactory,
	logger zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.EvaluationGames <= 0 {
		cfg.EvaluationGames = 20
	}
	if cfg.OpponentUpdateFrequency <= 0 {
		cfg.OpponentUpdateFrequency = 5
	}
	if cfg.AdaptiveThreshold <= 0 {
		cfg.AdaptiveThreshold = 0.7
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	o := &Orchestrator{
		cfg:            cfg,
		selfplayEngine: selfplayEngine,
		pipeline:       pipeline,
		buffer:         buffer,
		checkpoints:    checkpoints,
		validatorEng:   validatorEng,
		convergenceDet: convergenceDet,
		seedMgr:        seedMgr,
		envFactory:     envFactory,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.progressReporter != nil {
		o.selfplayEngine.SetProgress(func(done, total int) {
			o.progressReporter.OnGamesProgress(done, total)
		})
	}
	return o
}

// Stop requests that the current and future self-play phases halt early.
func (o *Orchestrator) Stop() {
	o.stopRequested = true
	o.selfplayEngine.Stop()
}

// RunIteration executes one full cycle: self-play, training, evaluation,
// opponent refresh, checkpointing and validation.
func (o *Orchestrator) RunIteration(ctx context.Context, main, opponent agent.Agent) (IterationSummary, error) {
	it := o.iteration
	o.iteration++

	if o.progressReporter != nil {
		o.progressReporter.OnIterationStart(it)
	}

	before := main.Metrics()

	spResult, err := o.selfplayEngine.RunIteration(ctx, it, o.envFactory, main, opponent)
	if err != nil {
		return IterationSummary{}, fmt.Errorf("orchestrator: self-play: %w", err)
	}
	stepLimitGames, stepLimitPenalty := o.stepLimitStats(spResult)
	for _, g := range spResult.Games {
		for _, t := range g.Transitions {
			o.buffer.Add(t)
		}
	}

	trainStats := o.pipeline.RunIteration(main)
	if len(trainStats.Results) > 0 {
		o.lastUpdate = trainStats.Results[len(trainStats.Results)-1]
	}

	evalResult, err := o.evaluate(ctx, main, opponent, it)
	if err != nil {
		return IterationSummary{}, fmt.Errorf("orchestrator: evaluate: %w", err)
	}

	o.refreshOpponent(main, opponent, evalResult, it)

	performance := evalResult.AverageReward
	meta := checkpoint.Metadata{
		Cycle:       it,
		Performance: performance,
		Description: fmt.Sprintf("iteration %d", it),
	}
	if cfg, serr := o.seedMgr.Serialize(); serr == nil {
		meta.SeedConfiguration = cfg
	}
	if o.cfg.ReproCommand != "" {
		meta.AdditionalInfo = map[string]any{"repro_cmd": o.cfg.ReproCommand}
	}
	rec, err := o.checkpoints.Create(main, it, meta)
	if err != nil {
		return IterationSummary{}, fmt.Errorf("orchestrator: checkpoint: %w", err)
	}

	after := main.Metrics()
	validation := o.validatorEng.Validate(it, before, after, o.lastUpdate)
	for _, issue := range trainStats.TransientIssues {
		o.logger.Warn().Str("type", string(issue.Type)).Str("severity", issue.Severity.String()).Str("message", issue.Message).Msg("transient training error")
		validation.Issues = append(validation.Issues, issue)
		if issue.Severity == validator.High {
			validation.IsValid = false
		}
	}
	convStatus := o.convergenceDet.Observe(performance)
	o.pipeline.ObservePerformance(performance)

	stopEarly := o.stopRequested || o.pipeline.ShouldStopEarly() || convStatus.HasConverged

	summary := IterationSummary{
		Iteration:        it,
		SelfPlay:         spResult,
		Training:         trainStats,
		Evaluation:       evalResult,
		Checkpoint:       rec,
		Validation:       validation,
		Convergence:      convStatus,
		StepLimitGames:   stepLimitGames,
		StepLimitPenalty: stepLimitPenalty,
		StopEarly:        stopEarly,
	}
	if o.progressReporter != nil {
		o.progressReporter.OnIterationComplete(summary)
	}
	return summary, nil
}

// stepLimitStats reports how many of this iteration's self-play games
// exhausted their step budget and the total penalty that applies to the
// performance aggregate as a result. Environments never apply the
// step-limit penalty themselves, and recorded transitions are never
// rewritten to carry it either — Transition is immutable once emitted —
// so the penalty only ever surfaces here, as a separate summary field.
func (o *Orchestrator) stepLimitStats(result selfplay.IterationResult) (games int, penalty float64) {
	for _, g := range result.Games {
		if !g.HitStepLimit {
			continue
		}
		games++
		if !o.cfg.TreatStepLimitAsDraw {
			penalty += o.cfg.StepLimitPenalty
		}
	}
	return games, penalty
}

// evaluate plays a fixed block of games between main and opponent with
// main's exploration temporarily disabled, reusing the self-play engine
// but routed through a distinct seed region so evaluation games never
// collide with training games from the same iteration index.
func (o *Orchestrator) evaluate(ctx context.Context, main, opponent agent.Agent, it int) (EvaluationResult, error) {
	savedRate := main.Metrics().ExplorationRate
	main.SetExplorationRate(0)
	defer main.SetExplorationRate(savedRate)

	evalEngine := selfplay.New(selfplay.Config{
		GamesPerIteration: o.cfg.EvaluationGames,
		MaxConcurrent:     1,
		MaxStepsPerGame:   200,
	}, o.seedMgr)

	result, err := evalEngine.RunIteration(ctx, evaluationSeedOffset+it, o.envFactory, main, opponent)
	if err != nil {
		return EvaluationResult{}, err
	}

	out := EvaluationResult{Games: result.TotalGames}
	totalReward := 0.0
	for _, g := range result.Games {
		switch g.MainResult {
		case "WIN":
			out.Wins++
		case "LOSS":
			out.Losses++
		default:
			out.Draws++
		}
		for _, t := range g.Transitions {
			totalReward += t.Reward
		}
	}
	if out.Games > 0 {
		out.WinRate = float64(out.Wins) / float64(out.Games)
		out.DrawRate = float64(out.Draws) / float64(out.Games)
		out.LossRate = float64(out.Losses) / float64(out.Games)
	}
	if result.TotalExperiences > 0 {
		out.AverageReward = totalReward / float64(result.TotalExperiences)
	}
	return out, nil
}

// evaluationSeedOffset pushes evaluation-phase seeds into a region of the
// iteration index space disjoint from training self-play, which uses
// raw iteration indices starting at 0.
const evaluationSeedOffset = 1_000_000

// refreshOpponent applies the configured OpponentStrategy.
func (o *Orchestrator) refreshOpponent(main, opponent agent.Agent, eval EvaluationResult, it int) {
	switch o.cfg.OpponentStrategy {
	case Fixed:
		return
	case CopyMain:
		o.copyInto(main, opponent)
	case Adaptive:
		if eval.WinRate >= o.cfg.AdaptiveThreshold {
			o.copyInto(main, opponent)
		}
	case Historical:
		if it > 0 && it-o.lastOpponentRefresh >= o.cfg.OpponentUpdateFrequency {
			if best, ok := o.checkpoints.Best(); ok {
				if res := o.checkpoints.Load(best.Version, opponent, false); res.Err == nil {
					o.lastOpponentRefresh = it
				}
			}
		}
	}
}

// copyInto round-trips main's state through a scratch file into opponent,
// since Agent exposes no in-memory clone operation.
func (o *Orchestrator) copyInto(main, opponent agent.Agent) {
	scratch := filepath.Join(o.cfg.ScratchDir, "opponent_refresh.tmp")
	if err := main.Save(scratch); err != nil {
		o.logger.Warn().Err(err).Msg("opponent refresh: save failed")
		return
	}
	defer os.Remove(scratch)
	if err := opponent.Load(scratch); err != nil {
		o.logger.Warn().Err(err).Msg("opponent refresh: load failed")
	}
}
