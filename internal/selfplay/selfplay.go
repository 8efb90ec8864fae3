// Package selfplay implements the self-play engine: it runs a batch
// of games concurrently over a bounded worker pool, grounded on
// internal/evaluator.EstimateEquityParallel's errgroup worker-pool
// pattern — one independent PRNG per concurrent task, seeded from a
// shared master rather than threading a mutex-guarded generator through
// every worker.
package selfplay

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/engine"
	"github.com/lox/chesstrain/internal/env"
	"github.com/lox/chesstrain/internal/randutil"
	"github.com/lox/chesstrain/internal/seed"
)

// ProgressFunc is notified after each game in an iteration finishes,
// reporting how many of the iteration's games have completed so far. It
// may be called concurrently from multiple game goroutines and must be
// safe for that.
type ProgressFunc func(completed, total int)

// EnvFactory builds a fresh Env instance for one game task. Each
// concurrent game owns its own environment.
type EnvFactory func() env.Env

// Color identifies which side the main agent plays in a given game.
type Color int

const (
	White Color = iota
	Black
)

// GameResult is the outcome of one self-play game.
type GameResult struct {
	Transitions  []engine.Transition
	Length       int
	Status       env.GameStatus
	HitStepLimit bool
	MainColor    Color
	MainResult   string // "WIN", "LOSS", "DRAW", or "STEP_LIMIT"
}

// IterationResult aggregates every game run during one self-play
// iteration.
type IterationResult struct {
	TotalGames        int
	TotalExperiences  int
	AverageGameLength float64
	OutcomeHistogram  map[string]int
	Experiences       []engine.Transition
	Games             []GameResult
}

// Engine runs N self-play games per iteration, up to K concurrently.
type Engine struct {
	gamesPerIteration int
	maxConcurrent     int
	maxStepsPerGame   int
	seedMgr           *seed.Manager
	stopped           atomic.Bool
	progressFunc      ProgressFunc
}

// Config configures an Engine; zero values fall back to documented defaults.
type Config struct {
	GamesPerIteration int
	MaxConcurrent     int
	MaxStepsPerGame   int
}

// New constructs a self-play Engine bound to seedMgr for deterministic
// per-game sub-streams.
func New(cfg Config, seedMgr *seed.Manager) *Engine {
	if cfg.GamesPerIteration <= 0 {
		cfg.GamesPerIteration = 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxStepsPerGame <= 0 {
		cfg.MaxStepsPerGame = 200
	}
	return &Engine{
		gamesPerIteration: cfg.GamesPerIteration,
		maxConcurrent:     cfg.MaxConcurrent,
		maxStepsPerGame:   cfg.MaxStepsPerGame,
		seedMgr:           seedMgr,
	}
}

// Stop sets the cooperative cancellation flag; in-flight games finish
// their current ply, emit no further transitions, and terminate.
func (e *Engine) Stop() { e.stopped.Store(true) }

// Resume clears the cooperative cancellation flag for the next iteration.
func (e *Engine) Resume() { e.stopped.Store(false) }

// SetProgress installs fn to be called as games complete during
// RunIteration. Pass nil to stop reporting progress.
func (e *Engine) SetProgress(fn ProgressFunc) {
	e.progressFunc = fn
}

// RunIteration runs gamesPerIteration games for iteration index it,
// alternating which color the main agent plays, and returns the
// aggregated experiences.
func (e *Engine) RunIteration(ctx context.Context, it int, factory EnvFactory, main, opponent agent.Agent) (IterationResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	results := make([]GameResult, e.gamesPerIteration)
	var completed atomic.Int32

	for i := 0; i < e.gamesPerIteration; i++ {
		idx := i
		mainColor := White
		if idx%2 == 1 {
			mainColor = Black
		}
		g.Go(func() error {
			if e.stopped.Load() {
				return nil
			}
			environment := factory()
			rngSeed := e.gameSeed(it, idx)
			result := e.runGame(gctx, environment, main, opponent, mainColor, rngSeed)
			results[idx] = result
			if e.progressFunc != nil {
				e.progressFunc(int(completed.Add(1)), e.gamesPerIteration)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return IterationResult{}, err
	}

	return aggregate(results), nil
}

// gameSeed derives a deterministic sub-seed for game (iteration, index)
// from the Data stream's component seed: for a fixed master seed, the
// set of per-game seeds is independent of execution order.
func (e *Engine) gameSeed(iteration, index int) int64 {
	seeds, err := e.seedMgr.ComponentSeeds()
	var base uint64
	if err == nil {
		base = uint64(seeds["data"])
	}
	mixed := randutil.Mix(base ^ randutil.Mix(uint64(iteration)*1000003+uint64(index)))
	return int64(mixed)
}

func (e *Engine) runGame(ctx context.Context, environment env.Env, main, opponent agent.Agent, mainColor Color, seedVal int64) GameResult {
	rng := randutil.New(seedVal)
	state := environment.Reset()
	var transitions []engine.Transition
	steps := 0
	hitLimit := false

	toMoveIsMain := mainColor == White

	for steps < e.maxStepsPerGame {
		select {
		case <-ctx.Done():
			return GameResult{Transitions: transitions, Length: steps, Status: environment.GameStatus()}
		default:
		}
		if e.stopped.Load() {
			break
		}

		valid := environment.ValidActions()
		if len(valid) == 0 {
			break
		}

		mover := opponent
		if toMoveIsMain {
			mover = main
		}

		action, err := mover.SelectActionWithRNG(rng, state, valid)
		if err != nil {
			break
		}

		result, err := environment.Step(action)
		if err != nil {
			break
		}

		reward := result.Reward
		if !toMoveIsMain {
			reward = -reward
		}

		transitions = append(transitions, engine.Transition{
			State:     state,
			Action:    action,
			Reward:    reward,
			NextState: result.NextState,
			Done:      result.Done,
		})

		state = result.NextState
		steps++
		toMoveIsMain = !toMoveIsMain

		if result.Done {
			break
		}
	}

	if steps >= e.maxStepsPerGame && !environment.IsTerminal() {
		hitLimit = true
	}

	status := environment.GameStatus()
	return GameResult{
		Transitions:  transitions,
		Length:       steps,
		Status:       status,
		HitStepLimit: hitLimit,
		MainColor:    mainColor,
		MainResult:   mainResultOf(status, mainColor, hitLimit),
	}
}

// mainResultOf classifies a finished game from the main agent's
// perspective, independent of which color it happened to play.
func mainResultOf(status env.GameStatus, mainColor Color, hitLimit bool) string {
	if hitLimit {
		return "STEP_LIMIT"
	}
	switch status {
	case env.WhiteWins:
		if mainColor == White {
			return "WIN"
		}
		return "LOSS"
	case env.BlackWins:
		if mainColor == Black {
			return "WIN"
		}
		return "LOSS"
	case env.Draw:
		return "DRAW"
	default:
		return "STEP_LIMIT"
	}
}

func aggregate(results []GameResult) IterationResult {
	out := IterationResult{OutcomeHistogram: make(map[string]int), Games: results}
	totalLength := 0
	for _, r := range results {
		out.TotalGames++
		out.Experiences = append(out.Experiences, r.Transitions...)
		out.TotalExperiences += len(r.Transitions)
		totalLength += r.Length
		key := r.Status.String()
		if r.HitStepLimit {
			key = "STEP_LIMIT"
		}
		out.OutcomeHistogram[key]++
	}
	if out.TotalGames > 0 {
		out.AverageGameLength = float64(totalLength) / float64(out.TotalGames)
	}
	return out
}
