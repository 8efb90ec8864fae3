package main

import (
	"fmt"

	"github.com/lox/chesstrain/cmd/chesstrain/shared"
	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/checkpoint"
	"github.com/lox/chesstrain/internal/config"
	"github.com/lox/chesstrain/internal/convergence"
	"github.com/lox/chesstrain/internal/env"
	"github.com/lox/chesstrain/internal/kernel"
	"github.com/lox/chesstrain/internal/orchestrator"
	"github.com/lox/chesstrain/internal/replay"
	"github.com/lox/chesstrain/internal/seed"
	"github.com/lox/chesstrain/internal/selfplay"
	"github.com/lox/chesstrain/internal/trainpipeline"
	"github.com/lox/chesstrain/internal/validator"
)

// TestCmd runs a short, fully-deterministic self-play session against
// the fake environment and checks that the main agent's win rate over
// the opponent clears a minimal bar, as a smoke test that every
// collaborator wires together correctly without requiring a real chess
// rules engine.
type TestCmd struct {
	Seed     int64 `kong:"required,help='Master seed for the deterministic run'"`
	Episodes int   `kong:"help='Number of iterations to run',default='10'"`
	Debug    bool  `kong:"help='Enable debug-level logging'"`
}

// minAcceptableWinRate is the bar a deterministic smoke run against the
// fake environment is expected to clear once its agent has learned
// anything at all; a run that never beats this is treated as broken
// wiring rather than unlucky sampling, since the fake environment's
// single-pawn race is simple enough that any functioning DQN agent
// should beat a copy of its un-updated former self.
const minAcceptableWinRate = 0.3

func (c *TestCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)
	ctx := shared.SetupSignalHandlerWithLogger(logger)

	cfg := config.Default()
	cfg.Seed = &c.Seed
	cfg.DeterministicMode = true
	cfg.GamesPerIteration = 4
	cfg.ParallelGames = 2
	cfg.MaxStepsPerEpisode = 32
	cfg.MaxBufferSize = 512
	cfg.ReplayBatchSize = 16

	seedMgr := seed.New()
	seedMgr.SetMaster(c.Seed)

	rewardCfg := env.RewardConfig{WinReward: cfg.WinReward, LossReward: cfg.LossReward, DrawReward: cfg.DrawReward}
	envFactory := func() env.Env { return env.NewFake(rewardCfg) }
	probe := env.NewFake(rewardCfg)
	stateSize, actionSize := probe.StateSize(), probe.ActionSize()

	layerSizes := append([]int{stateSize}, append(append([]int{}, cfg.HiddenLayers...), actionSize)...)
	mainKernel := kernel.New(kernel.Config{LayerSizes: layerSizes, LearningRate: cfg.LearningRate})
	opponentKernel := kernel.New(kernel.Config{LayerSizes: layerSizes, LearningRate: cfg.LearningRate})
	mainInitRNG, err := seedMgr.Stream("neural_network")
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	opponentInitRNG, err := seedMgr.Stream("opponent_neural_network")
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	mainKernel.InitWeights(mainInitRNG)
	opponentKernel.InitWeights(opponentInitRNG)

	mainExplorationRNG, err := seedMgr.Stream("exploration")
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	opponentExplorationRNG, err := seedMgr.Stream("opponent_exploration")
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}

	agentCfg := agent.Config{StateSize: stateSize, ActionSize: actionSize, BatchSize: cfg.BatchSize, ExplorationRate: cfg.ExplorationRate, LearningRate: cfg.LearningRate}
	mainAgent := agent.NewDQN(agentCfg, mainKernel, mainExplorationRNG)
	opponentAgent := agent.NewDQN(agentCfg, opponentKernel, opponentExplorationRNG)

	buffer := replay.New(cfg.MaxBufferSize)
	spEngine := selfplay.New(selfplay.Config{GamesPerIteration: cfg.GamesPerIteration, MaxConcurrent: cfg.ParallelGames, MaxStepsPerGame: cfg.MaxStepsPerEpisode}, seedMgr)
	pipeline := trainpipeline.New(trainpipeline.Config{BatchesPerIteration: cfg.GamesPerIteration, BatchSize: cfg.ReplayBatchSize, MaxBufferSize: cfg.MaxBufferSize}, buffer)

	checkpoints, err := checkpoint.New(checkpointDirFor(c.Seed), checkpoint.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("test: checkpoint manager: %w", err)
	}

	orch := orchestrator.New(
		orchestrator.Config{EvaluationGames: cfg.GamesPerIteration},
		spEngine, pipeline, buffer, checkpoints, validator.New(), convergence.New(), seedMgr, envFactory, logger,
	)

	var last orchestrator.IterationSummary
	for i := 0; i < c.Episodes; i++ {
		summary, err := orch.RunIteration(ctx, mainAgent, opponentAgent)
		if err != nil {
			return fmt.Errorf("test: iteration %d: %w", i, err)
		}
		last = summary
		logger.Debug().Int("iteration", i).Float64("win_rate", summary.Evaluation.WinRate).Msg("smoke iteration")
		if summary.StopEarly {
			break
		}
	}

	logger.Info().Float64("final_win_rate", last.Evaluation.WinRate).Msg("smoke test complete")
	if last.Evaluation.WinRate < minAcceptableWinRate {
		return fmt.Errorf("test: final win rate %.3f below minimum %.3f", last.Evaluation.WinRate, minAcceptableWinRate)
	}
	return nil
}

func checkpointDirFor(seed int64) string {
	return fmt.Sprintf("checkpoints/smoke-%d", seed)
}
