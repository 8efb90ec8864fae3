package main

import (
	"fmt"
	"strings"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/checkpoint"
	"github.com/lox/chesstrain/internal/config"
	"github.com/lox/chesstrain/internal/convergence"
	"github.com/lox/chesstrain/internal/env"
	"github.com/lox/chesstrain/internal/kernel"
	"github.com/lox/chesstrain/internal/lifecycle"
	"github.com/lox/chesstrain/internal/orchestrator"
	"github.com/lox/chesstrain/internal/replay"
	"github.com/lox/chesstrain/internal/seed"
	"github.com/lox/chesstrain/internal/selfplay"
	"github.com/lox/chesstrain/internal/trainpipeline"
	"github.com/lox/chesstrain/internal/validator"

	"github.com/lox/chesstrain/cmd/chesstrain/shared"
)

// TrainCmd starts a self-play training session and runs it to
// completion, to a step budget, or until convergence/early-stopping
// calls it off.
type TrainCmd struct {
	Seed          *int64 `kong:"help='Master seed; random if omitted'"`
	Deterministic bool   `kong:"help='Fail instead of falling back to time-seeded randomness'"`
	Name          string `kong:"help='Session name',default='training-session'"`
	Description   string `kong:"help='Free-text session description'"`
	Debug         bool   `kong:"help='Enable debug-level logging'"`
	ConfigFile    string `kong:"name='config',help='Load an HCL configuration file before applying flags'"`

	TrainingFlags
}

func (c *TrainCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)
	ctx := shared.SetupSignalHandlerWithLogger(logger)

	cfg := config.Default()
	if c.ConfigFile != "" {
		loaded, err := config.Load(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("train: load config: %w", err)
		}
		cfg = loaded
	}
	if c.Seed != nil {
		cfg.Seed = c.Seed
	}
	cfg.DeterministicMode = c.Deterministic
	if err := c.TrainingFlags.ApplyTo(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("train: %w", err)
	}

	seedMgr := seed.New()
	if cfg.Seed != nil {
		seedMgr.SetMaster(*cfg.Seed)
	} else if cfg.DeterministicMode {
		return fmt.Errorf("train: deterministic mode requires --seed")
	} else {
		seedMgr.SetRandom()
	}
	masterSeed, err := seedMgr.MasterSeed()
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	logger.Info().Int64("seed", masterSeed).Str("name", c.Name).Msg("starting training session")

	rewardCfg := env.RewardConfig{
		WinReward:             cfg.WinReward,
		LossReward:            cfg.LossReward,
		DrawReward:            cfg.DrawReward,
		EnablePositionRewards: cfg.EnablePositionRewards,
	}
	envFactory := func() env.Env { return env.NewFake(rewardCfg) }
	probe := env.NewFake(rewardCfg)
	stateSize, actionSize := probe.StateSize(), probe.ActionSize()

	mainKernel := kernel.New(kernel.Config{
		LayerSizes:   append([]int{stateSize}, append(append([]int{}, cfg.HiddenLayers...), actionSize)...),
		Activation:   kernel.Activation(cfg.Activation),
		WeightInit:   kernel.WeightInit(cfg.WeightInit),
		Optimizer:    kernel.Optimizer(cfg.Optimizer),
		LearningRate: cfg.LearningRate,
	})
	opponentKernel := kernel.New(kernel.Config{
		LayerSizes:   append([]int{stateSize}, append(append([]int{}, cfg.HiddenLayers...), actionSize)...),
		Activation:   kernel.Activation(cfg.Activation),
		WeightInit:   kernel.WeightInit(cfg.WeightInit),
		Optimizer:    kernel.Optimizer(cfg.Optimizer),
		LearningRate: cfg.LearningRate,
	})
	mainInitRNG, err := seedMgr.Stream("neural_network")
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	opponentInitRNG, err := seedMgr.Stream("opponent_neural_network")
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	mainKernel.InitWeights(mainInitRNG)
	opponentKernel.InitWeights(opponentInitRNG)

	mainExplorationRNG, err := seedMgr.Stream("exploration")
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	opponentExplorationRNG, err := seedMgr.Stream("opponent_exploration")
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	agentCfg := agent.Config{
		StateSize:       stateSize,
		ActionSize:      actionSize,
		BatchSize:       cfg.BatchSize,
		ExplorationRate: cfg.ExplorationRate,
		LearningRate:    cfg.LearningRate,
	}
	mainAgent := agent.NewDQN(agentCfg, mainKernel, mainExplorationRNG)
	opponentAgent := agent.NewDQN(agentCfg, opponentKernel, opponentExplorationRNG)

	buffer := replay.New(cfg.MaxBufferSize,
		replay.WithEvictionStrategy(evictionStrategyFor(cfg.ExperienceCleanup)),
		replay.WithSamplingStrategy(samplingStrategyFor(cfg.SamplingStrategy)),
	)

	spEngine := selfplay.New(selfplay.Config{
		GamesPerIteration: cfg.GamesPerIteration,
		MaxConcurrent:     cfg.ParallelGames,
		MaxStepsPerGame:   cfg.MaxStepsPerEpisode,
	}, seedMgr)

	pipeline := trainpipeline.New(trainpipeline.Config{
		BatchesPerIteration: cfg.GamesPerIteration,
		BatchSize:           cfg.ReplayBatchSize,
		MaxBufferSize:       cfg.MaxBufferSize,
		HealthPolicy:        validator.DefaultHealthPolicy(),
	}, buffer)

	checkpointDir := "checkpoints/" + c.Name
	checkpoints, err := checkpoint.New(checkpointDir, checkpoint.WithMaxVersions(cfg.MaxCheckpoints), checkpoint.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("train: checkpoint manager: %w", err)
	}

	validatorEng := validator.New()
	convergenceDet := convergence.New()

	orch := orchestrator.New(
		orchestrator.Config{
			EvaluationGames:      cfg.GamesPerIteration,
			StepLimitPenalty:     cfg.StepLimitPenalty,
			TreatStepLimitAsDraw: cfg.TreatStepLimitAsDrawForReporting,
			ReproCommand:         buildReproCommand(c.Name, masterSeed, cfg),
		},
		spEngine, pipeline, buffer, checkpoints, validatorEng, convergenceDet, seedMgr, envFactory, logger,
		orchestrator.WithProgressReporter(orchestrator.NewLogProgressReporter(logger)),
	)

	controller := lifecycle.New(orch, mainAgent, opponentAgent, cfg, logger)
	if err := controller.Start(c.Name, &cfg); err != nil {
		return fmt.Errorf("train: %w", err)
	}

	for iteration := 0; ; iteration++ {
		select {
		case <-ctx.Done():
			logger.Info().Msg("signal received, stopping training session")
			return controller.Stop()
		default:
		}

		summary, err := controller.RunIteration(ctx)
		if err != nil {
			return fmt.Errorf("train: iteration %d: %w", iteration, err)
		}
		logger.Info().
			Int("iteration", summary.Iteration).
			Float64("win_rate", summary.Evaluation.WinRate).
			Float64("avg_loss", summary.Training.AvgLoss).
			Bool("converged", summary.Convergence.HasConverged).
			Msg("iteration complete")

		if summary.StopEarly {
			logger.Info().Msg("training session complete")
			return nil
		}
		if cfg.Episodes > 0 && iteration+1 >= cfg.Episodes {
			logger.Info().Msg("episode budget exhausted")
			return controller.Stop()
		}
	}
}

// buildReproCommand renders the chesstrain train invocation that
// reproduces this session's resolved configuration, grounded on
// internal/regression.ServerConfig.BuildReproCommand's flag-flattening
// pattern.
func buildReproCommand(name string, masterSeed int64, cfg config.TrainingConfiguration) string {
	args := []string{
		"chesstrain", "train",
		fmt.Sprintf("--seed=%d", masterSeed),
		fmt.Sprintf("--name=%s", name),
		fmt.Sprintf("--episodes=%d", cfg.Episodes),
		fmt.Sprintf("--batch-size=%d", cfg.BatchSize),
		fmt.Sprintf("--learning-rate=%g", cfg.LearningRate),
		fmt.Sprintf("--exploration-rate=%g", cfg.ExplorationRate),
		fmt.Sprintf("--optimizer=%s", cfg.Optimizer),
		fmt.Sprintf("--games-per-iteration=%d", cfg.GamesPerIteration),
		fmt.Sprintf("--parallel-games=%d", cfg.ParallelGames),
		fmt.Sprintf("--max-steps-per-game=%d", cfg.MaxStepsPerEpisode),
		fmt.Sprintf("--step-limit-penalty=%g", cfg.StepLimitPenalty),
		fmt.Sprintf("--experience-cleanup=%s", cfg.ExperienceCleanup),
		fmt.Sprintf("--checkpoint-interval=%d", cfg.CheckpointInterval),
	}
	return strings.Join(args, " ")
}

func evictionStrategyFor(name string) replay.EvictionStrategy {
	switch name {
	case "LOWEST_QUALITY":
		return replay.LowestQuality
	case "RANDOM":
		return replay.RandomEviction
	default:
		return replay.OldestFirst
	}
}

func samplingStrategyFor(name string) replay.SamplingStrategy {
	switch name {
	case "recent":
		return replay.Recent
	case "mixed":
		return replay.Mixed
	default:
		return replay.Uniform
	}
}
