package main

import (
	"fmt"

	"github.com/lox/chesstrain/internal/config"
)

// TrainingFlags is the command-line surface shared between the train
// verb and "config create", mapped onto the same named parameters the
// Lifecycle Controller's Set accepts.
type TrainingFlags struct {
	Episodes               int     `kong:"help='Number of episodes to run',default='0'"`
	BatchSize              int     `kong:"help='Replay batch size drawn per training step',default='0'"`
	LearningRate           float64 `kong:"help='Optimizer learning rate',default='0'"`
	ExplorationRate        float64 `kong:"help='Epsilon for epsilon-greedy action selection',default='-1'"`
	Optimizer              string  `kong:"help='Gradient-descent rule: sgd, adam, or rmsprop',enum='sgd,adam,rmsprop,',default=''"`
	GamesPerIteration      int     `kong:"help='Self-play games run per iteration',default='0'"`
	ParallelGames          int     `kong:"help='Maximum concurrent self-play games',default='0'"`
	MaxStepsPerGame        int     `kong:"name='max-steps-per-game',help='Ply limit before a game is ruled a step-limit draw',default='0'"`
	StepLimitPenalty       float64 `kong:"help='Reward applied when a game hits the step limit, in [-1,0]',default='1'"`
	TreatStepLimitAsDraw   bool    `kong:"name='treat-step-limit-as-draw',help='Report step-limit terminations as draws',negatable,default='true'"`
	ExperienceCleanup      string  `kong:"help='Eviction strategy when the replay buffer is full',enum='OLDEST_FIRST,LOWEST_QUALITY,RANDOM,',default=''"`
	CheckpointInterval     int     `kong:"help='Iterations between checkpoint writes',default='0'"`
}

// ApplyTo overlays every flag the caller actually set onto cfg, leaving
// cfg's existing value (its default, or whatever a loaded file carried)
// wherever the flag was left at its unset default: zero or empty for most
// flags, -1 for exploration-rate and 1 for step-limit-penalty.
// treat-step-limit-as-draw has no unset state and is always applied.
func (f *TrainingFlags) ApplyTo(cfg *config.TrainingConfiguration) error {
	sets := map[string]any{}
	if f.Episodes > 0 {
		sets["episodes"] = f.Episodes
	}
	if f.BatchSize > 0 {
		sets["batch_size"] = f.BatchSize
	}
	if f.LearningRate > 0 {
		sets["learning_rate"] = f.LearningRate
	}
	if f.ExplorationRate >= 0 {
		sets["exploration_rate"] = f.ExplorationRate
	}
	if f.Optimizer != "" {
		sets["optimizer"] = f.Optimizer
	}
	if f.GamesPerIteration > 0 {
		sets["games_per_iteration"] = f.GamesPerIteration
	}
	if f.ParallelGames > 0 {
		sets["parallel_games"] = f.ParallelGames
	}
	if f.MaxStepsPerGame > 0 {
		sets["max_steps_per_episode"] = f.MaxStepsPerGame
	}
	if f.StepLimitPenalty <= 0 {
		sets["step_limit_penalty"] = f.StepLimitPenalty
	}
	sets["treat_step_limit_as_draw_for_reporting"] = f.TreatStepLimitAsDraw
	if f.ExperienceCleanup != "" {
		sets["experience_cleanup"] = f.ExperienceCleanup
	}
	if f.CheckpointInterval > 0 {
		sets["checkpoint_interval"] = f.CheckpointInterval
	}

	for name, value := range sets {
		if err := cfg.Set(name, value); err != nil {
			return fmt.Errorf("flags: %w", err)
		}
	}
	return nil
}
