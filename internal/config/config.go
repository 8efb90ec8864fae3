// Package config defines the training engine's configuration surface:
// an HCL-backed TrainingConfiguration with every recognized parameter,
// its default, and a Validate method, grounded on
// internal/server.ServerConfig's HCL-via-gohcl load/default/validate
// shape.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// TrainingConfiguration is the full set of recognized training
// parameters. Every field is addressable by name through the
// KnownParameters/Get/Set helpers so the Lifecycle Controller's adjust
// operation can validate and apply
// updates generically.
type TrainingConfiguration struct {
	Seed                            *int64    `hcl:"seed,optional"`
	DeterministicMode               bool      `hcl:"deterministic_mode,optional"`
	Episodes                        int       `hcl:"episodes,optional"`
	MaxStepsPerEpisode              int       `hcl:"max_steps_per_episode,optional"`
	BatchSize                       int       `hcl:"batch_size,optional"`
	LearningRate                    float64   `hcl:"learning_rate,optional"`
	ExplorationRate                 float64   `hcl:"exploration_rate,optional"`
	HiddenLayers                    []int     `hcl:"hidden_layers,optional"`
	Activation                      string    `hcl:"activation,optional"`
	Optimizer                       string    `hcl:"optimizer,optional"`
	WeightInit                      string    `hcl:"weight_init,optional"`
	MaxBufferSize                   int       `hcl:"max_buffer_size,optional"`
	ReplayBatchSize                 int       `hcl:"replay_batch_size,optional"`
	SamplingStrategy                string    `hcl:"sampling_strategy,optional"`
	CheckpointInterval              int       `hcl:"checkpoint_interval,optional"`
	MaxCheckpoints                  int       `hcl:"max_checkpoints,optional"`
	WinReward                       float64   `hcl:"win_reward,optional"`
	LossReward                      float64   `hcl:"loss_reward,optional"`
	DrawReward                      float64   `hcl:"draw_reward,optional"`
	EnablePositionRewards           bool      `hcl:"enable_position_rewards,optional"`
	GamesPerIteration               int       `hcl:"games_per_iteration,optional"`
	ParallelGames                   int       `hcl:"parallel_games,optional"`
	StepLimitPenalty                float64   `hcl:"step_limit_penalty,optional"`
	TreatStepLimitAsDrawForReporting bool     `hcl:"treat_step_limit_as_draw_for_reporting,optional"`
	ExperienceCleanup               string    `hcl:"experience_cleanup,optional"`
	ProgressReportInterval          int       `hcl:"progress_report_interval,optional"`
	MaxRollbackHistory              int       `hcl:"max_rollback_history,optional"`
}

// Default returns the configuration surface's documented defaults.
func Default() TrainingConfiguration {
	return TrainingConfiguration{
		Seed:                            nil,
		DeterministicMode:               false,
		Episodes:                        1000,
		MaxStepsPerEpisode:              200,
		BatchSize:                       64,
		LearningRate:                    0.001,
		ExplorationRate:                 0.1,
		HiddenLayers:                    []int{512, 256, 128},
		Activation:                      "relu",
		Optimizer:                       "adam",
		WeightInit:                      "xavier",
		MaxBufferSize:                   50000,
		ReplayBatchSize:                 32,
		SamplingStrategy:                "uniform",
		CheckpointInterval:              1000,
		MaxCheckpoints:                  20,
		WinReward:                       1.0,
		LossReward:                      -1.0,
		DrawReward:                      0.0,
		EnablePositionRewards:           false,
		GamesPerIteration:               20,
		ParallelGames:                   1,
		StepLimitPenalty:                -0.05,
		TreatStepLimitAsDrawForReporting: true,
		ExperienceCleanup:               "OLDEST_FIRST",
		ProgressReportInterval:          100,
		MaxRollbackHistory:              20,
	}
}

var validActivations = map[string]bool{"relu": true, "sigmoid": true, "tanh": true, "linear": true}
var validOptimizers = map[string]bool{"sgd": true, "adam": true, "rmsprop": true}
var validWeightInits = map[string]bool{"xavier": true, "he": true, "uniform": true, "zero": true}
var validSamplingStrategies = map[string]bool{"uniform": true, "recent": true, "mixed": true}
var validCleanupStrategies = map[string]bool{"OLDEST_FIRST": true, "LOWEST_QUALITY": true, "RANDOM": true}

// Validate checks every field against its documented type and range,
// surfacing the result as a configuration error.
func (c *TrainingConfiguration) Validate() error {
	switch {
	case c.Episodes <= 0:
		return fmt.Errorf("config: episodes must be positive, got %d", c.Episodes)
	case c.MaxStepsPerEpisode <= 0:
		return fmt.Errorf("config: max_steps_per_episode must be positive, got %d", c.MaxStepsPerEpisode)
	case c.BatchSize <= 0:
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("config: learning_rate must be positive, got %f", c.LearningRate)
	case c.ExplorationRate < 0 || c.ExplorationRate > 1:
		return fmt.Errorf("config: exploration_rate must be in [0,1], got %f", c.ExplorationRate)
	case !validActivations[c.Activation]:
		return fmt.Errorf("config: unsupported activation %q", c.Activation)
	case !validOptimizers[c.Optimizer]:
		return fmt.Errorf("config: unsupported optimizer %q", c.Optimizer)
	case !validWeightInits[c.WeightInit]:
		return fmt.Errorf("config: unsupported weight_init %q", c.WeightInit)
	case c.MaxBufferSize <= 0:
		return fmt.Errorf("config: max_buffer_size must be positive, got %d", c.MaxBufferSize)
	case c.ReplayBatchSize <= 0:
		return fmt.Errorf("config: replay_batch_size must be positive, got %d", c.ReplayBatchSize)
	case !validSamplingStrategies[c.SamplingStrategy]:
		return fmt.Errorf("config: unsupported sampling_strategy %q", c.SamplingStrategy)
	case c.CheckpointInterval <= 0:
		return fmt.Errorf("config: checkpoint_interval must be positive, got %d", c.CheckpointInterval)
	case c.MaxCheckpoints <= 0:
		return fmt.Errorf("config: max_checkpoints must be positive, got %d", c.MaxCheckpoints)
	case c.GamesPerIteration <= 0:
		return fmt.Errorf("config: games_per_iteration must be positive, got %d", c.GamesPerIteration)
	case c.ParallelGames < 1 || c.ParallelGames > 8:
		return fmt.Errorf("config: parallel_games must be in [1,8], got %d", c.ParallelGames)
	case c.StepLimitPenalty < -1 || c.StepLimitPenalty > 0:
		return fmt.Errorf("config: step_limit_penalty must be in [-1,0], got %f", c.StepLimitPenalty)
	case !validCleanupStrategies[c.ExperienceCleanup]:
		return fmt.Errorf("config: unsupported experience_cleanup %q", c.ExperienceCleanup)
	case c.ProgressReportInterval <= 0:
		return fmt.Errorf("config: progress_report_interval must be positive, got %d", c.ProgressReportInterval)
	}
	return nil
}

// Load reads an HCL file into a TrainingConfiguration seeded with
// Default, falling back to Default alone if path does not exist.
func Load(path string) (TrainingConfiguration, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return TrainingConfiguration{}, fmt.Errorf("config: parse %s: %s", path, diags.Error())
	}
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return TrainingConfiguration{}, fmt.Errorf("config: decode %s: %s", path, diags.Error())
	}
	return cfg, nil
}

// Save writes cfg to path in HCL form.
func Save(path string, cfg TrainingConfiguration) error {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(&cfg, f.Body())
	return os.WriteFile(path, f.Bytes(), 0o644)
}

// KnownParameters lists every parameter name addressable through Get/Set,
// in HCL attribute form.
var KnownParameters = []string{
	"seed", "deterministic_mode", "episodes", "max_steps_per_episode",
	"batch_size", "learning_rate", "exploration_rate", "hidden_layers",
	"activation", "optimizer", "weight_init", "max_buffer_size",
	"replay_batch_size", "sampling_strategy", "checkpoint_interval",
	"max_checkpoints", "win_reward", "loss_reward", "draw_reward",
	"enable_position_rewards", "games_per_iteration", "parallel_games",
	"step_limit_penalty", "treat_step_limit_as_draw_for_reporting",
	"experience_cleanup", "progress_report_interval", "max_rollback_history",
}

// RestartRequiredParameters names every parameter that reshapes state a
// running session cannot change underneath itself — the kernel's weight
// tensors and optimizer, the seed derivation tree, the replay buffer's
// capacity, or the self-play worker pool's size — and therefore can only take effect through a full restart.
var RestartRequiredParameters = map[string]bool{
	"hidden_layers":      true,
	"activation":         true,
	"optimizer":          true,
	"weight_init":        true,
	"max_buffer_size":    true,
	"parallel_games":     true,
	"seed":               true,
	"deterministic_mode": true,
}

// Get returns the named parameter's current value and whether name is
// recognized.
func (c *TrainingConfiguration) Get(name string) (any, bool) {
	switch name {
	case "seed":
		return c.Seed, true
	case "deterministic_mode":
		return c.DeterministicMode, true
	case "episodes":
		return c.Episodes, true
	case "max_steps_per_episode":
		return c.MaxStepsPerEpisode, true
	case "batch_size":
		return c.BatchSize, true
	case "learning_rate":
		return c.LearningRate, true
	case "exploration_rate":
		return c.ExplorationRate, true
	case "hidden_layers":
		return c.HiddenLayers, true
	case "activation":
		return c.Activation, true
	case "optimizer":
		return c.Optimizer, true
	case "weight_init":
		return c.WeightInit, true
	case "max_buffer_size":
		return c.MaxBufferSize, true
	case "replay_batch_size":
		return c.ReplayBatchSize, true
	case "sampling_strategy":
		return c.SamplingStrategy, true
	case "checkpoint_interval":
		return c.CheckpointInterval, true
	case "max_checkpoints":
		return c.MaxCheckpoints, true
	case "win_reward":
		return c.WinReward, true
	case "loss_reward":
		return c.LossReward, true
	case "draw_reward":
		return c.DrawReward, true
	case "enable_position_rewards":
		return c.EnablePositionRewards, true
	case "games_per_iteration":
		return c.GamesPerIteration, true
	case "parallel_games":
		return c.ParallelGames, true
	case "step_limit_penalty":
		return c.StepLimitPenalty, true
	case "treat_step_limit_as_draw_for_reporting":
		return c.TreatStepLimitAsDrawForReporting, true
	case "experience_cleanup":
		return c.ExperienceCleanup, true
	case "progress_report_interval":
		return c.ProgressReportInterval, true
	case "max_rollback_history":
		return c.MaxRollbackHistory, true
	default:
		return nil, false
	}
}

// Set applies a named parameter update, type-checking value against the
// field it targets. The caller is responsible for re-running Validate
// afterward and for honoring RestartRequiredParameters.
func (c *TrainingConfiguration) Set(name string, value any) error {
	switch name {
	case "seed":
		switch v := value.(type) {
		case int64:
			c.Seed = &v
		case nil:
			c.Seed = nil
		default:
			return fmt.Errorf("config: seed must be an int64 or nil, got %T", value)
		}
	case "deterministic_mode":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config: deterministic_mode must be a bool, got %T", value)
		}
		c.DeterministicMode = v
	case "episodes":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.Episodes = v
	case "max_steps_per_episode":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.MaxStepsPerEpisode = v
	case "batch_size":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.BatchSize = v
	case "learning_rate":
		v, err := asFloat(name, value)
		if err != nil {
			return err
		}
		c.LearningRate = v
	case "exploration_rate":
		v, err := asFloat(name, value)
		if err != nil {
			return err
		}
		c.ExplorationRate = v
	case "hidden_layers":
		v, ok := value.([]int)
		if !ok {
			return fmt.Errorf("config: hidden_layers must be a []int, got %T", value)
		}
		c.HiddenLayers = v
	case "activation":
		v, err := asString(name, value)
		if err != nil {
			return err
		}
		c.Activation = v
	case "optimizer":
		v, err := asString(name, value)
		if err != nil {
			return err
		}
		c.Optimizer = v
	case "weight_init":
		v, err := asString(name, value)
		if err != nil {
			return err
		}
		c.WeightInit = v
	case "max_buffer_size":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.MaxBufferSize = v
	case "replay_batch_size":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.ReplayBatchSize = v
	case "sampling_strategy":
		v, err := asString(name, value)
		if err != nil {
			return err
		}
		c.SamplingStrategy = v
	case "checkpoint_interval":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.CheckpointInterval = v
	case "max_checkpoints":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.MaxCheckpoints = v
	case "win_reward":
		v, err := asFloat(name, value)
		if err != nil {
			return err
		}
		c.WinReward = v
	case "loss_reward":
		v, err := asFloat(name, value)
		if err != nil {
			return err
		}
		c.LossReward = v
	case "draw_reward":
		v, err := asFloat(name, value)
		if err != nil {
			return err
		}
		c.DrawReward = v
	case "enable_position_rewards":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config: enable_position_rewards must be a bool, got %T", value)
		}
		c.EnablePositionRewards = v
	case "games_per_iteration":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.GamesPerIteration = v
	case "parallel_games":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.ParallelGames = v
	case "step_limit_penalty":
		v, err := asFloat(name, value)
		if err != nil {
			return err
		}
		c.StepLimitPenalty = v
	case "treat_step_limit_as_draw_for_reporting":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config: treat_step_limit_as_draw_for_reporting must be a bool, got %T", value)
		}
		c.TreatStepLimitAsDrawForReporting = v
	case "experience_cleanup":
		v, err := asString(name, value)
		if err != nil {
			return err
		}
		c.ExperienceCleanup = v
	case "progress_report_interval":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.ProgressReportInterval = v
	case "max_rollback_history":
		v, err := asInt(name, value)
		if err != nil {
			return err
		}
		c.MaxRollbackHistory = v
	default:
		return fmt.Errorf("config: unknown parameter %q", name)
	}
	return nil
}

func asInt(name string, value any) (int, error) {
	v, ok := value.(int)
	if !ok {
		return 0, fmt.Errorf("config: %s must be an int, got %T", name, value)
	}
	return v, nil
}

func asFloat(name string, value any) (float64, error) {
	v, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("config: %s must be a float64, got %T", name, value)
	}
	return v, nil
}

func asString(name string, value any) (string, error) {
	v, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("config: %s must be a string, got %T", name, value)
	}
	return v, nil
}
