// config.go
//
// Role-scoped worker configuration. Loaded once from YAML, then normalized
// exactly once for the worker-group size at construction; read-only
// afterwards.

package prime

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks fatal configuration errors: unknown enum values,
// non-integer accumulation ratios, missing required settings. They are
// raised at the point of use and never retried.
var ErrConfig = errors.New("configuration error")

// Granularity values for reward attribution units.
const (
	GranularityToken = "token"
	GranularityWhole = "whole"
)

// Reward-model update modes.
const (
	UpdateNone   = "none"
	UpdateBefore = "before"
	UpdateAfter  = "after"
)

// Reward normalization modes.
const (
	NormNone  = "none"
	NormBatch = "batch_norm"
)

// Loss types for the in-pass reward-model update.
const (
	LossTypeCE = "ce"
)

// Reference-signal sources for the reward model.
const (
	RefTypeFreeze = "freeze" // dedicated frozen reference model
	RefTypePolicy = "policy" // reuse the policy's recorded old log-probs
)

// IsValidGranularity reports whether name is a recognized granularity.
func IsValidGranularity(name string) bool {
	return name == GranularityToken || name == GranularityWhole
}

// IsValidUpdateMode reports whether name is a recognized update mode.
func IsValidUpdateMode(name string) bool {
	return name == UpdateNone || name == UpdateBefore || name == UpdateAfter
}

// OffloadConfig groups the per-resource offload flags for one model.
type OffloadConfig struct {
	ParamOffload     bool `yaml:"param_offload"`     // keep parameters in host memory between calls
	GradOffload      bool `yaml:"grad_offload"`      // keep gradients in host memory between calls
	OptimizerOffload bool `yaml:"optimizer_offload"` // keep optimizer state in host memory between calls
}

// OptimConfig groups optimizer and learning-rate schedule parameters.
type OptimConfig struct {
	LR                 float64 `yaml:"lr"`                    // base learning rate
	Beta1              float64 `yaml:"beta1"`                 // AdamW beta1 (default 0.9)
	Beta2              float64 `yaml:"beta2"`                 // AdamW beta2 (default 0.999)
	WeightDecay        float64 `yaml:"weight_decay"`          // AdamW weight decay (default 1e-2)
	GradClip           float64 `yaml:"grad_clip"`             // gradient norm clip (must be > 0 for training)
	TotalTrainingSteps int     `yaml:"total_training_steps"`  // schedule horizon
	LRWarmupStepsRatio float64 `yaml:"lr_warmup_steps_ratio"` // fraction of horizon spent warming up
}

func (c *OptimConfig) applyDefaults() {
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.WeightDecay == 0 {
		c.WeightDecay = 1e-2
	}
}

// ActorConfig groups the trainable policy settings.
type ActorConfig struct {
	MiniBatchSize  int           `yaml:"mini_batch_size"`  // samples per optimizer step
	MicroBatchSize int           `yaml:"micro_batch_size"` // samples per forward/backward pass
	ClipRatio      float64       `yaml:"clip_ratio"`       // PPO clip epsilon (default 0.2)
	Offload        OffloadConfig `yaml:"offload"`
	Optim          OptimConfig   `yaml:"optim"`
}

// RolloutConfig groups sequence-generation settings.
type RolloutConfig struct {
	LogProbMicroBatchSize int     `yaml:"log_prob_micro_batch_size"` // micro-batch size for old log-prob recompute
	Temperature           float64 `yaml:"temperature"`               // sampling temperature (default 1.0)
	Seed                  int64   `yaml:"seed"`                      // master seed for the partitioned RNG
}

// RefConfig groups reference-policy settings.
type RefConfig struct {
	LogProbMicroBatchSize int           `yaml:"log_prob_micro_batch_size"`
	Offload               OffloadConfig `yaml:"offload"`
}

// CriticConfig groups value-model settings.
type CriticConfig struct {
	MiniBatchSize  int           `yaml:"mini_batch_size"`
	MicroBatchSize int           `yaml:"micro_batch_size"`
	ClipRange      float64       `yaml:"clip_range"` // value clipping range (default 0.5)
	Offload        OffloadConfig `yaml:"offload"`
	Optim          OptimConfig   `yaml:"optim"`
}

// RewardModelConfig groups the PRIME reward-model settings.
type RewardModelConfig struct {
	MicroBatchSize int           `yaml:"micro_batch_size"` // samples per forward pass
	MiniBatchSize  int           `yaml:"mini_batch_size"`  // samples per optimizer step
	Granularity    string        `yaml:"granularity"`      // "token" or "whole"
	LossType       string        `yaml:"loss_type"`        // "ce"
	Update         string        `yaml:"update"`           // "none", "before" or "after"
	Norm           string        `yaml:"norm"`             // "none" or "batch_norm"
	NSamples       int           `yaml:"n_samples"`        // responses generated per prompt (accuracy grouping)
	BetaTrain      float64       `yaml:"beta_train"`       // implicit-reward temperature (default 0.05)
	RefType        string        `yaml:"ref_type"`         // "freeze" (frozen reference model) or "policy" (reuse recorded policy log-probs)
	MaxLength      int           `yaml:"max_length"`       // re-tokenization cap; 0 = source sequence length
	Truncation     string        `yaml:"truncation"`       // "right" (default) or "left"
	ReturnRescored *bool         `yaml:"return_rescored"`  // "before" mode: return post-update scores (default true)
	Offload        OffloadConfig `yaml:"offload"`
	Optim          OptimConfig   `yaml:"optim"`
}

// ReturnRescoredScores resolves the double-forward output policy: whether
// "before" mode returns the re-scored (post-update) token-level scores.
// Defaults to true, matching the observed production behavior.
func (c *RewardModelConfig) ReturnRescoredScores() bool {
	if c.ReturnRescored == nil {
		return true
	}
	return *c.ReturnRescored
}

// Validate checks the enum-valued settings. Fatal on first use: workers call
// this at construction.
func (c *RewardModelConfig) Validate() error {
	if !IsValidGranularity(c.Granularity) {
		return fmt.Errorf("%w: unknown granularity %q", ErrConfig, c.Granularity)
	}
	if !IsValidUpdateMode(c.Update) {
		return fmt.Errorf("%w: unknown update mode %q", ErrConfig, c.Update)
	}
	if c.Norm != NormNone && c.Norm != NormBatch {
		return fmt.Errorf("%w: unknown norm mode %q", ErrConfig, c.Norm)
	}
	if c.Update != UpdateNone {
		if c.LossType != LossTypeCE {
			return fmt.Errorf("%w: unknown loss type %q", ErrConfig, c.LossType)
		}
		if c.Optim.GradClip <= 0 {
			return fmt.Errorf("%w: grad_clip must be > 0 when the reward model trains", ErrConfig)
		}
	}
	return nil
}

// WorkerConfig is the full role-scoped configuration tree.
type WorkerConfig struct {
	Actor       ActorConfig       `yaml:"actor"`
	Rollout     RolloutConfig     `yaml:"rollout"`
	Ref         RefConfig         `yaml:"ref"`
	Critic      CriticConfig      `yaml:"critic"`
	RewardModel RewardModelConfig `yaml:"reward_model"`

	normalized bool
}

// LoadWorkerConfig reads a WorkerConfig from a YAML file and applies
// defaults.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &WorkerConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued settings with their documented defaults.
func (c *WorkerConfig) ApplyDefaults() {
	c.Actor.Optim.applyDefaults()
	c.Critic.Optim.applyDefaults()
	c.RewardModel.Optim.applyDefaults()
	if c.Actor.ClipRatio == 0 {
		c.Actor.ClipRatio = 0.2
	}
	if c.Critic.ClipRange == 0 {
		c.Critic.ClipRange = 0.5
	}
	if c.Rollout.Temperature == 0 {
		c.Rollout.Temperature = 1.0
	}
	if c.RewardModel.BetaTrain == 0 {
		c.RewardModel.BetaTrain = 0.05
	}
	if c.RewardModel.Truncation == "" {
		c.RewardModel.Truncation = "right"
	}
	if c.RewardModel.RefType == "" {
		c.RewardModel.RefType = RefTypeFreeze
	}
	if c.RewardModel.NSamples == 0 {
		c.RewardModel.NSamples = 1
	}
}

// NormalizeForWorldSize divides every batch-size setting by the worker-group
// size. Called exactly once at worker construction; a second call is a
// programming error.
func (c *WorkerConfig) NormalizeForWorldSize(worldSize int) error {
	if c.normalized {
		panic("config: NormalizeForWorldSize called twice")
	}
	if worldSize <= 0 {
		return fmt.Errorf("%w: world size must be positive, got %d", ErrConfig, worldSize)
	}
	for _, s := range []*int{
		&c.Actor.MiniBatchSize,
		&c.Actor.MicroBatchSize,
		&c.Rollout.LogProbMicroBatchSize,
		&c.Ref.LogProbMicroBatchSize,
		&c.Critic.MiniBatchSize,
		&c.Critic.MicroBatchSize,
		&c.RewardModel.MicroBatchSize,
		&c.RewardModel.MiniBatchSize,
	} {
		if *s%worldSize != 0 {
			return fmt.Errorf("%w: batch size %d not divisible by world size %d", ErrConfig, *s, worldSize)
		}
		*s /= worldSize
	}
	c.normalized = true
	return nil
}
