package prime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfigYAML = `
actor:
  mini_batch_size: 256
  micro_batch_size: 64
  optim:
    lr: 1e-6
    grad_clip: 1.0
    total_training_steps: 1000
    lr_warmup_steps_ratio: 0.05
rollout:
  log_prob_micro_batch_size: 128
  temperature: 0.7
  seed: 1234
ref:
  log_prob_micro_batch_size: 128
critic:
  mini_batch_size: 256
  micro_batch_size: 64
  optim:
    lr: 1e-5
    grad_clip: 1.0
reward_model:
  mini_batch_size: 256
  micro_batch_size: 8
  granularity: token
  loss_type: ce
  update: before
  norm: batch_norm
  n_samples: 4
  ref_type: freeze
  offload:
    param_offload: true
  optim:
    lr: 1e-6
    grad_clip: 10.0
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadWorkerConfig_ParsesAndDefaults(t *testing.T) {
	cfg, err := LoadWorkerConfig(writeConfigFile(t, sampleConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Actor.MiniBatchSize)
	assert.Equal(t, 64, cfg.Actor.MicroBatchSize)
	assert.Equal(t, 1e-6, cfg.Actor.Optim.LR)
	assert.Equal(t, 0.7, cfg.Rollout.Temperature)
	assert.Equal(t, int64(1234), cfg.Rollout.Seed)
	assert.Equal(t, GranularityToken, cfg.RewardModel.Granularity)
	assert.Equal(t, UpdateBefore, cfg.RewardModel.Update)
	assert.Equal(t, NormBatch, cfg.RewardModel.Norm)
	assert.True(t, cfg.RewardModel.Offload.ParamOffload)

	// defaulted fields
	assert.Equal(t, 0.2, cfg.Actor.ClipRatio)
	assert.Equal(t, 0.5, cfg.Critic.ClipRange)
	assert.Equal(t, 0.05, cfg.RewardModel.BetaTrain)
	assert.Equal(t, "right", cfg.RewardModel.Truncation)
	assert.Equal(t, 0.9, cfg.Actor.Optim.Beta1)
	assert.Equal(t, 0.999, cfg.Actor.Optim.Beta2)
	assert.Equal(t, 1e-2, cfg.Actor.Optim.WeightDecay)
}

func TestLoadWorkerConfig_MissingFile_Error(t *testing.T) {
	_, err := LoadWorkerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadWorkerConfig_MalformedYAML_ErrConfig(t *testing.T) {
	_, err := LoadWorkerConfig(writeConfigFile(t, "actor: [not a mapping"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestApplyDefaults_FillsRewardModelEnums(t *testing.T) {
	cfg := &WorkerConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, RefTypeFreeze, cfg.RewardModel.RefType)
	assert.Equal(t, 1, cfg.RewardModel.NSamples)
	assert.Equal(t, 1.0, cfg.Rollout.Temperature)
}

func TestNormalizeForWorldSize_DividesEveryBatchSize(t *testing.T) {
	cfg, err := LoadWorkerConfig(writeConfigFile(t, sampleConfigYAML))
	require.NoError(t, err)

	require.NoError(t, cfg.NormalizeForWorldSize(8))

	assert.Equal(t, 32, cfg.Actor.MiniBatchSize)
	assert.Equal(t, 8, cfg.Actor.MicroBatchSize)
	assert.Equal(t, 16, cfg.Rollout.LogProbMicroBatchSize)
	assert.Equal(t, 16, cfg.Ref.LogProbMicroBatchSize)
	assert.Equal(t, 32, cfg.Critic.MiniBatchSize)
	assert.Equal(t, 8, cfg.Critic.MicroBatchSize)
	assert.Equal(t, 1, cfg.RewardModel.MicroBatchSize)
	assert.Equal(t, 32, cfg.RewardModel.MiniBatchSize)
}

func TestNormalizeForWorldSize_NonDivisible_ErrConfig(t *testing.T) {
	cfg, err := LoadWorkerConfig(writeConfigFile(t, sampleConfigYAML))
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.NormalizeForWorldSize(7), ErrConfig)
}

func TestNormalizeForWorldSize_NonPositive_ErrConfig(t *testing.T) {
	cfg := newTestWorkerConfig()
	assert.ErrorIs(t, cfg.NormalizeForWorldSize(0), ErrConfig)
}

func TestNormalizeForWorldSize_SecondCall_Panics(t *testing.T) {
	cfg := newTestWorkerConfig()
	require.NoError(t, cfg.NormalizeForWorldSize(1))
	assert.Panics(t, func() {
		cfg.NormalizeForWorldSize(1)
	})
}

func TestRewardModelConfig_Validate_RejectsUnknownEnums(t *testing.T) {
	base := newTestWorkerConfig().RewardModel

	bad := base
	bad.Granularity = "sentence"
	assert.ErrorIs(t, bad.Validate(), ErrConfig)

	bad = base
	bad.Update = "sometimes"
	assert.ErrorIs(t, bad.Validate(), ErrConfig)

	bad = base
	bad.Norm = "zscore"
	assert.ErrorIs(t, bad.Validate(), ErrConfig)
}

func TestRewardModelConfig_Validate_TrainingNeedsLossAndClip(t *testing.T) {
	base := newTestWorkerConfig().RewardModel
	base.Update = UpdateAfter

	bad := base
	bad.LossType = "mse"
	assert.ErrorIs(t, bad.Validate(), ErrConfig)

	bad = base
	bad.Optim.GradClip = 0
	assert.ErrorIs(t, bad.Validate(), ErrConfig)

	assert.NoError(t, base.Validate())
}

func TestRewardModelConfig_ReturnRescoredScores_DefaultTrue(t *testing.T) {
	cfg := RewardModelConfig{}
	assert.True(t, cfg.ReturnRescoredScores())

	off := false
	cfg.ReturnRescored = &off
	assert.False(t, cfg.ReturnRescoredScores())
}
