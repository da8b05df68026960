package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wanghanbinpanda/PRIME/prime"
)

var defaultConfigOut string // Output path for the generated config ("" = stdout)

// DefaultWorkerConfig returns a starter configuration sized for an 8-rank
// worker group. Batch sizes are global; NormalizeForWorldSize divides them
// per rank at worker construction.
func DefaultWorkerConfig() *prime.WorkerConfig {
	cfg := &prime.WorkerConfig{
		Actor: prime.ActorConfig{
			MiniBatchSize:  256,
			MicroBatchSize: 8,
			ClipRatio:      0.2,
			Optim: prime.OptimConfig{
				LR:                 5e-7,
				GradClip:           1.0,
				TotalTrainingSteps: 1000,
				LRWarmupStepsRatio: 0.05,
			},
		},
		Rollout: prime.RolloutConfig{
			LogProbMicroBatchSize: 32,
			Temperature:           1.0,
			Seed:                  42,
		},
		Ref: prime.RefConfig{
			LogProbMicroBatchSize: 32,
			Offload:               prime.OffloadConfig{ParamOffload: true},
		},
		Critic: prime.CriticConfig{
			MiniBatchSize:  256,
			MicroBatchSize: 8,
			ClipRange:      0.5,
			Optim: prime.OptimConfig{
				LR:                 1e-5,
				GradClip:           1.0,
				TotalTrainingSteps: 1000,
			},
		},
		RewardModel: prime.RewardModelConfig{
			MiniBatchSize:  256,
			MicroBatchSize: 8,
			Granularity:    prime.GranularityWhole,
			LossType:       prime.LossTypeCE,
			Update:         prime.UpdateBefore,
			Norm:           prime.NormBatch,
			NSamples:       4,
			BetaTrain:      0.05,
			RefType:        prime.RefTypeFreeze,
			Truncation:     "right",
			Offload:        prime.OffloadConfig{ParamOffload: true},
			Optim: prime.OptimConfig{
				LR:                 1e-6,
				GradClip:           10.0,
				TotalTrainingSteps: 1000,
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// defaultConfigCmd emits a starter worker YAML config.
var defaultConfigCmd = &cobra.Command{
	Use:   "defaultconfig",
	Short: "Print a starter worker configuration",
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := yaml.Marshal(DefaultWorkerConfig())
		if err != nil {
			logrus.Fatalf("Failed to marshal default config: %v", err)
		}
		if defaultConfigOut == "" {
			fmt.Print(string(raw))
			return
		}
		if err := os.WriteFile(defaultConfigOut, raw, 0o644); err != nil {
			logrus.Fatalf("Failed to write %s: %v", defaultConfigOut, err)
		}
		logrus.Infof("Wrote default config to %s", defaultConfigOut)
	},
}

func init() {
	defaultConfigCmd.Flags().StringVar(&defaultConfigOut, "out", "", "Write the config to a file instead of stdout")
	rootCmd.AddCommand(defaultConfigCmd)
}
