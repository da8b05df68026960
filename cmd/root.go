package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wanghanbinpanda/PRIME/prime"
)

var (
	// CLI flags shared by worker subcommands
	configPath string // Path to the role-scoped YAML config
	role       string // Worker role (actor, rollout, ref, actor_rollout, actor_rollout_ref, critic, reward_model)
	worldSize  int    // Worker-group size used for batch-size normalization
	logLevel   string // Log verbosity level
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "prime-worker",
	Short: "PRIME distributed RL worker runtime",
}

// validateCmd parses a worker config, normalizes it for the group size and
// prints the resolved settings. Configuration errors surface here exactly
// as they would at worker construction.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a worker configuration for a given role and group size",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		cfg, err := prime.LoadWorkerConfig(configPath)
		if err != nil {
			logrus.Fatalf("Invalid config: %v", err)
		}
		if err := cfg.NormalizeForWorldSize(worldSize); err != nil {
			logrus.Fatalf("Invalid config: %v", err)
		}
		switch prime.Role(role) {
		case prime.RoleRewardModel:
			if err := cfg.RewardModel.Validate(); err != nil {
				logrus.Fatalf("Invalid reward model config: %v", err)
			}
			if cfg.RewardModel.Update != prime.UpdateNone {
				if _, err := prime.NewGradAccumulator(cfg.RewardModel.MiniBatchSize, cfg.RewardModel.MicroBatchSize); err != nil {
					logrus.Fatalf("Invalid reward model config: %v", err)
				}
			}
		case prime.RoleCritic:
			if _, err := prime.NewGradAccumulator(cfg.Critic.MiniBatchSize, cfg.Critic.MicroBatchSize); err != nil {
				logrus.Fatalf("Invalid critic config: %v", err)
			}
		default:
			if _, err := prime.NewGradAccumulator(cfg.Actor.MiniBatchSize, cfg.Actor.MicroBatchSize); err != nil {
				logrus.Fatalf("Invalid actor config: %v", err)
			}
		}
		logrus.Infof("Config valid for role=%s, world size=%d", role, worldSize)
		fmt.Printf("actor: mini=%d micro=%d\n", cfg.Actor.MiniBatchSize, cfg.Actor.MicroBatchSize)
		fmt.Printf("critic: mini=%d micro=%d\n", cfg.Critic.MiniBatchSize, cfg.Critic.MicroBatchSize)
		fmt.Printf("reward_model: mini=%d micro=%d granularity=%s update=%s norm=%s\n",
			cfg.RewardModel.MiniBatchSize, cfg.RewardModel.MicroBatchSize,
			cfg.RewardModel.Granularity, cfg.RewardModel.Update, cfg.RewardModel.Norm)
	},
}

// opsCmd prints the dispatch registration table for a role, the contract
// the remote-dispatch substrate consumes.
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Print the operation dispatch table for a role",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		cfg, err := prime.LoadWorkerConfig(configPath)
		if err != nil {
			logrus.Fatalf("Invalid config: %v", err)
		}

		var registry *prime.OpRegistry
		switch r := prime.Role(role); r {
		case prime.RoleCritic:
			w, err := prime.NewCriticWorker(cfg, prime.NewLocalContext(), prime.CriticWorkerDeps{})
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			registry = w.Ops()
		case prime.RoleRewardModel:
			w, err := prime.NewPRIMERewardModelWorker(cfg, prime.NewLocalContext(), prime.RewardWorkerDeps{})
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			registry = w.Ops()
		default:
			w, err := prime.NewActorRolloutRefWorker(cfg, r, prime.NewLocalContext(), prime.ActorWorkerDeps{})
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			registry = w.Ops()
		}

		for _, op := range registry.Ops() {
			mode, _ := registry.Mode(op)
			fmt.Printf("%-24s %s\n", op, mode)
		}
	},
}

func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	for _, c := range []*cobra.Command{validateCmd, opsCmd} {
		c.Flags().StringVar(&configPath, "config", "", "Path to the worker YAML config")
		c.Flags().StringVar(&role, "role", "actor_rollout_ref", "Worker role")
		c.Flags().IntVar(&worldSize, "world-size", 1, "Worker-group size")
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
		rootCmd.AddCommand(c)
	}
}
