// Package prime implements the worker runtime for PRIME process-reward
// reinforcement learning: role-scoped worker orchestrators over sharded
// models, host/accelerator offload management, micro-batch scheduling with
// gradient accumulation, and the token-level reward attribution engine.
//
// # Reading Guide
//
// Start with these three files to understand the runtime:
//   - batch.go: the Batch value object exchanged with the controller
//   - offload.go: the load/compute/offload bracket every operation follows
//   - reward.go: the PRIME scoring loop and in-pass preference update
//
// # Architecture
//
// A worker process wraps one device's shard of a model and exposes a small
// remote operation surface (actor.go, critic.go, rewardworker.go). The
// controller dispatches each operation uniformly across the worker group;
// dispatch.go declares per-operation routing modes for the dispatch
// substrate. Operations are barrier-synchronized: collective gathers and
// shard-consistent placement changes require full-group participation.
//
// # Key Interfaces
//
// The external collaborators are injected, never reimplemented:
//   - Model: sharded forward/backward/state-dict capability
//   - Optimizer: parameter updates plus offloadable state tensors
//   - RolloutEngine / ShardingManager: sequence decoding over shared weights
//   - Tokenizer: decoding, chat templates, checkpoint serialization
//   - DistContext: world size, rank and the group barrier
//   - RemoteStore: durable checkpoint mirroring
package prime
