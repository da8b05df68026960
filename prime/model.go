// model.go
//
// External-collaborator boundaries: the sharded model capability, the
// optimizer, the rollout engine and the sharding manager. The sharding
// runtime (parameter partitioning, collective gathers, autodiff) is
// injected, never reimplemented here.

package prime

import "math/rand"

// Model is the wrapped, possibly parameter-sharded model capability.
//
// Forward produces logits of shape (samples, seqLen, vocab) from token ids,
// attention mask and position ids, each of shape (samples, seqLen). A value
// model reports vocab size 1.
//
// Backward accumulates parameter gradients for the supplied logits gradient,
// which must have the shape of the most recent Forward's output. The caller
// owns the loss arithmetic and its closed-form logits gradient; the model
// owns backpropagation through its own network, including any cross-worker
// gradient all-reduce.
//
// StateDict with gatherFull set performs a collective gather of the full
// unsharded state. It is a group-wide operation: every rank must call it,
// and only the coordinating rank receives the complete mapping.
type Model interface {
	Forward(inputIDs, attentionMask, positionIDs *Tensor) (*Tensor, error)
	Backward(logitsGrad *Tensor) error
	Parameters() []*Tensor
	Gradients() []*Tensor
	ZeroGrad()
	// ClipGradNorm scales gradients so their global L2 norm is at most max
	// and returns the pre-clip norm.
	ClipGradNorm(max float64) float64
	StateDict(gatherFull bool) map[string]*Tensor
}

// Optimizer updates a model's parameters from its accumulated gradients.
// StateTensors exposes the optimizer state (e.g. Adam moments) so the
// OffloadManager can move it between placements.
type Optimizer interface {
	Step()
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	StateTensors() []*Tensor
}

// RolloutEngine decodes sequences from prompts. The production engine wraps
// an inference server sharing the actor's parameters; tests inject a
// deterministic stub.
//
// The returned batch must contain "prompts", "responses", "input_ids",
// "attention_mask" and "position_ids", where input_ids is the prompt/response
// concatenation.
type RolloutEngine interface {
	GenerateSequences(prompts *Batch) (*Batch, error)
}

// SeedableRolloutEngine is a RolloutEngine whose sampling can be seeded.
// The worker hands it a per-rank stream derived from the configured master
// seed during InitModel, so generation reproduces run to run.
type SeedableRolloutEngine interface {
	RolloutEngine
	Seed(rng *rand.Rand)
}

// ShardingManager bridges between training-shard and inference-engine
// parameter layouts around generation, mirroring the enter/exit protocol of
// the hybrid engine: Enter materializes weights for the inference engine,
// Exit releases them.
type ShardingManager interface {
	Enter() error
	Exit() error
	PreprocessData(b *Batch) *Batch
	PostprocessData(b *Batch) *Batch
}

// PassthroughShardingManager is the identity ShardingManager used when the
// rollout engine reads the training shards directly.
type PassthroughShardingManager struct{}

func (PassthroughShardingManager) Enter() error                    { return nil }
func (PassthroughShardingManager) Exit() error                     { return nil }
func (PassthroughShardingManager) PreprocessData(b *Batch) *Batch  { return b }
func (PassthroughShardingManager) PostprocessData(b *Batch) *Batch { return b }

// ModelBuilder constructs role-specific models and their tokenizers. Model
// construction (checkpoint download, weight init, shard wrapping) is an
// external concern; workers only sequence calls around the result.
type ModelBuilder interface {
	// BuildModel builds the wrapped model for a role. trainable controls
	// whether gradients will be requested from it.
	BuildModel(role Role, trainable bool) (Model, Tokenizer, error)
}
