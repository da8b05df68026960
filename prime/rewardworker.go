// rewardworker.go
//
// PRIMERewardModelWorker: owns the trainable reward model (and its optional
// frozen reference), switches chat templates when the reward tokenizer
// differs from the policy's, and brackets the reward attribution engine
// with offload management. The reward model can update itself whenever
// ComputeRmScore is called.

package prime

import (
	"fmt"
)

// RewardWorkerDeps are the injected external collaborators of a
// PRIMERewardModelWorker. InputTokenizer is the policy-side tokenizer; when
// non-nil every batch is re-rendered through the reward model's chat
// template before scoring.
type RewardWorkerDeps struct {
	Builder        ModelBuilder
	InputTokenizer Tokenizer
	Store          RemoteStore
}

// PRIMERewardModelWorker exposes compute_rm_score over the PRIME reward
// attribution engine.
type PRIMERewardModelWorker struct {
	cfg  *WorkerConfig
	dist DistContext
	deps RewardWorkerDeps
	ops  *OpRegistry

	model     Model
	refModel  Model
	tokenizer Tokenizer
	optimizer Optimizer
	schedule  *WarmupConstantSchedule

	offload    *OffloadManager
	refOffload *OffloadManager
	engine     *RewardAttributionEngine
}

// NewPRIMERewardModelWorker validates the reward config, normalizes batch
// sizes for the group size (exactly once) and prepares the dispatch table.
func NewPRIMERewardModelWorker(cfg *WorkerConfig, dist DistContext, deps RewardWorkerDeps) (*PRIMERewardModelWorker, error) {
	if err := cfg.RewardModel.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.NormalizeForWorldSize(dist.WorldSize()); err != nil {
		return nil, err
	}
	w := &PRIMERewardModelWorker{
		cfg:  cfg,
		dist: dist,
		deps: deps,
		ops:  NewOpRegistry(),
	}
	w.ops.Register(OpInitModel, OneToAll)
	w.ops.Register(OpComputeRmScore, DPComputeProto)
	return w, nil
}

// Ops returns the dispatch registration table for this worker.
func (w *PRIMERewardModelWorker) Ops() *OpRegistry {
	return w.ops
}

// trains reports whether compute_rm_score updates the reward model in-pass.
func (w *PRIMERewardModelWorker) trains() bool {
	return w.cfg.RewardModel.Update != UpdateNone
}

// InitModel builds the reward model, the frozen reference (ref_type
// "freeze"), and the optimizer/schedule when an update mode is configured.
// ONE_TO_ALL.
func (w *PRIMERewardModelWorker) InitModel() error {
	rmCfg := &w.cfg.RewardModel

	model, tok, err := w.deps.Builder.BuildModel(RoleRewardModel, w.trains())
	if err != nil {
		return fmt.Errorf("init reward model: %w", err)
	}
	w.model = model
	w.tokenizer = tok

	if rmCfg.RefType == RefTypeFreeze {
		refModel, _, err := w.deps.Builder.BuildModel(RoleRef, false)
		if err != nil {
			return fmt.Errorf("init reward reference model: %w", err)
		}
		w.refModel = refModel
		w.refOffload = NewOffloadManager("reward_ref", refModel, nil)
	}

	if w.trains() {
		w.optimizer = NewAdamW(model, rmCfg.Optim)
		w.schedule = NewWarmupConstantSchedule(w.optimizer, rmCfg.Optim)
	}
	w.offload = NewOffloadManager("reward", model, w.optimizer)

	w.engine, err = NewRewardAttributionEngine(rmCfg, w.model, w.refModel, w.optimizer, w.dist)
	if err != nil {
		return err
	}

	if w.trains() && rmCfg.Offload.OptimizerOffload {
		w.offload.OffloadOptimizer()
	}
	if rmCfg.Offload.ParamOffload {
		w.offload.OffloadParamAndGrad(rmCfg.Offload.GradOffload)
		if w.refOffload != nil {
			w.refOffload.OffloadParamAndGrad(rmCfg.Offload.GradOffload)
		}
	}
	logFootprint("reward model initialized", w.dist)
	w.dist.Barrier()
	return nil
}

// ComputeRmScore runs the PRIME scoring pass: token-level credit assignment
// from the implicit-reward difference, training the reward model in the same
// pass when configured. DP_COMPUTE_PROTO.
//
// The batch must carry prompts, responses, input_ids, attention_mask,
// position_ids and acc; old_log_probs is required when ref_type is
// "policy". Returns a batch holding rm_scores plus reduced step metrics in
// its meta info.
func (w *PRIMERewardModelWorker) ComputeRmScore(data *Batch) (*Batch, error) {
	data = data.To(PlacementDevice)
	rmCfg := &w.cfg.RewardModel
	nSamples := data.MetaInt("n_samples", rmCfg.NSamples)

	rmData := data
	if w.deps.InputTokenizer != nil {
		switched, err := SwitchChatTemplate(w.dist, data, w.deps.InputTokenizer, w.tokenizer,
			rmCfg.MaxLength, rmCfg.Truncation)
		if err != nil {
			return nil, err
		}
		rmData = switched
	}
	if w.refModel == nil {
		// policy-as-reference: the recorded log-probs ride along with the
		// scoring batch (requires a shared tokenizer)
		if !rmData.Has("old_log_probs") {
			old := data.Get("old_log_probs")
			if old == nil {
				return nil, fmt.Errorf("%w: ref_type %q requires old_log_probs in the batch",
					ErrConfig, RefTypePolicy)
			}
			rmData.Put("old_log_probs", old.Clone())
		}
	}

	entryRM := w.offload.State()
	if w.trains() && rmCfg.Offload.OptimizerOffload {
		w.offload.LoadOptimizer()
	}
	w.offload.LoadParamAndGrad(rmCfg.Offload.GradOffload)
	defer w.offload.RestoreState(entryRM)
	if w.refOffload != nil {
		entryRef := w.refOffload.State()
		w.refOffload.LoadParamAndGrad(false)
		defer w.refOffload.RestoreState(entryRef)
	}
	logFootprint("before rm score", w.dist)

	promptLength := data.MustGet("prompts").Dim(1)
	acc := data.MustGet("acc")

	scores, metrics, err := w.engine.ComputeScores(rmData, acc, promptLength, nSamples)
	if err != nil {
		return nil, err
	}

	if w.trains() {
		w.schedule.Step()
	}
	logFootprint("after rm score", w.dist)

	out := BatchFromTensors(map[string]*Tensor{"rm_scores": scores}).To(PlacementHost)
	out.SetMeta("metrics", metrics.Reduce())
	w.dist.Barrier()
	return out, nil
}
