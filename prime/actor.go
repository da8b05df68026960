// actor.go
//
// ActorRolloutRefWorker: the policy-side worker orchestrator. Depending on
// its role it trains the policy, decodes sequences, recomputes log-probs
// after generation, and serves frozen reference log-probs, all over one
// shared model in the hybrid configuration.

package prime

import (
	"fmt"
	"math"
)

// ActorWorkerDeps are the injected external collaborators of an
// ActorRolloutRefWorker.
type ActorWorkerDeps struct {
	Builder  ModelBuilder
	Rollout  RolloutEngine   // required for rollout roles
	Sharding ShardingManager // nil = passthrough
	Store    RemoteStore     // optional checkpoint mirror
}

// ActorRolloutRefWorker owns the policy model (and, for reference roles, a
// frozen copy) and exposes the remote operation surface for the actor,
// rollout and reference roles.
type ActorRolloutRefWorker struct {
	cfg  *WorkerConfig
	dist DistContext
	deps ActorWorkerDeps
	ops  *OpRegistry

	isActor   bool
	isRollout bool
	isRef     bool

	rng *PartitionedRNG

	model     Model
	tokenizer Tokenizer
	optimizer Optimizer
	schedule  *WarmupConstantSchedule
	offload   *OffloadManager

	refModel   Model
	refOffload *OffloadManager

	offloadCfg OffloadConfig
}

// NewActorRolloutRefWorker normalizes the config for the group size (exactly
// once) and prepares the dispatch registration table. Model construction is
// deferred to InitModel.
func NewActorRolloutRefWorker(cfg *WorkerConfig, role Role, dist DistContext, deps ActorWorkerDeps) (*ActorRolloutRefWorker, error) {
	isActor, isRollout, isRef, err := roleFlags(role)
	if err != nil {
		return nil, err
	}
	if err := cfg.NormalizeForWorldSize(dist.WorldSize()); err != nil {
		return nil, err
	}

	w := &ActorRolloutRefWorker{
		cfg:       cfg,
		dist:      dist,
		deps:      deps,
		ops:       NewOpRegistry(),
		isActor:   isActor,
		isRollout: isRollout,
		isRef:     isRef,
		rng:       NewPartitionedRNG(NewRunKey(cfg.Rollout.Seed)),
	}
	if deps.Sharding == nil {
		w.deps.Sharding = PassthroughShardingManager{}
	}

	// offload flags mirror the trainable role; a standalone reference
	// worker only ever offloads parameters
	if isActor {
		w.offloadCfg = cfg.Actor.Offload
	} else if isRef {
		w.offloadCfg = OffloadConfig{ParamOffload: cfg.Ref.Offload.ParamOffload}
	}

	w.ops.Register(OpInitModel, OneToAll)
	w.ops.Register(OpSaveCheckpoint, OneToAll)
	if isActor {
		w.ops.Register(OpUpdateActor, DPComputeProto)
	}
	if isRollout {
		w.ops.Register(OpGenerateSequences, DPComputeProto)
	}
	if isRef {
		w.ops.Register(OpComputeRefLogProb, DPComputeProto)
	}
	return w, nil
}

// Ops returns the dispatch registration table for this worker.
func (w *ActorRolloutRefWorker) Ops() *OpRegistry {
	return w.ops
}

// InitModel builds and wraps the role's model(s), optimizer and schedule,
// then applies the configured initial offload state. ONE_TO_ALL.
func (w *ActorRolloutRefWorker) InitModel() error {
	if w.isActor || w.isRollout {
		model, tok, err := w.deps.Builder.BuildModel(RoleActor, w.isActor)
		if err != nil {
			return fmt.Errorf("init actor model: %w", err)
		}
		w.model = model
		w.tokenizer = tok
		if w.isActor {
			w.optimizer = NewAdamW(model, w.cfg.Actor.Optim)
			w.schedule = NewWarmupConstantSchedule(w.optimizer, w.cfg.Actor.Optim)
		}
		w.offload = NewOffloadManager("actor", model, w.optimizer)
		w.offload.InitOffload(w.offloadCfg)
		logFootprint("actor model initialized", w.dist)
	}
	if w.isRollout {
		if w.deps.Rollout == nil {
			return fmt.Errorf("%w: rollout role without a rollout engine", ErrConfig)
		}
		if s, ok := w.deps.Rollout.(SeedableRolloutEngine); ok {
			s.Seed(w.rng.Get(SubsystemRank(SubsystemRollout, w.dist.Rank())))
		}
	}
	if w.isRef {
		refModel, tok, err := w.deps.Builder.BuildModel(RoleRef, false)
		if err != nil {
			return fmt.Errorf("init reference model: %w", err)
		}
		w.refModel = refModel
		if w.tokenizer == nil {
			w.tokenizer = tok
		}
		w.refOffload = NewOffloadManager("ref", refModel, nil)
		w.refOffload.InitOffload(OffloadConfig{ParamOffload: w.cfg.Ref.Offload.ParamOffload, GradOffload: w.cfg.Ref.Offload.GradOffload})
		logFootprint("reference model initialized", w.dist)
	}
	w.dist.Barrier()
	return nil
}

// UpdateActor performs the PPO policy update over the batch: micro-batch
// forward/backward with gradient accumulation per mini-batch, one optimizer
// step per accumulation window. DP_COMPUTE_PROTO.
//
// The batch must carry input_ids, attention_mask, position_ids, responses,
// old_log_probs and advantages. Returns reduced step metrics; the offload
// state is restored on exit.
func (w *ActorRolloutRefWorker) UpdateActor(data *Batch) (map[string]float64, error) {
	if !w.isActor {
		panic("update_actor dispatched to a non-actor worker")
	}
	data = data.To(PlacementDevice)

	entry := w.offload.State()
	w.offload.LoadParamAndGrad(true)
	if w.cfg.Actor.Offload.OptimizerOffload {
		w.offload.LoadOptimizer()
	}
	defer w.offload.RestoreState(entry)
	logFootprint("before policy update", w.dist)

	metrics, err := w.updatePolicy(data)
	if err != nil {
		return nil, err
	}

	w.schedule.Step()
	metrics.Append("actor/lr(1e-4)", w.schedule.LastLR()*1e4)
	logFootprint("after policy update", w.dist)

	w.dist.Barrier()
	return metrics.Reduce(), nil
}

func (w *ActorRolloutRefWorker) updatePolicy(data *Batch) (Metrics, error) {
	w.offload.RequireResident(ResourceParams)
	metrics := Metrics{}

	accum, err := NewGradAccumulator(w.cfg.Actor.MiniBatchSize, w.cfg.Actor.MicroBatchSize)
	if err != nil {
		return nil, err
	}
	iter, err := SplitMicroBatches(data, w.cfg.Actor.MicroBatchSize)
	if err != nil {
		return nil, err
	}
	temperature := data.MetaFloat("temperature", w.cfg.Rollout.Temperature)

	for {
		mb, ok := iter.Next()
		if !ok {
			break
		}
		pgLoss, clipFrac, err := w.policyGradientStep(mb, temperature, accum.Steps())
		if err != nil {
			return nil, err
		}
		metrics.Append("actor/pg_loss", pgLoss)
		metrics.Append("actor/pg_clipfrac", clipFrac)

		if accum.Observe() {
			gradNorm := w.model.ClipGradNorm(w.cfg.Actor.Optim.GradClip)
			w.optimizer.Step()
			w.optimizer.ZeroGrad()
			accum.Reset()
			metrics.Append("actor/grad_norm", gradNorm)
		}
	}
	return metrics, nil
}

// policyGradientStep runs one forward/backward micro-batch with the clipped
// surrogate objective and accumulates gradients scaled by the accumulation
// window.
func (w *ActorRolloutRefWorker) policyGradientStep(mb *Batch, temperature float64, accumSteps int) (pgLoss, clipFrac float64, err error) {
	ids := mb.MustGet("input_ids")
	mask := mb.MustGet("attention_mask")
	pos := mb.MustGet("position_ids")
	oldLogProbs := mb.MustGet("old_log_probs")
	advantages := mb.MustGet("advantages")
	respLen := mb.MustGet("responses").Dim(1)
	n, seqLen := ids.Dim(0), ids.Dim(1)
	promptLen := seqLen - respLen

	logits, err := w.model.Forward(ids, mask, pos)
	if err != nil {
		return 0, 0, err
	}
	logProbs := gatherNextTokenLogProbs(logits, ids, temperature)
	respMask := responseMask(mask, promptLen)

	// clipped surrogate: gradients flow only through tokens where the
	// unclipped term is selected
	coeff := NewTensor(n, respLen)
	totalMask := 0.0
	clipped := 0.0
	loss := 0.0
	eps := w.cfg.Actor.ClipRatio
	for i := 0; i < n; i++ {
		for j := 0; j < respLen; j++ {
			m := respMask.At(i, j)
			if m == 0 {
				continue
			}
			totalMask += m
			newLP := logProbs.At(i, logProbs.Dim(1)-respLen+j)
			oldLP := oldLogProbs.At(i, oldLogProbs.Dim(1)-respLen+j)
			adv := advantages.At(i, advantages.Dim(1)-respLen+j)
			ratio := math.Exp(newLP - oldLP)
			s1 := ratio * adv
			s2 := clamp(ratio, 1-eps, 1+eps) * adv
			if s1 <= s2 {
				loss += -s1
				coeff.Set(-adv*ratio, i, j)
			} else {
				loss += -s2
				clipped++
			}
		}
	}
	if totalMask == 0 {
		return 0, 0, nil
	}
	pgLoss = loss / totalMask
	clipFrac = clipped / totalMask

	scaleTensor(coeff, 1/(totalMask*float64(accumSteps)))
	grad := logProbGradToLogits(logits, ids, coeff, promptLen)
	if temperature != 1.0 {
		scaleTensor(grad, 1/temperature)
	}
	if err := w.model.Backward(grad); err != nil {
		return 0, 0, err
	}
	return pgLoss, clipFrac, nil
}

// GenerateSequences decodes sequences for the prompts; co-located actors
// recompute old log-probs against the freshly trained parameters so the
// update sees the snapshot that generated the data. DP_COMPUTE_PROTO.
func (w *ActorRolloutRefWorker) GenerateSequences(prompts *Batch) (*Batch, error) {
	if !w.isRollout {
		panic("generate_sequences dispatched to a non-rollout worker")
	}
	prompts = prompts.To(PlacementDevice)
	recomputeLogProb := prompts.MetaBool("recompute_log_prob", true)

	entry := w.offload.State()
	w.offload.LoadParamAndGrad(false)
	defer w.offload.RestoreState(entry)

	if w.tokenizer != nil {
		prompts.SetMeta("eos_token_id", w.tokenizer.EOSID())
		prompts.SetMeta("pad_token_id", w.tokenizer.PadID())
	}

	if err := w.deps.Sharding.Enter(); err != nil {
		return nil, fmt.Errorf("sharding enter: %w", err)
	}
	logFootprint("entered sharding manager", w.dist)
	pre := w.deps.Sharding.PreprocessData(prompts)
	output, err := w.deps.Rollout.GenerateSequences(pre)
	if err != nil {
		w.deps.Sharding.Exit()
		return nil, fmt.Errorf("rollout generation: %w", err)
	}
	output = w.deps.Sharding.PostprocessData(output)
	if err := w.deps.Sharding.Exit(); err != nil {
		return nil, fmt.Errorf("sharding exit: %w", err)
	}
	logFootprint("after rollout generation", w.dist)

	if w.isActor && recomputeLogProb {
		w.offload.RequireResident(ResourceParams)
		respLen := output.MustGet("responses").Dim(1)
		oldLogProbs, err := computeLogProbs(w.model, output,
			w.cfg.Rollout.LogProbMicroBatchSize, w.cfg.Rollout.Temperature, respLen)
		if err != nil {
			return nil, err
		}
		output.Put("old_log_probs", oldLogProbs)
	}

	output = output.To(PlacementHost)
	w.dist.Barrier()
	logFootprint("after log-prob recompute", w.dist)
	return output, nil
}

// ComputeRefLogProb runs the forward-only log-prob pass on the frozen
// reference model. DP_COMPUTE_PROTO.
func (w *ActorRolloutRefWorker) ComputeRefLogProb(data *Batch) (*Batch, error) {
	if !w.isRef {
		panic("compute_ref_log_prob dispatched to a non-reference worker")
	}
	data = data.To(PlacementDevice)

	entry := w.refOffload.State()
	w.refOffload.LoadParamAndGrad(false)
	defer w.refOffload.RestoreState(entry)

	respLen := data.MustGet("responses").Dim(1)
	logProbs, err := computeLogProbs(w.refModel, data,
		w.cfg.Ref.LogProbMicroBatchSize, w.cfg.Rollout.Temperature, respLen)
	if err != nil {
		return nil, err
	}

	out := BatchFromTensors(map[string]*Tensor{"ref_log_prob": logProbs}).To(PlacementHost)
	w.dist.Barrier()
	return out, nil
}

// SaveCheckpoint gathers the full actor state on the coordinating rank and
// writes it, with the tokenizer files, to localPath (optionally mirrored to
// remotePath). ONE_TO_ALL; every rank must participate in the gather.
func (w *ActorRolloutRefWorker) SaveCheckpoint(localPath, remotePath string) error {
	if !w.isActor {
		panic("save_checkpoint dispatched to a non-actor worker")
	}
	entry := w.offload.State()
	w.offload.LoadParamAndGrad(false)
	defer w.offload.RestoreState(entry)

	state := w.model.StateDict(true)
	if err := SaveCheckpoint(w.dist, state, w.tokenizer, localPath, remotePath, w.deps.Store); err != nil {
		return err
	}

	w.dist.Barrier()
	return nil
}

// computeLogProbs is the shared forward-only log-prob pass: next-token
// log-probs over the response segment, micro-batched.
func computeLogProbs(model Model, data *Batch, microBatchSize int, temperature float64, responseLength int) (*Tensor, error) {
	if microBatchSize <= 0 {
		microBatchSize = data.Len()
	}
	iter, err := SplitMicroBatches(data, microBatchSize)
	if err != nil {
		return nil, err
	}
	var parts []*Tensor
	for {
		mb, ok := iter.Next()
		if !ok {
			break
		}
		ids := mb.MustGet("input_ids")
		mask := mb.MustGet("attention_mask")
		pos := mb.MustGet("position_ids")
		logits, err := model.Forward(ids, mask, pos)
		if err != nil {
			return nil, err
		}
		lp := gatherNextTokenLogProbs(logits, ids, temperature)
		n, cols := lp.Dim(0), lp.Dim(1)
		out := NewTensor(n, responseLength)
		for i := 0; i < n; i++ {
			for j := 0; j < responseLength; j++ {
				out.Set(lp.At(i, cols-responseLength+j), i, j)
			}
		}
		parts = append(parts, out)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("compute log probs: empty batch")
	}
	return ConcatRows(parts...), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
