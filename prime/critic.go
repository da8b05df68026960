// critic.go
//
// CriticWorker: the value-model worker orchestrator. Forward-only value
// estimation and the clipped value-loss update, with the same offload
// bracketing as every other operation.

package prime

import (
	"fmt"
	"math"
)

// CriticWorkerDeps are the injected external collaborators of a
// CriticWorker.
type CriticWorkerDeps struct {
	Builder ModelBuilder
	Store   RemoteStore
}

// CriticWorker owns the value model. Its Model collaborator reports a
// vocabulary of size 1: the value head output per position.
type CriticWorker struct {
	cfg  *WorkerConfig
	dist DistContext
	deps CriticWorkerDeps
	ops  *OpRegistry

	model     Model
	tokenizer Tokenizer
	optimizer Optimizer
	schedule  *WarmupConstantSchedule
	offload   *OffloadManager
}

// NewCriticWorker normalizes the config for the group size (exactly once)
// and prepares the dispatch registration table.
func NewCriticWorker(cfg *WorkerConfig, dist DistContext, deps CriticWorkerDeps) (*CriticWorker, error) {
	if err := cfg.NormalizeForWorldSize(dist.WorldSize()); err != nil {
		return nil, err
	}
	w := &CriticWorker{
		cfg:  cfg,
		dist: dist,
		deps: deps,
		ops:  NewOpRegistry(),
	}
	w.ops.Register(OpInitModel, OneToAll)
	w.ops.Register(OpComputeValues, DPComputeProto)
	w.ops.Register(OpUpdateCritic, DPComputeProto)
	w.ops.Register(OpSaveCheckpoint, OneToAll)
	return w, nil
}

// Ops returns the dispatch registration table for this worker.
func (w *CriticWorker) Ops() *OpRegistry {
	return w.ops
}

// InitModel builds the value model, optimizer and schedule, then applies
// the configured initial offload state. ONE_TO_ALL.
func (w *CriticWorker) InitModel() error {
	model, tok, err := w.deps.Builder.BuildModel(RoleCritic, true)
	if err != nil {
		return fmt.Errorf("init critic model: %w", err)
	}
	w.model = model
	w.tokenizer = tok
	w.optimizer = NewAdamW(model, w.cfg.Critic.Optim)
	w.schedule = NewWarmupConstantSchedule(w.optimizer, w.cfg.Critic.Optim)
	w.offload = NewOffloadManager("critic", model, w.optimizer)
	w.offload.InitOffload(w.cfg.Critic.Offload)
	logFootprint("critic model initialized", w.dist)
	w.dist.Barrier()
	return nil
}

// ComputeValues runs the forward-only value pass over the response segment.
// DP_COMPUTE_PROTO.
func (w *CriticWorker) ComputeValues(data *Batch) (*Batch, error) {
	data = data.To(PlacementDevice)

	entry := w.offload.State()
	w.offload.LoadParamAndGrad(false)
	defer w.offload.RestoreState(entry)

	iter, err := SplitMicroBatches(data, w.cfg.Critic.MicroBatchSize)
	if err != nil {
		return nil, err
	}
	var parts []*Tensor
	for {
		mb, ok := iter.Next()
		if !ok {
			break
		}
		values, err := w.forwardValues(mb)
		if err != nil {
			return nil, err
		}
		parts = append(parts, values)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("compute values: empty batch")
	}

	out := BatchFromTensors(map[string]*Tensor{"values": ConcatRows(parts...)}).To(PlacementHost)
	w.dist.Barrier()
	return out, nil
}

// forwardValues returns the value estimates aligned to the response tokens:
// the head output at each position that predicts a response token, shape
// (samples, responseLength).
func (w *CriticWorker) forwardValues(mb *Batch) (*Tensor, error) {
	w.offload.RequireResident(ResourceParams)
	ids := mb.MustGet("input_ids")
	mask := mb.MustGet("attention_mask")
	pos := mb.MustGet("position_ids")
	respLen := mb.MustGet("responses").Dim(1)
	n, seqLen := ids.Dim(0), ids.Dim(1)

	logits, err := w.model.Forward(ids, mask, pos)
	if err != nil {
		return nil, err
	}
	if logits.Dim(2) != 1 {
		return nil, fmt.Errorf("critic model produced vocab %d, want a value head of 1", logits.Dim(2))
	}
	values := NewTensor(n, respLen)
	for i := 0; i < n; i++ {
		for j := 0; j < respLen; j++ {
			values.Set(logits.At(i, seqLen-respLen-1+j, 0), i, j)
		}
	}
	return values, nil
}

// UpdateCritic performs the clipped value-loss update with gradient
// accumulation. The batch must carry the forward fields plus values (old
// estimates) and returns. DP_COMPUTE_PROTO.
func (w *CriticWorker) UpdateCritic(data *Batch) (map[string]float64, error) {
	data = data.To(PlacementDevice)

	entry := w.offload.State()
	w.offload.LoadParamAndGrad(true)
	if w.cfg.Critic.Offload.OptimizerOffload {
		w.offload.LoadOptimizer()
	}
	defer w.offload.RestoreState(entry)

	metrics := Metrics{}
	accum, err := NewGradAccumulator(w.cfg.Critic.MiniBatchSize, w.cfg.Critic.MicroBatchSize)
	if err != nil {
		return nil, err
	}
	iter, err := SplitMicroBatches(data, w.cfg.Critic.MicroBatchSize)
	if err != nil {
		return nil, err
	}
	for {
		mb, ok := iter.Next()
		if !ok {
			break
		}
		vfLoss, clipFrac, err := w.valueLossStep(mb, accum.Steps())
		if err != nil {
			return nil, err
		}
		metrics.Append("critic/vf_loss", vfLoss)
		metrics.Append("critic/vf_clipfrac", clipFrac)

		if accum.Observe() {
			gradNorm := w.model.ClipGradNorm(w.cfg.Critic.Optim.GradClip)
			w.optimizer.Step()
			w.optimizer.ZeroGrad()
			accum.Reset()
			metrics.Append("critic/grad_norm", gradNorm)
		}
	}

	w.schedule.Step()
	metrics.Append("critic/lr(1e-4)", w.schedule.LastLR()*1e4)

	w.dist.Barrier()
	return metrics.Reduce(), nil
}

// valueLossStep runs one forward/backward micro-batch with the clipped
// value objective.
func (w *CriticWorker) valueLossStep(mb *Batch, accumSteps int) (vfLoss, clipFrac float64, err error) {
	ids := mb.MustGet("input_ids")
	mask := mb.MustGet("attention_mask")
	pos := mb.MustGet("position_ids")
	oldValues := mb.MustGet("values")
	returns := mb.MustGet("returns")
	respLen := mb.MustGet("responses").Dim(1)
	n, seqLen := ids.Dim(0), ids.Dim(1)
	promptLen := seqLen - respLen

	logits, err := w.model.Forward(ids, mask, pos)
	if err != nil {
		return 0, 0, err
	}
	respMask := responseMask(mask, promptLen)
	clipRange := w.cfg.Critic.ClipRange

	grad := NewTensor(n, seqLen, 1)
	totalMask := 0.0
	clipped := 0.0
	loss := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < respLen; j++ {
			m := respMask.At(i, j)
			if m == 0 {
				continue
			}
			totalMask += m
			vpred := logits.At(i, seqLen-respLen-1+j, 0)
			oldV := oldValues.At(i, j)
			ret := returns.At(i, j)
			vclip := oldV + clamp(vpred-oldV, -clipRange, clipRange)
			l1 := (vpred - ret) * (vpred - ret)
			l2 := (vclip - ret) * (vclip - ret)
			if l1 >= l2 {
				loss += 0.5 * l1
				grad.Set(vpred-ret, i, seqLen-respLen-1+j, 0)
			} else {
				loss += 0.5 * l2
				clipped++
				if math.Abs(vpred-oldV) < clipRange {
					grad.Set(vclip-ret, i, seqLen-respLen-1+j, 0)
				}
			}
		}
	}
	if totalMask == 0 {
		return 0, 0, nil
	}
	vfLoss = loss / totalMask
	clipFrac = clipped / totalMask

	scaleTensor(grad, 1/(totalMask*float64(accumSteps)))
	if err := w.model.Backward(grad); err != nil {
		return 0, 0, err
	}
	return vfLoss, clipFrac, nil
}

// SaveCheckpoint gathers the full critic state on the coordinating rank and
// writes it to durable storage. ONE_TO_ALL.
func (w *CriticWorker) SaveCheckpoint(localPath, remotePath string) error {
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
