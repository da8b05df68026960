// optim.go
//
// AdamW optimizer over the Model tensor boundary, plus the constant-with-
// warmup learning-rate schedule used by every trainable role.

package prime

import (
	"fmt"
	"math"
)

// AdamW implements decoupled weight-decay Adam over a model's parameter and
// gradient tensors. The first and second moment estimates are held as
// tensors so the OffloadManager can move them with the rest of the
// optimizer state.
type AdamW struct {
	params []*Tensor
	grads  []*Tensor
	m      []*Tensor
	v      []*Tensor

	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int
}

// NewAdamW creates an AdamW optimizer for the given model.
func NewAdamW(model Model, cfg OptimConfig) *AdamW {
	params := model.Parameters()
	grads := model.Gradients()
	if len(params) != len(grads) {
		panic(fmt.Sprintf("optim: %d parameter tensors but %d gradient tensors", len(params), len(grads)))
	}
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.Shape()...)
		v[i] = NewTensor(p.Shape()...)
	}
	return &AdamW{
		params:      params,
		grads:       grads,
		m:           m,
		v:           v,
		lr:          cfg.LR,
		beta1:       cfg.Beta1,
		beta2:       cfg.Beta2,
		eps:         1e-8,
		weightDecay: cfg.WeightDecay,
	}
}

// Step applies one AdamW update from the accumulated gradients.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	for i, p := range o.params {
		g := o.grads[i].Data()
		m := o.m[i].Data()
		v := o.v[i].Data()
		w := p.Data()
		for j := range w {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g[j]
			v[j] = o.beta2*v[j] + (1-o.beta2)*g[j]*g[j]
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			w[j] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*w[j])
		}
	}
}

// ZeroGrad clears the accumulated gradients.
func (o *AdamW) ZeroGrad() {
	for _, g := range o.grads {
		g.Fill(0)
	}
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 {
	return o.lr
}

// SetLR sets the learning rate (driven by the schedule).
func (o *AdamW) SetLR(lr float64) {
	o.lr = lr
}

// StateTensors exposes the moment estimates for offloading.
func (o *AdamW) StateTensors() []*Tensor {
	out := make([]*Tensor, 0, len(o.m)+len(o.v))
	out = append(out, o.m...)
	out = append(out, o.v...)
	return out
}

// WarmupConstantSchedule ramps the learning rate linearly from zero over
// warmupSteps, then holds it at the base rate.
type WarmupConstantSchedule struct {
	optimizer   Optimizer
	baseLR      float64
	warmupSteps int
	lastStep    int
}

// NewWarmupConstantSchedule derives the warmup length from the optimizer
// config (warmup ratio x total steps) and binds the schedule to opt.
func NewWarmupConstantSchedule(opt Optimizer, cfg OptimConfig) *WarmupConstantSchedule {
	warmup := int(cfg.LRWarmupStepsRatio * float64(cfg.TotalTrainingSteps))
	s := &WarmupConstantSchedule{
		optimizer:   opt,
		baseLR:      cfg.LR,
		warmupSteps: warmup,
	}
	s.apply()
	return s
}

// Step advances the schedule by one optimizer step.
func (s *WarmupConstantSchedule) Step() {
	s.lastStep++
	s.apply()
}

// LastLR returns the learning rate after the most recent Step.
func (s *WarmupConstantSchedule) LastLR() float64 {
	return s.optimizer.LR()
}

func (s *WarmupConstantSchedule) apply() {
	lr := s.baseLR
	if s.warmupSteps > 0 && s.lastStep < s.warmupSteps {
		lr = s.baseLR * float64(s.lastStep) / float64(s.warmupSteps)
	}
	s.optimizer.SetLR(lr)
}

// GlobalGradNorm computes the L2 norm across a gradient tensor list and, if
// it exceeds max, scales every gradient down to meet it. Returns the
// pre-clip norm. Model implementations delegate ClipGradNorm here for the
// local (unsharded) case.
func GlobalGradNorm(grads []*Tensor, max float64) float64 {
	sq := 0.0
	for _, g := range grads {
		for _, v := range g.Data() {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if max > 0 && norm > max {
		scale := max / (norm + 1e-6)
		for _, g := range grads {
			d := g.Data()
			for i := range d {
				d[i] *= scale
			}
		}
	}
	return norm
}
