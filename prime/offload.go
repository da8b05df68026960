// offload.go
//
// Host/accelerator residency management for a worker's parameters, gradients
// and optimizer state. Every externally dispatched operation brackets its
// compute with load/offload so back-to-back calls to unrelated workers never
// accumulate resident memory.

package prime

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Resource identifies one offloadable resource class.
type Resource string

const (
	ResourceParams    Resource = "params"
	ResourceGrads     Resource = "grads"
	ResourceOptimizer Resource = "optimizer"
)

// OffloadState is the per-worker residency flag set. The zero value means
// everything is device-resident.
type OffloadState struct {
	ParamOffloaded     bool
	GradOffloaded      bool
	OptimizerOffloaded bool
}

// OffloadManager moves one model's parameters, gradients and (optionally)
// optimizer state between host and device memory. Moves are idempotent and
// never alter tensor values. All ranks in a role group bracket the same
// logical operation identically, so the sharded resource stays consistently
// placed cluster-wide.
type OffloadManager struct {
	name      string
	model     Model
	optimizer Optimizer // nil for frozen models
	state     OffloadState
}

// NewOffloadManager creates a manager for model (and optimizer, which may be
// nil). Resources start device-resident; InitOffload applies the configured
// initial state.
func NewOffloadManager(name string, model Model, optimizer Optimizer) *OffloadManager {
	return &OffloadManager{name: name, model: model, optimizer: optimizer}
}

// State returns the current residency flags.
func (m *OffloadManager) State() OffloadState {
	return m.state
}

// InitOffload applies the configured initial offload flags right after model
// construction.
func (m *OffloadManager) InitOffload(cfg OffloadConfig) {
	if cfg.ParamOffload {
		m.OffloadParamAndGrad(cfg.GradOffload)
	}
	if cfg.OptimizerOffload {
		m.OffloadOptimizer()
	}
}

// LoadParamAndGrad brings parameters (and, when loadGrad, gradients) onto
// the device. No-op when already resident.
func (m *OffloadManager) LoadParamAndGrad(loadGrad bool) {
	if m.state.ParamOffloaded {
		m.move(m.model.Parameters(), PlacementDevice)
		m.state.ParamOffloaded = false
		logrus.Debugf("[%s] params loaded to device", m.name)
	}
	if loadGrad && m.state.GradOffloaded {
		m.move(m.model.Gradients(), PlacementDevice)
		m.state.GradOffloaded = false
		logrus.Debugf("[%s] grads loaded to device", m.name)
	}
}

// OffloadParamAndGrad returns parameters (and, when offloadGrad, gradients)
// to host memory. No-op when already offloaded.
func (m *OffloadManager) OffloadParamAndGrad(offloadGrad bool) {
	if !m.state.ParamOffloaded {
		m.move(m.model.Parameters(), PlacementHost)
		m.state.ParamOffloaded = true
		logrus.Debugf("[%s] params offloaded to host", m.name)
	}
	if offloadGrad && !m.state.GradOffloaded {
		m.move(m.model.Gradients(), PlacementHost)
		m.state.GradOffloaded = true
		logrus.Debugf("[%s] grads offloaded to host", m.name)
	}
}

// LoadOptimizer brings the optimizer state onto the device.
func (m *OffloadManager) LoadOptimizer() {
	if m.optimizer == nil {
		panic(fmt.Sprintf("offload[%s]: LoadOptimizer without an optimizer", m.name))
	}
	if m.state.OptimizerOffloaded {
		m.move(m.optimizer.StateTensors(), PlacementDevice)
		m.state.OptimizerOffloaded = false
		logrus.Debugf("[%s] optimizer state loaded to device", m.name)
	}
}

// OffloadOptimizer returns the optimizer state to host memory.
func (m *OffloadManager) OffloadOptimizer() {
	if m.optimizer == nil {
		panic(fmt.Sprintf("offload[%s]: OffloadOptimizer without an optimizer", m.name))
	}
	if !m.state.OptimizerOffloaded {
		m.move(m.optimizer.StateTensors(), PlacementHost)
		m.state.OptimizerOffloaded = true
		logrus.Debugf("[%s] optimizer state offloaded to host", m.name)
	}
}

// RequireResident panics unless the resource is device-resident. Compute on
// an offloaded resource means an operation broke its bracketing, a
// programming error rather than a recoverable condition.
func (m *OffloadManager) RequireResident(r Resource) {
	offloaded := false
	switch r {
	case ResourceParams:
		offloaded = m.state.ParamOffloaded
	case ResourceGrads:
		offloaded = m.state.GradOffloaded
	case ResourceOptimizer:
		offloaded = m.state.OptimizerOffloaded
	default:
		panic(fmt.Sprintf("offload[%s]: unknown resource %q", m.name, r))
	}
	if offloaded {
		panic(fmt.Sprintf("offload[%s]: compute attempted while %s offloaded", m.name, r))
	}
}

// RestoreState returns every resource to the residency it had in entry, so
// an operation leaves the memory footprint it found. Typical use:
//
//	entry := om.State()
//	om.LoadParamAndGrad(true)
//	defer om.RestoreState(entry)
func (m *OffloadManager) RestoreState(entry OffloadState) {
	if entry.ParamOffloaded {
		m.OffloadParamAndGrad(false)
	} else {
		m.LoadParamAndGrad(false)
	}
	if entry.GradOffloaded != m.state.GradOffloaded {
		if entry.GradOffloaded {
			m.move(m.model.Gradients(), PlacementHost)
			m.state.GradOffloaded = true
		} else {
			m.move(m.model.Gradients(), PlacementDevice)
			m.state.GradOffloaded = false
		}
	}
	if m.optimizer != nil && entry.OptimizerOffloaded != m.state.OptimizerOffloaded {
		if entry.OptimizerOffloaded {
			m.OffloadOptimizer()
		} else {
			m.LoadOptimizer()
		}
	}
}

// move flips the placement of owned tensors in place. Residency is a
// placement attribute only: values and checksums are untouched.
func (m *OffloadManager) move(ts []*Tensor, p Placement) {
	for _, t := range ts {
		t.placement = p
	}
}
