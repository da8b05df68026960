// tensor.go
//
// Dense tensor value type shared by batches, model parameters, gradients and
// optimizer state. Placement (host vs. accelerator) is tracked per tensor so
// the offload manager can verify bracketing invariants.

package prime

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Placement identifies where a tensor is resident.
type Placement string

const (
	// PlacementHost is pageable host memory.
	PlacementHost Placement = "host"
	// PlacementDevice is accelerator memory.
	PlacementDevice Placement = "device"
)

// Tensor is a dense row-major float64 tensor. Integer payloads (token ids,
// attention masks) are stored as float64; all values in play are exactly
// representable.
//
// Tensors inside a Batch are value objects: crossing a placement boundary
// goes through To, which deep-copies. Parameter/gradient/optimizer tensors
// are the one exception: the OffloadManager moves them in place.
type Tensor struct {
	shape     []int
	data      []float64
	placement Placement
}

// NewTensor creates a zero-filled tensor with the given shape on the host.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Tensor{
		shape:     append([]int(nil), shape...),
		data:      make([]float64, n),
		placement: PlacementHost,
	}
}

// NewTensorFrom2D creates a (rows, cols) tensor from row slices.
// All rows must have equal length.
func NewTensorFrom2D(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return NewTensor(0, 0)
	}
	cols := len(rows[0])
	t := NewTensor(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: ragged rows, row 0 has %d cols, row %d has %d", cols, i, len(r)))
		}
		copy(t.data[i*cols:(i+1)*cols], r)
	}
	return t
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// NumDims returns the number of dimensions.
func (t *Tensor) NumDims() int {
	return len(t.shape)
}

// Numel returns the total number of elements.
func (t *Tensor) Numel() int {
	return len(t.data)
}

// Placement reports where the tensor is currently resident.
func (t *Tensor) Placement() Placement {
	return t.placement
}

// Data exposes the backing slice. Mutating it mutates the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

func (t *Tensor) offset(idx ...int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d-d tensor", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (size %d)", x, i, t.shape[i]))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx...)]
}

// Set assigns the element at the given multi-index.
func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.offset(idx...)] = v
}

// Int returns the element at the given multi-index truncated to int.
// Used for token ids and masks stored as float64.
func (t *Tensor) Int(idx ...int) int {
	return int(t.data[t.offset(idx...)])
}

// Row returns the i-th row of a 2-d tensor as a mutable slice view.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: Row on %d-d tensor", len(t.shape)))
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

// Clone returns a deep copy on the same placement.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		shape:     append([]int(nil), t.shape...),
		data:      append([]float64(nil), t.data...),
		placement: t.placement,
	}
	return c
}

// To returns a deep copy resident on the given placement. The receiver is
// unchanged: batches never migrate in place.
func (t *Tensor) To(p Placement) *Tensor {
	c := t.Clone()
	c.placement = p
	return c
}

// SliceRows returns a deep copy of rows [lo, hi) along the leading dimension.
func (t *Tensor) SliceRows(lo, hi int) *Tensor {
	if len(t.shape) == 0 {
		panic("tensor: SliceRows on scalar")
	}
	if lo < 0 || hi > t.shape[0] || lo > hi {
		panic(fmt.Sprintf("tensor: SliceRows[%d:%d] out of range for leading dim %d", lo, hi, t.shape[0]))
	}
	stride := 1
	for _, d := range t.shape[1:] {
		stride *= d
	}
	shape := append([]int{hi - lo}, t.shape[1:]...)
	c := &Tensor{
		shape:     shape,
		data:      append([]float64(nil), t.data[lo*stride:hi*stride]...),
		placement: t.placement,
	}
	return c
}

// ConcatRows concatenates tensors along the leading dimension. All inputs
// must share trailing shape and placement.
func ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatRows of nothing")
	}
	first := ts[0]
	rows := 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			panic("tensor: ConcatRows rank mismatch")
		}
		for i := 1; i < len(first.shape); i++ {
			if t.shape[i] != first.shape[i] {
				panic("tensor: ConcatRows trailing shape mismatch")
			}
		}
		rows += t.shape[0]
	}
	shape := append([]int{rows}, first.shape[1:]...)
	out := &Tensor{
		shape:     shape,
		data:      make([]float64, 0, rows*stride(first.shape[1:])),
		placement: first.placement,
	}
	for _, t := range ts {
		out.data = append(out.data, t.data...)
	}
	return out
}

func stride(dims []int) int {
	s := 1
	for _, d := range dims {
		s *= d
	}
	return s
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Checksum returns an FNV-1a hash over the raw element bits. Placement is
// deliberately excluded: moving a tensor must never change its checksum.
func (t *Tensor) Checksum() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range t.data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}
