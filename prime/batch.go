// batch.go
//
// Defines the Batch type: an ordered collection of named tensors sharing a
// leading sample dimension, plus per-sample and step-level metadata. Batches
// are the unit of data exchanged between the controller and workers.

package prime

import (
	"fmt"
	"sort"
)

// Batch groups named tensors with identical leading dimension, per-sample
// non-tensor metadata (e.g. raw chat prompts) and step-level meta info
// (e.g. temperature, micro-batch size). Mirrors the role DataProto plays in
// the dispatch substrate: workers receive their shard and return a
// same-cardinality result shard.
type Batch struct {
	keys      []string
	tensors   map[string]*Tensor
	nonTensor map[string][]any
	meta      map[string]any
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{
		tensors:   map[string]*Tensor{},
		nonTensor: map[string][]any{},
		meta:      map[string]any{},
	}
}

// BatchFromTensors builds a batch from named tensors. Iteration order of the
// resulting batch is the sorted key order, so two batches built from the same
// map are identical.
func BatchFromTensors(tensors map[string]*Tensor) *Batch {
	b := NewBatch()
	keys := make([]string, 0, len(tensors))
	for k := range tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Put(k, tensors[k])
	}
	return b
}

// Len returns the batch cardinality (leading dimension). Zero for an empty
// batch with no tensors and no non-tensor columns.
func (b *Batch) Len() int {
	for _, k := range b.keys {
		return b.tensors[k].Dim(0)
	}
	for _, col := range b.nonTensor {
		return len(col)
	}
	return 0
}

// Put adds or replaces a named tensor. Every tensor in a batch must share
// the leading dimension; a mismatch is a programming error.
func (b *Batch) Put(name string, t *Tensor) *Batch {
	if t.NumDims() == 0 {
		panic(fmt.Sprintf("batch: tensor %q must have a leading sample dimension", name))
	}
	if n := b.Len(); len(b.keys) > 0 || len(b.nonTensor) > 0 {
		if t.Dim(0) != n {
			panic(fmt.Sprintf("batch: tensor %q leading dim %d != batch cardinality %d", name, t.Dim(0), n))
		}
	}
	if _, ok := b.tensors[name]; !ok {
		b.keys = append(b.keys, name)
	}
	b.tensors[name] = t
	return b
}

// Get returns the named tensor or nil.
func (b *Batch) Get(name string) *Tensor {
	return b.tensors[name]
}

// MustGet returns the named tensor and panics when absent. Missing required
// fields are caller programming errors, not recoverable conditions.
func (b *Batch) MustGet(name string) *Tensor {
	t := b.tensors[name]
	if t == nil {
		panic(fmt.Sprintf("batch: required tensor %q missing", name))
	}
	return t
}

// Has reports whether the named tensor is present.
func (b *Batch) Has(name string) bool {
	_, ok := b.tensors[name]
	return ok
}

// Keys returns tensor names in insertion order.
func (b *Batch) Keys() []string {
	return append([]string(nil), b.keys...)
}

// PutNonTensor attaches a per-sample metadata column (one entry per sample).
func (b *Batch) PutNonTensor(name string, col []any) *Batch {
	if n := b.Len(); (len(b.keys) > 0 || len(b.nonTensor) > 0) && len(col) != n {
		panic(fmt.Sprintf("batch: non-tensor column %q length %d != batch cardinality %d", name, len(col), n))
	}
	b.nonTensor[name] = col
	return b
}

// NonTensor returns a per-sample metadata column or nil.
func (b *Batch) NonTensor(name string) []any {
	return b.nonTensor[name]
}

// SetMeta attaches step-level metadata.
func (b *Batch) SetMeta(key string, v any) *Batch {
	b.meta[key] = v
	return b
}

// Meta returns step-level metadata (nil when absent).
func (b *Batch) Meta(key string) any {
	return b.meta[key]
}

// MetaInt returns integer step-level metadata, or def when absent.
func (b *Batch) MetaInt(key string, def int) int {
	switch v := b.meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// MetaFloat returns float step-level metadata, or def when absent.
func (b *Batch) MetaFloat(key string, def float64) float64 {
	switch v := b.meta[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// MetaBool returns boolean step-level metadata, or def when absent.
func (b *Batch) MetaBool(key string, def bool) bool {
	if v, ok := b.meta[key].(bool); ok {
		return v
	}
	return def
}

// To returns a deep copy with every tensor on the given placement.
// Non-tensor columns and meta info are carried over unchanged.
func (b *Batch) To(p Placement) *Batch {
	out := NewBatch()
	for _, k := range b.keys {
		out.Put(k, b.tensors[k].To(p))
	}
	for k, col := range b.nonTensor {
		out.nonTensor[k] = append([]any(nil), col...)
	}
	for k, v := range b.meta {
		out.meta[k] = v
	}
	return out
}

// Slice returns a deep copy of samples [lo, hi).
func (b *Batch) Slice(lo, hi int) *Batch {
	out := NewBatch()
	for _, k := range b.keys {
		out.Put(k, b.tensors[k].SliceRows(lo, hi))
	}
	for k, col := range b.nonTensor {
		out.nonTensor[k] = append([]any(nil), col[lo:hi]...)
	}
	for k, v := range b.meta {
		out.meta[k] = v
	}
	return out
}

// Union merges other's tensors, non-tensor columns and meta into a copy of b.
// Key collisions resolve in favor of other.
func (b *Batch) Union(other *Batch) *Batch {
	out := b.Slice(0, b.Len())
	for _, k := range other.keys {
		out.Put(k, other.tensors[k].Clone())
	}
	for k, col := range other.nonTensor {
		out.nonTensor[k] = append([]any(nil), col...)
	}
	for k, v := range other.meta {
		out.meta[k] = v
	}
	return out
}

// ConcatBatches concatenates batches along the sample dimension, in order.
// All batches must carry the same tensor keys. Meta info is taken from the
// first batch.
func ConcatBatches(batches ...*Batch) *Batch {
	if len(batches) == 0 {
		panic("batch: ConcatBatches of nothing")
	}
	out := NewBatch()
	first := batches[0]
	for _, k := range first.keys {
		parts := make([]*Tensor, len(batches))
		for i, b := range batches {
			parts[i] = b.MustGet(k)
		}
		out.Put(k, ConcatRows(parts...))
	}
	for k := range first.nonTensor {
		col := []any{}
		for _, b := range batches {
			col = append(col, b.nonTensor[k]...)
		}
		out.nonTensor[k] = col
	}
	for k, v := range first.meta {
		out.meta[k] = v
	}
	return out
}
