package prime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_Put_LeadingDimMismatch_Panics(t *testing.T) {
	b := NewBatch().Put("a", NewTensor(4, 2))
	assert.Panics(t, func() {
		b.Put("b", NewTensor(3, 2))
	})
}

func TestBatch_Len_EmptyAndNonTensorOnly(t *testing.T) {
	assert.Equal(t, 0, NewBatch().Len())

	b := NewBatch().PutNonTensor("raw_prompt", []any{1, 2, 3})
	assert.Equal(t, 3, b.Len())
}

func TestBatch_Keys_InsertionOrder(t *testing.T) {
	b := NewBatch().
		Put("z", NewTensor(2, 1)).
		Put("a", NewTensor(2, 1))
	assert.Equal(t, []string{"z", "a"}, b.Keys())
}

func TestBatchFromTensors_SortedKeyOrder(t *testing.T) {
	b := BatchFromTensors(map[string]*Tensor{
		"z": NewTensor(2, 1),
		"a": NewTensor(2, 1),
	})
	assert.Equal(t, []string{"a", "z"}, b.Keys())
}

func TestBatch_SliceConcat_RoundTrip(t *testing.T) {
	// GIVEN a batch with tensors, a non-tensor column and meta info
	b := NewBatch().
		Put("input_ids", NewTensorFrom2D([][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}})).
		Put("acc", NewTensorFrom2D([][]float64{{1}, {0}, {1}, {0}})).
		PutNonTensor("raw_prompt", []any{"p0", "p1", "p2", "p3"}).
		SetMeta("temperature", 0.7)

	// WHEN split into contiguous slices and concatenated back
	got := ConcatBatches(b.Slice(0, 1), b.Slice(1, 3), b.Slice(3, 4))

	// THEN every tensor, column and meta entry survives in original order
	require.Equal(t, b.Len(), got.Len())
	assert.Equal(t, b.MustGet("input_ids").Data(), got.MustGet("input_ids").Data())
	assert.Equal(t, b.MustGet("acc").Data(), got.MustGet("acc").Data())
	assert.Equal(t, b.NonTensor("raw_prompt"), got.NonTensor("raw_prompt"))
	assert.Equal(t, 0.7, got.MetaFloat("temperature", 0))
}

func TestBatch_Slice_DeepCopy(t *testing.T) {
	b := NewBatch().Put("x", NewTensorFrom2D([][]float64{{1}, {2}}))
	s := b.Slice(0, 1)
	s.MustGet("x").Set(42, 0, 0)
	assert.Equal(t, 1.0, b.MustGet("x").At(0, 0))
}

func TestBatch_To_MovesEveryTensor(t *testing.T) {
	b := NewBatch().
		Put("x", NewTensor(2, 1)).
		Put("y", NewTensor(2, 3)).
		SetMeta("k", 1)

	d := b.To(PlacementDevice)
	assert.Equal(t, PlacementDevice, d.MustGet("x").Placement())
	assert.Equal(t, PlacementDevice, d.MustGet("y").Placement())
	assert.Equal(t, PlacementHost, b.MustGet("x").Placement())
	assert.Equal(t, 1, d.MetaInt("k", 0))
}

func TestBatch_Union_OtherWinsCollisions(t *testing.T) {
	a := NewBatch().Put("x", NewTensorFrom2D([][]float64{{1}, {2}}))
	b := NewBatch().
		Put("x", NewTensorFrom2D([][]float64{{9}, {9}})).
		Put("y", NewTensorFrom2D([][]float64{{5}, {6}}))

	got := a.Union(b)
	assert.Equal(t, 9.0, got.MustGet("x").At(0, 0))
	assert.Equal(t, 5.0, got.MustGet("y").At(0, 0))
}

func TestBatch_MustGet_MissingPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewBatch().MustGet("absent")
	})
}

func TestBatch_MetaAccessors_Defaults(t *testing.T) {
	b := NewBatch().
		SetMeta("n_samples", 4).
		SetMeta("recompute_log_prob", false)

	assert.Equal(t, 4, b.MetaInt("n_samples", 1))
	assert.Equal(t, 1, b.MetaInt("absent", 1))
	assert.False(t, b.MetaBool("recompute_log_prob", true))
	assert.True(t, b.MetaBool("absent", true))
	assert.Equal(t, 2.5, b.MetaFloat("absent", 2.5))
}
