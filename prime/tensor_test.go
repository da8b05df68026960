package prime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTensor_ZeroFilledOnHost(t *testing.T) {
	got := NewTensor(2, 3)
	assert.Equal(t, []int{2, 3}, got.Shape())
	assert.Equal(t, 6, got.Numel())
	assert.Equal(t, PlacementHost, got.Placement())
	for _, v := range got.Data() {
		assert.Zero(t, v)
	}
}

func TestTensor_AtSet_MultiIndex(t *testing.T) {
	x := NewTensor(2, 3, 4)
	x.Set(7.5, 1, 2, 3)
	assert.Equal(t, 7.5, x.At(1, 2, 3))
	assert.Equal(t, 0.0, x.At(0, 0, 0))
}

func TestTensor_Int_TruncatesStoredIDs(t *testing.T) {
	x := NewTensorFrom2D([][]float64{{3, 5}, {7, 11}})
	assert.Equal(t, 5, x.Int(0, 1))
	assert.Equal(t, 11, x.Int(1, 1))
}

func TestTensor_To_DeepCopiesAndLeavesReceiver(t *testing.T) {
	// GIVEN a host tensor
	x := NewTensorFrom2D([][]float64{{1, 2}})

	// WHEN moved to the device
	y := x.To(PlacementDevice)
	y.Set(99, 0, 0)

	// THEN the receiver is unchanged in value and placement
	assert.Equal(t, PlacementHost, x.Placement())
	assert.Equal(t, PlacementDevice, y.Placement())
	assert.Equal(t, 1.0, x.At(0, 0))
}

func TestTensor_Checksum_IgnoresPlacement(t *testing.T) {
	x := NewTensorFrom2D([][]float64{{1, 2, 3}})
	assert.Equal(t, x.Checksum(), x.To(PlacementDevice).Checksum())
}

func TestTensor_Checksum_SensitiveToValues(t *testing.T) {
	x := NewTensorFrom2D([][]float64{{1, 2, 3}})
	y := x.Clone()
	y.Set(2.5, 0, 1)
	assert.NotEqual(t, x.Checksum(), y.Checksum())
}

func TestTensor_SliceRows_DeepCopy(t *testing.T) {
	x := NewTensorFrom2D([][]float64{{1, 2}, {3, 4}, {5, 6}})
	s := x.SliceRows(1, 3)
	assert.Equal(t, []int{2, 2}, s.Shape())
	assert.Equal(t, 3.0, s.At(0, 0))

	s.Set(0, 0, 0)
	assert.Equal(t, 3.0, x.At(1, 0))
}

func TestConcatRows_RestoresOriginal(t *testing.T) {
	x := NewTensorFrom2D([][]float64{{1, 2}, {3, 4}, {5, 6}})
	got := ConcatRows(x.SliceRows(0, 1), x.SliceRows(1, 3))
	assert.Equal(t, x.Data(), got.Data())
	assert.Equal(t, x.Shape(), got.Shape())
}

func TestConcatRows_TrailingShapeMismatch_Panics(t *testing.T) {
	assert.Panics(t, func() {
		ConcatRows(NewTensor(1, 2), NewTensor(1, 3))
	})
}

func TestTensor_Row_MutableView(t *testing.T) {
	x := NewTensorFrom2D([][]float64{{1, 2}, {3, 4}})
	x.Row(1)[0] = 9
	assert.Equal(t, 9.0, x.At(1, 0))
}
