package prime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePositionIDs_LeftPadding(t *testing.T) {
	// GIVEN a left-padded attention mask
	mask := NewTensorFrom2D([][]float64{
		{0, 0, 1, 1, 1},
		{1, 1, 1, 1, 1},
	})

	pos := ComputePositionIDs(mask)

	// THEN attended positions count from zero and pad positions stay zero
	assert.Equal(t, []float64{0, 0, 0, 1, 2}, pos.Row(0))
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, pos.Row(1))
}

func TestSwitchChatTemplate_ReencodesForTargetVocabulary(t *testing.T) {
	// GIVEN a batch with raw chat prompts and generated responses
	src := stubTokenizer{vocab: 30}
	target := stubTokenizer{vocab: 50}

	responses := NewTensorFrom2D([][]float64{
		{5, 6, 7, 2},
		{8, 9, 0, 0},
	})
	mask := NewTensorFrom2D([][]float64{
		{1, 1, 1, 1, 1, 1, 1}, // full response
		{1, 1, 1, 1, 1, 0, 0}, // two trailing pads
	})
	b := NewBatch().
		Put("responses", responses).
		Put("attention_mask", mask).
		PutNonTensor("raw_prompt", []any{
			[]ChatMessage{{Role: "user", Content: "solve x"}},
			[]ChatMessage{{Role: "user", Content: "factor y"}},
		})

	out, err := SwitchChatTemplate(NewLocalContext(), b, src, target, 12, "right")
	require.NoError(t, err)

	// THEN the switched batch is right padded to the requested length with
	// positions derived from the new mask
	ids := out.MustGet("input_ids")
	outMask := out.MustGet("attention_mask")
	require.Equal(t, []int{2, 12}, ids.Shape())
	require.Equal(t, []int{2, 12}, outMask.Shape())
	assert.True(t, out.Has("position_ids"))

	for i := 0; i < 2; i++ {
		seenPad := false
		for t2 := 0; t2 < 12; t2++ {
			if outMask.Int(i, t2) == 0 {
				seenPad = true
			} else {
				assert.False(t, seenPad, "mask must be contiguous from the left")
			}
		}
	}
}

func TestSwitchChatTemplate_DefaultsToSourceLength(t *testing.T) {
	src := stubTokenizer{vocab: 30}
	b := NewBatch().
		Put("responses", NewTensorFrom2D([][]float64{{5, 6}})).
		Put("attention_mask", NewTensorFrom2D([][]float64{{1, 1, 1, 1, 1}})).
		PutNonTensor("raw_prompt", []any{
			[]ChatMessage{{Role: "user", Content: "hi"}},
		})

	out, err := SwitchChatTemplate(NewLocalContext(), b, src, src, 0, "right")
	require.NoError(t, err)
	assert.Equal(t, 5, out.MustGet("input_ids").Dim(1))
}

func TestSwitchChatTemplate_MissingRawPrompt_Error(t *testing.T) {
	b := NewBatch().
		Put("responses", NewTensorFrom2D([][]float64{{5}})).
		Put("attention_mask", NewTensorFrom2D([][]float64{{1, 1}}))

	_, err := SwitchChatTemplate(NewLocalContext(), b, stubTokenizer{vocab: 30}, stubTokenizer{vocab: 30}, 4, "right")
	assert.Error(t, err)
}

func TestSwitchChatTemplate_WrongColumnType_Error(t *testing.T) {
	b := NewBatch().
		Put("responses", NewTensorFrom2D([][]float64{{5}})).
		Put("attention_mask", NewTensorFrom2D([][]float64{{1, 1}})).
		PutNonTensor("raw_prompt", []any{"plain string"})

	_, err := SwitchChatTemplate(NewLocalContext(), b, stubTokenizer{vocab: 30}, stubTokenizer{vocab: 30}, 4, "right")
	assert.Error(t, err)
}

func TestResponseMask_SlicesResponseSegment(t *testing.T) {
	mask := NewTensorFrom2D([][]float64{{1, 1, 1, 1, 0}})
	got := responseMask(mask, 3)
	assert.Equal(t, []float64{1, 0}, got.Row(0))
}

func TestValidResponseLengths_CountsAttendedTokens(t *testing.T) {
	mask := NewTensorFrom2D([][]float64{
		{1, 1, 1, 1, 1},
		{1, 1, 1, 0, 0},
	})
	got := validResponseLengths(mask, 3)
	assert.Equal(t, []int{2, 0}, got)
}
