// tokenizer.go
//
// Tokenizer boundary and the chat-template switch: when the reward model's
// tokenizer differs from the policy's, decoded responses are re-rendered
// through the reward model's chat template and re-tokenized into its
// vocabulary.

package prime

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ChatMessage is one turn of a chat prompt.
type ChatMessage struct {
	Role    string
	Content string
}

// Tokenizer is the external tokenization collaborator.
type Tokenizer interface {
	// Decode renders token ids back to text.
	Decode(ids []int) string
	// Encode tokenizes text, pads or truncates to maxLength, and returns
	// ids plus the attention mask. truncation is "right" or "left".
	Encode(text string, maxLength int, truncation string) (ids []int, mask []int)
	// ApplyChatTemplate renders chat turns through the model's template.
	ApplyChatTemplate(chat []ChatMessage, addGenerationPrompt bool) string
	EOSToken() string
	PadID() int
	EOSID() int
	// Save writes the tokenizer's serialized files into dir.
	Save(dir string) error
}

// ComputePositionIDs derives position ids from an attention mask: the
// running count of attended positions, clipped at zero, so left padding
// yields position 0 for every pad token.
func ComputePositionIDs(mask *Tensor) *Tensor {
	n, seqLen := mask.Dim(0), mask.Dim(1)
	pos := NewTensor(n, seqLen)
	for i := 0; i < n; i++ {
		running := 0
		for t := 0; t < seqLen; t++ {
			if mask.Int(i, t) != 0 {
				pos.Set(float64(running), i, t)
				running++
			}
		}
	}
	return pos
}

// SwitchChatTemplate re-renders each sample's raw prompt turns plus decoded
// response through the target tokenizer's chat template and re-tokenizes for
// the target vocabulary. Returns a batch with input_ids, attention_mask and
// position_ids only (right padded).
//
// The source batch must carry the "raw_prompt" non-tensor column plus the
// "responses" and "attention_mask" tensors.
func SwitchChatTemplate(ctx DistContext, data *Batch, src, target Tokenizer, maxLength int, truncation string) (*Batch, error) {
	rawPrompts := data.NonTensor("raw_prompt")
	if rawPrompts == nil {
		return nil, fmt.Errorf("switch chat template: batch has no raw_prompt column")
	}
	responses := data.MustGet("responses")
	mask := data.MustGet("attention_mask")
	srcMaxLength := mask.Dim(1)
	if maxLength <= 0 {
		// the maximum length is determined by the reward model itself
		maxLength = srcMaxLength
	}
	responseLength := responses.Dim(1)
	n := data.Len()

	ids := NewTensor(n, maxLength)
	outMask := NewTensor(n, maxLength)
	for i := 0; i < n; i++ {
		chat, ok := rawPrompts[i].([]ChatMessage)
		if !ok {
			return nil, fmt.Errorf("switch chat template: raw_prompt[%d] is %T, want []ChatMessage", i, rawPrompts[i])
		}

		validResponseLength := 0
		for t := 0; t < responseLength; t++ {
			validResponseLength += mask.Int(i, srcMaxLength-responseLength+t)
		}
		respIDs := make([]int, 0, validResponseLength)
		for t := 0; t < validResponseLength; t++ {
			respIDs = append(respIDs, responses.Int(i, t))
		}

		response := src.Decode(respIDs)
		response = stripToken(response, src.EOSToken())

		full := append(append([]ChatMessage(nil), chat...), ChatMessage{Role: "assistant", Content: response})
		rendered := target.ApplyChatTemplate(full, false)
		if IsCoordinator(ctx) && i == 0 {
			logrus.Debugf("switch chat template: %q", rendered)
		}

		sampleIDs, sampleMask := target.Encode(rendered, maxLength, truncation)
		for t := 0; t < maxLength; t++ {
			ids.Set(float64(sampleIDs[t]), i, t)
			outMask.Set(float64(sampleMask[t]), i, t)
		}
	}

	out := NewBatch().
		Put("input_ids", ids).
		Put("attention_mask", outMask).
		Put("position_ids", ComputePositionIDs(outMask))
	return out, nil
}

func stripToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "")
}
