// test_helpers_test.go
//
// Shared fixtures: a linear "table" model with exact gradients, stub
// collaborators for the external boundaries, and batch builders.

package prime

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// modelInitRNG derives the synthetic-model stream for a master seed, the
// same way a standalone run would partition it.
func modelInitRNG(seed int64) *rand.Rand {
	return NewPartitionedRNG(NewRunKey(seed)).Get(SubsystemModelInit)
}

// fakeDist is a configurable DistContext that counts barrier hits.
type fakeDist struct {
	rank     int
	world    int
	barriers int
}

func (f *fakeDist) WorldSize() int { return f.world }
func (f *fakeDist) Rank() int      { return f.rank }
func (f *fakeDist) Barrier()       { f.barriers++ }

// tableModel is a minimal language model: one weight per vocabulary entry,
// logits independent of position. Its closed-form backward makes gradient
// flow exact, so update-mode tests observe real parameter movement.
type tableModel struct {
	w     *Tensor // (vocab)
	grad  *Tensor
	vocab int
}

func newTableModel(vocab int, rng *rand.Rand) *tableModel {
	w := NewTensor(vocab)
	for i := range w.Data() {
		w.Data()[i] = rng.NormFloat64() * 0.5
	}
	return &tableModel{w: w, grad: NewTensor(vocab), vocab: vocab}
}

func (m *tableModel) Forward(ids, mask, pos *Tensor) (*Tensor, error) {
	n, seqLen := ids.Dim(0), ids.Dim(1)
	logits := NewTensor(n, seqLen, m.vocab)
	for i := 0; i < n; i++ {
		for t := 0; t < seqLen; t++ {
			copy(logits.Data()[(i*seqLen+t)*m.vocab:(i*seqLen+t+1)*m.vocab], m.w.Data())
		}
	}
	return logits, nil
}

func (m *tableModel) Backward(logitsGrad *Tensor) error {
	n, seqLen := logitsGrad.Dim(0), logitsGrad.Dim(1)
	for i := 0; i < n; i++ {
		for t := 0; t < seqLen; t++ {
			base := (i*seqLen + t) * m.vocab
			for k := 0; k < m.vocab; k++ {
				m.grad.Data()[k] += logitsGrad.Data()[base+k]
			}
		}
	}
	return nil
}

func (m *tableModel) Parameters() []*Tensor { return []*Tensor{m.w} }
func (m *tableModel) Gradients() []*Tensor  { return []*Tensor{m.grad} }
func (m *tableModel) ZeroGrad()             { m.grad.Fill(0) }

func (m *tableModel) ClipGradNorm(max float64) float64 {
	return GlobalGradNorm(m.Gradients(), max)
}

func (m *tableModel) StateDict(gatherFull bool) map[string]*Tensor {
	return map[string]*Tensor{"table.weight": m.w.Clone()}
}

// valueModel is a constant value head: every position scores the single
// parameter. Vocabulary size 1, as the critic expects.
type valueModel struct {
	w    *Tensor // (1)
	grad *Tensor
}

func newValueModel(v float64) *valueModel {
	w := NewTensor(1)
	w.Data()[0] = v
	return &valueModel{w: w, grad: NewTensor(1)}
}

func (m *valueModel) Forward(ids, mask, pos *Tensor) (*Tensor, error) {
	n, seqLen := ids.Dim(0), ids.Dim(1)
	logits := NewTensor(n, seqLen, 1)
	for i := range logits.Data() {
		logits.Data()[i] = m.w.Data()[0]
	}
	return logits, nil
}

func (m *valueModel) Backward(logitsGrad *Tensor) error {
	for _, v := range logitsGrad.Data() {
		m.grad.Data()[0] += v
	}
	return nil
}

func (m *valueModel) Parameters() []*Tensor { return []*Tensor{m.w} }
func (m *valueModel) Gradients() []*Tensor  { return []*Tensor{m.grad} }
func (m *valueModel) ZeroGrad()             { m.grad.Fill(0) }

func (m *valueModel) ClipGradNorm(max float64) float64 {
	return GlobalGradNorm(m.Gradients(), max)
}

func (m *valueModel) StateDict(gatherFull bool) map[string]*Tensor {
	return map[string]*Tensor{"value_head.weight": m.w.Clone()}
}

// stubBuilder hands out pre-built models per role.
type stubBuilder struct {
	models map[Role]Model
	tok    Tokenizer
}

func (b stubBuilder) BuildModel(role Role, trainable bool) (Model, Tokenizer, error) {
	m, ok := b.models[role]
	if !ok {
		return nil, nil, fmt.Errorf("stub builder: no model for role %q", role)
	}
	return m, b.tok, nil
}

// stubTokenizer is a deterministic byte-level tokenizer.
type stubTokenizer struct {
	vocab int
}

func (t stubTokenizer) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("t%d", id)
	}
	return strings.Join(parts, " ")
}

func (t stubTokenizer) Encode(text string, maxLength int, truncation string) ([]int, []int) {
	raw := []int{}
	for _, b := range []byte(text) {
		raw = append(raw, 3+int(b)%(t.vocab-3))
	}
	if len(raw) > maxLength {
		if truncation == "left" {
			raw = raw[len(raw)-maxLength:]
		} else {
			raw = raw[:maxLength]
		}
	}
	ids := make([]int, maxLength)
	mask := make([]int, maxLength)
	for i := 0; i < len(raw); i++ {
		ids[i] = raw[i]
		mask[i] = 1
	}
	for i := len(raw); i < maxLength; i++ {
		ids[i] = t.PadID()
	}
	return ids, mask
}

func (t stubTokenizer) ApplyChatTemplate(chat []ChatMessage, addGenerationPrompt bool) string {
	parts := make([]string, len(chat))
	for i, m := range chat {
		parts[i] = m.Role + ": " + m.Content
	}
	s := strings.Join(parts, "\n")
	if addGenerationPrompt {
		s += "\nassistant:"
	}
	return s
}

func (t stubTokenizer) EOSToken() string { return "</s>" }
func (t stubTokenizer) PadID() int       { return 0 }
func (t stubTokenizer) EOSID() int       { return 2 }

func (t stubTokenizer) Save(dir string) error {
	return os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}\n"), 0o644)
}

// stubRollout appends a fixed-length response to each prompt, sampling
// tokens from the stream the worker seeds it with.
type stubRollout struct {
	respLen int
	vocab   int
	rng     *rand.Rand
}

func (r *stubRollout) Seed(rng *rand.Rand) { r.rng = rng }

func (r *stubRollout) GenerateSequences(prompts *Batch) (*Batch, error) {
	promptIDs := prompts.MustGet("input_ids")
	n, promptLen := promptIDs.Dim(0), promptIDs.Dim(1)
	seqLen := promptLen + r.respLen

	responses := NewTensor(n, r.respLen)
	ids := NewTensor(n, seqLen)
	mask := NewTensor(n, seqLen)
	for i := 0; i < n; i++ {
		for t := 0; t < promptLen; t++ {
			ids.Set(promptIDs.At(i, t), i, t)
			mask.Set(1, i, t)
		}
		for j := 0; j < r.respLen; j++ {
			tok := 3 + (i*7+j*3)%(r.vocab-3)
			if r.rng != nil {
				tok = 3 + r.rng.Intn(r.vocab-3)
			}
			responses.Set(float64(tok), i, j)
			ids.Set(float64(tok), i, promptLen+j)
			mask.Set(1, i, promptLen+j)
		}
	}

	out := NewBatch().
		Put("prompts", promptIDs.Clone()).
		Put("responses", responses).
		Put("input_ids", ids).
		Put("attention_mask", mask).
		Put("position_ids", ComputePositionIDs(mask))
	return out, nil
}

// makeScoringBatch builds a full-sequence batch with all-ones attention,
// alternating correctness labels and deterministic token ids.
func makeScoringBatch(n, promptLen, respLen, vocab int) *Batch {
	seqLen := promptLen + respLen
	prompts := NewTensor(n, promptLen)
	responses := NewTensor(n, respLen)
	ids := NewTensor(n, seqLen)
	mask := NewTensor(n, seqLen)
	acc := NewTensor(n, 1)
	for i := 0; i < n; i++ {
		for t := 0; t < seqLen; t++ {
			tok := 3 + (i*11+t*5)%(vocab-3)
			ids.Set(float64(tok), i, t)
			mask.Set(1, i, t)
			if t < promptLen {
				prompts.Set(float64(tok), i, t)
			} else {
				responses.Set(float64(tok), i, t-promptLen)
			}
		}
		acc.Set(float64((i+1)%2), i, 0)
	}
	return NewBatch().
		Put("prompts", prompts).
		Put("responses", responses).
		Put("input_ids", ids).
		Put("attention_mask", mask).
		Put("position_ids", ComputePositionIDs(mask)).
		Put("acc", acc)
}

// newTestWorkerConfig returns a config sized for tiny single-rank tests.
func newTestWorkerConfig() *WorkerConfig {
	cfg := &WorkerConfig{
		Actor: ActorConfig{
			MiniBatchSize:  4,
			MicroBatchSize: 2,
			Optim:          OptimConfig{LR: 0.05, GradClip: 1.0},
		},
		Rollout: RolloutConfig{LogProbMicroBatchSize: 2, Seed: 42},
		Ref:     RefConfig{LogProbMicroBatchSize: 2},
		Critic: CriticConfig{
			MiniBatchSize:  4,
			MicroBatchSize: 2,
			Optim:          OptimConfig{LR: 0.05, GradClip: 1.0},
		},
		RewardModel: RewardModelConfig{
			MicroBatchSize: 2,
			MiniBatchSize:  4,
			Granularity:    GranularityWhole,
			LossType:       LossTypeCE,
			Update:         UpdateNone,
			Norm:           NormNone,
			NSamples:       2,
			Optim:          OptimConfig{LR: 0.05, GradClip: 1.0},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
