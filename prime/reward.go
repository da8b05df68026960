// reward.go
//
// PRIME reward attribution. Converts per-token log-probability differences
// between a trainable reward model and a reference signal into token-level
// credit assignment, optionally refining the reward model in the same pass
// via a cross-entropy preference loss with gradient accumulation, a
// double-forward consistency check and batch-level reward normalization.

package prime

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// RewardAttributionEngine owns the PRIME scoring loop for one reward model
// and its optional frozen reference model. The optimizer is nil unless the
// configured update mode trains the reward model in-pass.
type RewardAttributionEngine struct {
	cfg       *RewardModelConfig
	model     Model
	refModel  Model // nil: fall back to recorded old_log_probs
	optimizer Optimizer
	dist      DistContext
}

// NewRewardAttributionEngine validates the reward config and binds the
// engine to its collaborators.
func NewRewardAttributionEngine(cfg *RewardModelConfig, model, refModel Model, optimizer Optimizer, dist DistContext) (*RewardAttributionEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Update != UpdateNone && optimizer == nil {
		return nil, fmt.Errorf("%w: update mode %q requires an optimizer", ErrConfig, cfg.Update)
	}
	return &RewardAttributionEngine{
		cfg:       cfg,
		model:     model,
		refModel:  refModel,
		optimizer: optimizer,
		dist:      dist,
	}, nil
}

// ComputeScores runs the PRIME state machine over rmData: micro-batch
// scoring, the optional in-pass preference update, the DPO accuracy
// diagnostic, the before-mode double forward, and batch normalization.
//
// rmData must carry input_ids, attention_mask and position_ids; acc holds
// the per-sample binary correctness labels; promptLength delimits the
// response segment. The caller holds the offload bracket and the group
// barrier.
func (e *RewardAttributionEngine) ComputeScores(rmData *Batch, acc *Tensor, promptLength, nSamples int) (*Tensor, Metrics, error) {
	metrics := Metrics{}

	accum, err := NewGradAccumulator(e.cfg.MiniBatchSize, e.cfg.MicroBatchSize)
	if err != nil && e.cfg.Update != UpdateNone {
		return nil, nil, err
	}
	iter, err := SplitMicroBatches(rmData, e.cfg.MicroBatchSize)
	if err != nil {
		return nil, nil, err
	}

	training := e.cfg.Update == UpdateBefore || e.cfg.Update == UpdateAfter

	var parts []*Tensor
	offset := 0
	for {
		mb, ok := iter.Next()
		if !ok {
			break
		}
		tokenScore, q, logits, err := e.forwardMicroBatch(mb, promptLength)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, tokenScore)
		offset += mb.Len()

		if training {
			mbAcc := acc.SliceRows(offset-mb.Len(), offset)
			eosMask := responseMask(mb.MustGet("attention_mask"), promptLength)

			loss, dLdQ := ceDPOLoss(q, mbAcc, eosMask, e.cfg.BetaTrain)
			metrics.Append("reward_model/dpo_loss", loss)

			// scale by the accumulation window so the applied gradient is
			// the mean over the mini-batch
			scaleTensor(dLdQ, 1/float64(accum.Steps()))
			grad := logProbGradToLogits(logits, mb.MustGet("input_ids"), dLdQ, promptLength)
			if err := e.model.Backward(grad); err != nil {
				return nil, nil, err
			}

			if accum.Observe() {
				gradNorm := e.model.ClipGradNorm(e.cfg.Optim.GradClip)
				e.optimizer.Step()
				e.optimizer.ZeroGrad()
				accum.Reset()
				metrics.Append("reward_model/grad_norm", gradNorm)
			}
		}
	}
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("reward: empty batch")
	}
	scores := ConcatRows(parts...)

	// training-health diagnostic, never gates control flow
	eosMask := responseMask(rmData.MustGet("attention_mask"), promptLength)
	metrics.Append("reward_model/dpo_acc_before", dpoAccuracy(scores, acc, eosMask, nSamples))
	e.dist.Barrier()

	// Double forward: the before-mode optimizer steps already moved the
	// parameters mid-call, so score the same data again with the updated
	// weights to measure how far reward quality shifted.
	if e.cfg.Update == UpdateBefore {
		iter.Reset()
		var rescored []*Tensor
		for {
			mb, ok := iter.Next()
			if !ok {
				break
			}
			tokenScore, _, _, err := e.forwardMicroBatch(mb, promptLength)
			if err != nil {
				return nil, nil, err
			}
			rescored = append(rescored, tokenScore)
		}
		after := ConcatRows(rescored...)
		metrics.Append("reward_model/dpo_acc_after", dpoAccuracy(after, acc, eosMask, nSamples))
		e.dist.Barrier()
		if e.cfg.ReturnRescoredScores() {
			scores = after
		}
	}

	if e.cfg.Norm == NormBatch {
		batchNormScores(scores)
	}
	return scores, metrics, nil
}

// forwardMicroBatch scores one micro-batch: next-token log-probs from the
// reward model, the reference signal, the implicit-reward difference q over
// the response segment, and the sparse token-level score at unit boundaries.
func (e *RewardAttributionEngine) forwardMicroBatch(mb *Batch, promptLength int) (tokenScore, q, logits *Tensor, err error) {
	ids := mb.MustGet("input_ids")
	mask := mb.MustGet("attention_mask")
	pos := mb.MustGet("position_ids")
	n, seqLen := ids.Dim(0), ids.Dim(1)

	numActions := seqLen - promptLength
	if numActions < 0 {
		return nil, nil, nil, fmt.Errorf("reward: prompt length %d exceeds sequence length %d", promptLength, seqLen)
	}

	logits, err = e.model.Forward(ids, mask, pos)
	if err != nil {
		return nil, nil, nil, err
	}
	rmLogProbs := gatherNextTokenLogProbs(logits, ids, 1.0)

	var refLogProbs *Tensor
	if e.refModel != nil {
		refLogits, err := e.refModel.Forward(ids, mask, pos)
		if err != nil {
			return nil, nil, nil, err
		}
		refLogProbs = gatherNextTokenLogProbs(refLogits, ids, 1.0)
	} else {
		old := mb.Get("old_log_probs")
		if old == nil {
			return nil, nil, nil, fmt.Errorf("reward: no reference model and no old_log_probs in batch")
		}
		refLogProbs = old
	}

	// q is the implicit-reward difference per response token: both log-prob
	// tensors are indexed from the end so recorded old_log_probs (response
	// segment only) and full-sequence reference passes line up identically.
	q = NewTensor(n, numActions)
	for i := 0; i < n; i++ {
		for j := 0; j < numActions; j++ {
			rm := rmLogProbs.At(i, rmLogProbs.Dim(1)-numActions+j)
			ref := refLogProbs.At(i, refLogProbs.Dim(1)-numActions+j)
			q.Set(rm-ref, i, j)
		}
	}

	maxPositions := validResponseLengths(mask, promptLength)
	ends := stepEndsFor(e.cfg.Granularity, maxPositions)
	tokenScore = assignTokenScores(q, ends, numActions)
	return tokenScore, q, logits, nil
}

// gatherNextTokenLogProbs takes log_softmax over the vocabulary at every
// position except the last and gathers the log-probability of the actual
// next token, producing (samples, seqLen-1).
func gatherNextTokenLogProbs(logits, ids *Tensor, temperature float64) *Tensor {
	n, seqLen, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	out := NewTensor(n, seqLen-1)
	row := make([]float64, vocab)
	for i := 0; i < n; i++ {
		for t := 0; t < seqLen-1; t++ {
			base := (i*seqLen + t) * vocab
			copy(row, logits.Data()[base:base+vocab])
			if temperature != 1.0 {
				floats.Scale(1/temperature, row)
			}
			lse := floats.LogSumExp(row)
			next := ids.Int(i, t+1)
			out.Set(row[next]-lse, i, t)
		}
	}
	return out
}

// validResponseLengths sums the attention mask over the response segment.
func validResponseLengths(mask *Tensor, promptLength int) []int {
	n, seqLen := mask.Dim(0), mask.Dim(1)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		for t := promptLength; t < seqLen; t++ {
			out[i] += mask.Int(i, t)
		}
	}
	return out
}

// responseMask slices the attention mask to the response segment.
func responseMask(mask *Tensor, promptLength int) *Tensor {
	n, seqLen := mask.Dim(0), mask.Dim(1)
	out := NewTensor(n, seqLen-promptLength)
	for i := 0; i < n; i++ {
		for t := promptLength; t < seqLen; t++ {
			out.Set(mask.At(i, t), i, t-promptLength)
		}
	}
	return out
}

// stepEndsFor computes the reward-attribution unit boundaries per sample.
// token: every valid response position is its own unit; whole: one unit
// covering the entire valid response. An unknown granularity is a fatal
// configuration error.
func stepEndsFor(granularity string, maxPositions []int) [][]int {
	ends := make([][]int, len(maxPositions))
	switch granularity {
	case GranularityToken:
		for i, mp := range maxPositions {
			unit := make([]int, mp)
			for j := range unit {
				unit[j] = j
			}
			ends[i] = unit
		}
	case GranularityWhole:
		for i, mp := range maxPositions {
			if mp > 0 {
				ends[i] = []int{mp - 1}
			}
		}
	default:
		panic(fmt.Sprintf("reward: unknown granularity %q", granularity))
	}
	return ends
}

// assignTokenScores writes, at each unit boundary, the sum of q since the
// previous boundary; every other position gets zero. Summing the result
// over the response reconstructs the total sequence-level reward difference
// exactly (telescoping).
func assignTokenScores(q *Tensor, stepEnds [][]int, numActions int) *Tensor {
	n := q.Dim(0)
	out := NewTensor(n, numActions)
	if numActions == 0 {
		return out
	}
	for i, ends := range stepEnds {
		for j, end := range ends {
			start := 0
			if j > 0 {
				start = min(ends[j-1]+1, numActions-1)
			}
			boundary := min(end, numActions-1)
			sum := 0.0
			for t := start; t <= boundary; t++ {
				sum += q.At(i, t)
			}
			out.Set(sum, i, boundary)
		}
	}
	return out
}

// ceDPOLoss is the cross-entropy preference loss over the implicit sequence
// reward: BCE(sigmoid(beta * sum(q * mask)), acc). Returns the loss and its
// gradient with respect to q.
func ceDPOLoss(q, acc, eosMask *Tensor, beta float64) (float64, *Tensor) {
	n, numActions := q.Dim(0), q.Dim(1)
	dLdQ := NewTensor(n, numActions)
	loss := 0.0
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < numActions; j++ {
			s += q.At(i, j) * eosMask.At(i, j)
		}
		x := beta * s
		a := acc.At(i, 0)
		// -(a*log sigmoid(x) + (1-a)*log sigmoid(-x)), in stable form
		loss += a*softplus(-x) + (1-a)*softplus(x)
		p := 1 / (1 + math.Exp(-x))
		dLdS := beta * (p - a) / float64(n)
		for j := 0; j < numActions; j++ {
			dLdQ.Set(dLdS*eosMask.At(i, j), i, j)
		}
	}
	return loss / float64(n), dLdQ
}

// softplus is log(1 + exp(x)), branched so exp never overflows.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// dpoAccuracy measures, over groups of nSamples responses to the same
// prompt, whether higher aggregate token-level score tracks higher
// correctness. Pairs are weighted by |label difference|; a group with all
// equal labels scores 0.5.
func dpoAccuracy(tokenScores, acc, eosMask *Tensor, nSamples int) float64 {
	n, numActions := tokenScores.Dim(0), tokenScores.Dim(1)
	if nSamples <= 0 {
		nSamples = 1
	}
	seqScores := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < numActions; j++ {
			seqScores[i] += tokenScores.At(i, j) * eosMask.At(i, j)
		}
	}

	groupAccs := []float64{}
	for start := 0; start < n; start += nSamples {
		end := min(start+nSamples, n)
		num, denom := 0.0, 0.0
		for i := start; i < end; i++ {
			for j := i + 1; j < end; j++ {
				accDiff := acc.At(i, 0) - acc.At(j, 0)
				scoreDiff := seqScores[i] - seqScores[j]
				w := math.Abs(accDiff)
				if (scoreDiff > 0) == (accDiff > 0) {
					num += w
				}
				denom += w
			}
		}
		if denom == 0 {
			groupAccs = append(groupAccs, 0.5)
		} else {
			groupAccs = append(groupAccs, num/denom)
		}
	}
	if len(groupAccs) == 0 {
		return 0.5
	}
	return floats.Sum(groupAccs) / float64(len(groupAccs))
}

// batchNormScores rescales scores in place so the maximum absolute reverse
// cumulative sum across the batch is bounded by 1, without distorting
// relative attribution within a sequence. The epsilon guards the all-zero
// batch.
func batchNormScores(scores *Tensor) {
	n, numActions := scores.Dim(0), scores.Dim(1)
	maxAbs := 0.0
	for i := 0; i < n; i++ {
		running := 0.0
		for j := numActions - 1; j >= 0; j-- {
			running += scores.At(i, j)
			if a := math.Abs(running); a > maxAbs {
				maxAbs = a
			}
		}
	}
	scale := 1 / (maxAbs + 1e-6)
	scaleTensor(scores, scale)
	logrus.Debugf("batch norm: max |reverse cumsum| %.6f", maxAbs)
}

// logProbGradToLogits chains a gradient on response-token log-probs back to
// the logits through the log-softmax: d logp(y)/d logit_k = 1[k=y] -
// softmax_k. coeff has shape (samples, numActions); entry (i, j) applies at
// logits position promptLength-1+j, the position that predicts response
// token j.
func logProbGradToLogits(logits, ids, coeff *Tensor, promptLength int) *Tensor {
	n, seqLen, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	numActions := coeff.Dim(1)
	grad := NewTensor(n, seqLen, vocab)
	row := make([]float64, vocab)
	for i := 0; i < n; i++ {
		for j := 0; j < numActions; j++ {
			c := coeff.At(i, j)
			if c == 0 {
				continue
			}
			t := promptLength - 1 + j
			base := (i*seqLen + t) * vocab
			copy(row, logits.Data()[base:base+vocab])
			lse := floats.LogSumExp(row)
			y := ids.Int(i, t+1)
			gBase := grad.Data()[base : base+vocab]
			for k := 0; k < vocab; k++ {
				sm := math.Exp(row[k] - lse)
				gBase[k] += c * (boolToFloat(k == y) - sm)
			}
		}
	}
	return grad
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func scaleTensor(t *Tensor, s float64) {
	floats.Scale(s, t.Data())
}
