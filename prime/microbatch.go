// microbatch.go
//
// Micro-batch splitting and gradient accumulation. A logical batch is cut
// into fixed-size contiguous slices processed sequentially under the
// per-device memory budget; gradients accumulate across a window of
// micro-batches before one optimizer step.

package prime

import "fmt"

// MicroBatchIter is a finite, restartable iterator over contiguous
// micro-batches of a parent batch, in original order. Slices are
// non-overlapping and cover the parent exactly once; the final slice may be
// short.
type MicroBatchIter struct {
	batch *Batch
	size  int
	pos   int
}

// SplitMicroBatches creates an iterator over micro-batches of the given
// size. The caller is responsible for choosing a size that fits memory; the
// iterator never retries. A non-positive size is a configuration error.
func SplitMicroBatches(b *Batch, size int) (*MicroBatchIter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: micro-batch size must be positive, got %d", ErrConfig, size)
	}
	return &MicroBatchIter{batch: b, size: size}, nil
}

// Next returns the next micro-batch, or (nil, false) when exhausted.
func (it *MicroBatchIter) Next() (*Batch, bool) {
	n := it.batch.Len()
	if it.pos >= n {
		return nil, false
	}
	hi := it.pos + it.size
	if hi > n {
		hi = n
	}
	mb := it.batch.Slice(it.pos, hi)
	it.pos = hi
	return mb, true
}

// Reset restarts the iterator from the beginning. The double-forward pass
// re-walks the same micro-batches in the same order.
func (it *MicroBatchIter) Reset() {
	it.pos = 0
}

// Count returns the total number of micro-batches the iterator yields.
func (it *MicroBatchIter) Count() int {
	n := it.batch.Len()
	return (n + it.size - 1) / it.size
}

// GradAccumulator tracks when a gradient-accumulation window completes. The
// window is miniBatchSize/microBatchSize micro-batches; the ratio must be a
// positive integer.
type GradAccumulator struct {
	steps int
	seen  int
}

// NewGradAccumulator validates the accumulation ratio. A non-integer ratio
// is a configuration error and must surface before any forward pass runs.
func NewGradAccumulator(miniBatchSize, microBatchSize int) (*GradAccumulator, error) {
	if microBatchSize <= 0 || miniBatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch sizes must be positive (mini=%d, micro=%d)",
			ErrConfig, miniBatchSize, microBatchSize)
	}
	if miniBatchSize%microBatchSize != 0 {
		return nil, fmt.Errorf("%w: mini_batch_size %d is not an integer multiple of micro_batch_size %d",
			ErrConfig, miniBatchSize, microBatchSize)
	}
	return &GradAccumulator{steps: miniBatchSize / microBatchSize}, nil
}

// Steps returns the accumulation window length.
func (g *GradAccumulator) Steps() int {
	return g.steps
}

// Observe records one processed micro-batch and reports whether the window
// just completed, i.e. the accumulated gradients should be applied now.
func (g *GradAccumulator) Observe() bool {
	g.seen++
	if g.seen%g.steps == 0 {
		return true
	}
	return false
}

// Reset clears the window position. Called after the optimizer step that
// consumed the accumulated gradients.
func (g *GradAccumulator) Reset() {
	g.seen = 0
}
