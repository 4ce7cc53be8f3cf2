// internal/dataset/loader.go
package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// Source is an indexable collection of encodable examples.
type Source interface {
	Len() int
	Get(ctx context.Context, i int) (*EncodedExample, string, error)
}

// Batch stacks encoded examples along a leading batch dimension.
type Batch struct {
	// FlattenedPatches has shape [B, maxPatches, patchDim].
	FlattenedPatches *tensor.Dense
	// AttentionMask has shape [B, maxPatches].
	AttentionMask *tensor.Dense
	Labels        [][]int32
	Answers       []string
	Indices       []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Answers) }

// LoaderOptions configures batching.
type LoaderOptions struct {
	BatchSize int
	Workers   int
	Shuffle   bool
	Seed      int64
}

// Loader encodes batches of examples with a bounded worker pool.
type Loader struct {
	src  Source
	opts LoaderOptions
}

// NewLoader returns a loader over src.
func NewLoader(src Source, opts LoaderOptions) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{src: src, opts: opts}
}

// Steps returns the number of batches per epoch.
func (l *Loader) Steps() int {
	return (l.src.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Batches partitions the example indices for epoch. Shuffling is
// deterministic for a given seed and epoch.
func (l *Loader) Batches(epoch int) [][]int {
	order := make([]int, l.src.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(l.opts.Seed), uint64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([][]int, 0, l.Steps())
	for start := 0; start < len(order); start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

// Load encodes the examples at indices in parallel and collates them.
func (l *Loader) Load(ctx context.Context, indices []int) (*Batch, error) {
	examples := make([]*EncodedExample, len(indices))
	answers := make([]string, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, idx := range indices {
		g.Go(func() error {
			ex, answer, err := l.src.Get(gctx, idx)
			if err != nil {
				return fmt.Errorf("example %d: %w", idx, err)
			}
			examples[i] = ex
			answers[i] = answer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Collate(examples, answers, indices)
}

// Each loads every batch of epoch in order and hands it to fn.
func (l *Loader) Each(ctx context.Context, epoch int, fn func(step int, b *Batch) error) error {
	for step, indices := range l.Batches(epoch) {
		b, err := l.Load(ctx, indices)
		if err != nil {
			return err
		}
		if err := fn(step, b); err != nil {
			return err
		}
	}
	return nil
}

// Collate stacks examples into a Batch. Every example must have the same
// patch, mask and label shapes.
func Collate(examples []*EncodedExample, answers []string, indices []int) (*Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("collate: empty batch")
	}
	if len(answers) != len(examples) {
		return nil, fmt.Errorf("collate: %d examples but %d answers", len(examples), len(answers))
	}

	first := examples[0]
	if first == nil || first.FlattenedPatches == nil || first.AttentionMask == nil {
		return nil, fmt.Errorf("collate: example 0 is incomplete")
	}
	pshape := first.FlattenedPatches.Shape()
	if len(pshape) != 2 {
		return nil, fmt.Errorf("collate: patches must be rank 2, got %v", pshape)
	}
	numPatches, dim := pshape[0], pshape[1]
	labelLen := len(first.Labels)

	patches := make([]float32, 0, len(examples)*numPatches*dim)
	mask := make([]float32, 0, len(examples)*numPatches)
	labels := make([][]int32, len(examples))

	for i, ex := range examples {
		if ex == nil || ex.FlattenedPatches == nil || ex.AttentionMask == nil {
			return nil, fmt.Errorf("collate: example %d is incomplete", i)
		}
		if !ex.FlattenedPatches.Shape().Eq(pshape) {
			return nil, fmt.Errorf("collate: example %d patches %v, want %v", i, ex.FlattenedPatches.Shape(), pshape)
		}
		if ms := ex.AttentionMask.Shape(); len(ms) != 1 || ms[0] != numPatches {
			return nil, fmt.Errorf("collate: example %d mask %v, want [%d]", i, ms, numPatches)
		}
		if len(ex.Labels) != labelLen {
			return nil, fmt.Errorf("collate: example %d has %d labels, want %d", i, len(ex.Labels), labelLen)
		}

		pdata, ok := ex.FlattenedPatches.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("collate: example %d patches are %T, want []float32", i, ex.FlattenedPatches.Data())
		}
		mdata, ok := ex.AttentionMask.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("collate: example %d mask is %T, want []float32", i, ex.AttentionMask.Data())
		}
		patches = append(patches, pdata...)
		mask = append(mask, mdata...)
		labels[i] = ex.Labels
	}

	if indices == nil {
		indices = make([]int, len(examples))
		for i := range indices {
			indices[i] = i
		}
	}

	return &Batch{
		FlattenedPatches: tensor.New(tensor.WithShape(len(examples), numPatches, dim), tensor.WithBacking(patches)),
		AttentionMask:    tensor.New(tensor.WithShape(len(examples), numPatches), tensor.WithBacking(mask)),
		Labels:           labels,
		Answers:          answers,
		Indices:          indices,
	}, nil
}
