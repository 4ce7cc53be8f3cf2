// internal/dataset/loader_test.go
package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	n       int
	failAt  int
	patches int
	dim     int
	calls   atomic.Int32
}

func (f *fakeSource) Len() int { return f.n }

func (f *fakeSource) Get(_ context.Context, i int) (*EncodedExample, string, error) {
	f.calls.Add(1)
	if i == f.failAt {
		return nil, "", errors.New("corrupt example")
	}
	return fakeExample(f.patches, f.dim, float32(i)), fmt.Sprintf("answer-%d", i), nil
}

func fakeExample(patches, dim int, fill float32) *EncodedExample {
	data := make([]float32, patches*dim)
	for i := range data {
		data[i] = fill
	}
	mask := make([]float32, patches)
	for i := range mask {
		mask[i] = 1
	}
	return &EncodedExample{
		FlattenedPatches: tensor.New(tensor.WithShape(patches, dim), tensor.WithBacking(data)),
		AttentionMask:    tensor.New(tensor.WithShape(patches), tensor.WithBacking(mask)),
		Labels:           []int32{int32(fill), -100},
	}
}

func TestLoaderBatches(t *testing.T) {
	l := NewLoader(&fakeSource{n: 5, failAt: -1}, LoaderOptions{BatchSize: 2})
	assert.Equal(t, 3, l.Steps())
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, l.Batches(0))
}

func TestLoaderShuffleIsDeterministic(t *testing.T) {
	src := &fakeSource{n: 20, failAt: -1}
	a := NewLoader(src, LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 7})
	b := NewLoader(src, LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 7})
	assert.Equal(t, a.Batches(1), b.Batches(1))

	var seen []int
	for _, batch := range a.Batches(1) {
		seen = append(seen, batch...)
	}
	slices.Sort(seen)
	for i, idx := range seen {
		require.Equal(t, i, idx, "every example appears exactly once")
	}
}

func TestLoaderLoadCollates(t *testing.T) {
	src := &fakeSource{n: 4, failAt: -1, patches: 3, dim: 5}
	l := NewLoader(src, LoaderOptions{BatchSize: 4, Workers: 3})

	b, err := l.Load(context.Background(), []int{2, 0, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, b.Size())
	assert.Equal(t, []int{3, 3, 5}, []int(b.FlattenedPatches.Shape()))
	assert.Equal(t, []int{3, 3}, []int(b.AttentionMask.Shape()))
	assert.Equal(t, []string{"answer-2", "answer-0", "answer-3"}, b.Answers)
	assert.Equal(t, []int{2, 0, 3}, b.Indices)

	data := b.FlattenedPatches.Data().([]float32)
	assert.Equal(t, float32(2), data[0])
	assert.Equal(t, float32(0), data[15])
	assert.Equal(t, float32(3), data[30])
}

func TestLoaderEachStopsOnError(t *testing.T) {
	src := &fakeSource{n: 6, failAt: 3, patches: 1, dim: 2}
	l := NewLoader(src, LoaderOptions{BatchSize: 2, Workers: 2})

	var steps []int
	err := l.Each(context.Background(), 0, func(step int, b *Batch) error {
		steps = append(steps, step)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "example 3")
	assert.Equal(t, []int{0}, steps)
}

func TestCollateRejectsMismatchedShapes(t *testing.T) {
	_, err := Collate(nil, nil, nil)
	assert.Error(t, err)

	_, err = Collate([]*EncodedExample{fakeExample(2, 4, 1), fakeExample(3, 4, 1)}, []string{"a", "b"}, nil)
	assert.ErrorContains(t, err, "patches")

	short := fakeExample(2, 4, 1)
	short.Labels = short.Labels[:1]
	_, err = Collate([]*EncodedExample{fakeExample(2, 4, 1), short}, []string{"a", "b"}, nil)
	assert.ErrorContains(t, err, "labels")

	_, err = Collate([]*EncodedExample{fakeExample(2, 4, 1)}, []string{"a", "b"}, nil)
	assert.ErrorContains(t, err, "answers")

	b, err := Collate([]*EncodedExample{fakeExample(2, 4, 1), fakeExample(2, 4, 2)}, []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, b.Indices)
}
