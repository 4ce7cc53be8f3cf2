// internal/vocab/registry_test.go
package vocab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu     sync.Mutex
	tokens []string
	index  map[string]int
}

func newFakeTokens(base ...string) *fakeTokens {
	f := &fakeTokens{index: map[string]int{}}
	f.AddTokens(base)
	return f
}

func (f *fakeTokens) AddTokens(tokens []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tok := range tokens {
		if _, ok := f.index[tok]; ok {
			continue
		}
		f.index[tok] = len(f.tokens)
		f.tokens = append(f.tokens, tok)
		n++
	}
	return n
}

func (f *fakeTokens) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeTokens) Contains(tok string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.index[tok]
	return ok
}

type fakeResizer struct {
	mu    sync.Mutex
	sizes []int
	err   error
}

func (f *fakeResizer) ResizeDecoderEmbeddings(_ context.Context, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sizes = append(f.sizes, size)
	return nil
}

func TestExtendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tokens := newFakeTokens("<pad>", "</s>")
	resizer := &fakeResizer{}
	reg := New(tokens, resizer)

	n, err := reg.Extend(ctx, "<a>", "</a>", "<b>", "</b>")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = reg.Extend(ctx, "<a>", "</a>", "<b>", "</b>")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []int{6}, resizer.sizes, "resize must run exactly once")
	assert.Equal(t, []string{"<a>", "</a>", "<b>", "</b>"}, reg.AddedTokens())
	assert.NoError(t, reg.Check())
}

func TestExtendSkipsKnownAndDuplicateCandidates(t *testing.T) {
	ctx := context.Background()
	resizer := &fakeResizer{}
	reg := New(newFakeTokens("<pad>", "<a>"), resizer)

	n, err := reg.Extend(ctx, "<a>", "", "<c>", "<c>")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"<c>"}, reg.AddedTokens(), "only newly registered tokens are logged")
	assert.Equal(t, 3, reg.Size())

	n, err = reg.Extend(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, resizer.sizes, 1)
}

func TestPlaceholder(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeTokens("<pad>"), &fakeResizer{})

	_, ok := reg.Placeholder("yes")
	assert.False(t, ok)

	n, err := reg.AddCategorical(ctx, "yes", "no")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tok, ok := reg.Placeholder("yes")
	assert.True(t, ok)
	assert.Equal(t, "<yes/>", tok)
}

func TestResizeFailureDesyncs(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("out of memory")
	tokens := newFakeTokens("<pad>")
	reg := New(tokens, &fakeResizer{err: boom})

	n, err := reg.Extend(ctx, "<a>")
	assert.Equal(t, 1, n)
	var desync *DesyncError
	require.ErrorAs(t, err, &desync)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, desync.TokenizerSize)
	assert.Equal(t, 1, desync.EmbeddingSize)

	_, err = reg.Extend(ctx, "<b>")
	require.ErrorAs(t, err, &desync, "registry must refuse further growth")
	assert.False(t, tokens.Contains("<b>"))
	require.ErrorAs(t, reg.Check(), &desync)
}

func TestCheckDetectsOutsideGrowth(t *testing.T) {
	tokens := newFakeTokens("<pad>")
	reg := New(tokens, &fakeResizer{})
	tokens.AddTokens([]string{"<sneaky>"})

	var desync *DesyncError
	require.ErrorAs(t, reg.Check(), &desync)
	assert.Equal(t, 2, desync.TokenizerSize)
	assert.Equal(t, 1, desync.EmbeddingSize)
}

func TestConcurrentExtendKeepsSizesInStep(t *testing.T) {
	ctx := context.Background()
	tokens := newFakeTokens("<pad>")
	resizer := &fakeResizer{}
	reg := New(tokens, resizer)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				_, err := reg.Extend(ctx, fmt.Sprintf("<k%d>", i), fmt.Sprintf("<w%d_%d>", w, i))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, reg.Check())
	assert.Equal(t, 1+20+8*20, tokens.Size())
	assert.Equal(t, tokens.Size(), resizer.sizes[len(resizer.sizes)-1])
	assert.Len(t, reg.AddedTokens(), 20+8*20)
}

type sizedResizer struct {
	fakeResizer
	rows int
	err  error
}

func (s *sizedResizer) DecoderEmbeddingSize(context.Context) (int, error) {
	return s.rows, s.err
}

func TestSyncReadsBackendTableSize(t *testing.T) {
	ctx := context.Background()
	tokens := newFakeTokens("<pad>", "</s>")

	reg := New(tokens, &sizedResizer{rows: 2})
	require.NoError(t, reg.Sync(ctx))
	require.NoError(t, reg.Check())

	reg = New(tokens, &sizedResizer{rows: 5})
	var desync *DesyncError
	require.ErrorAs(t, reg.Sync(ctx), &desync)
	assert.Equal(t, 2, desync.TokenizerSize)
	assert.Equal(t, 5, desync.EmbeddingSize)
	require.ErrorAs(t, reg.Check(), &desync, "the table size read by Sync is what Check compares against")
}

func TestSyncWithoutReportedSize(t *testing.T) {
	ctx := context.Background()
	tokens := newFakeTokens("<pad>")

	assert.NoError(t, New(tokens, &fakeResizer{}).Sync(ctx))
	assert.NoError(t, New(tokens, &sizedResizer{rows: 0}).Sync(ctx))
	assert.NoError(t, New(tokens, &sizedResizer{err: fmt.Errorf("wrapped: %w", errors.ErrUnsupported)}).Sync(ctx))

	err := New(tokens, &sizedResizer{err: errors.New("connection refused")}).Sync(ctx)
	assert.ErrorContains(t, err, "connection refused")
}
