// internal/vocab/registry.go
// Package vocab keeps the tokenizer vocabulary and the model's decoder
// embedding table the same size as new tokens are registered.
package vocab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/v2/sets/linkedhashset"

	"github.com/mwiater/vqatrain/internal/logging"
)

// TokenSet is the growable vocabulary side of the pair.
type TokenSet interface {
	AddTokens(tokens []string) int
	Size() int
	Contains(token string) bool
}

// EmbeddingResizer is the model side of the pair.
type EmbeddingResizer interface {
	ResizeDecoderEmbeddings(ctx context.Context, size int) error
}

// EmbeddingSizer is implemented by resizers that can report the table's
// current row count.
type EmbeddingSizer interface {
	DecoderEmbeddingSize(ctx context.Context) (int, error)
}

// DesyncError reports that the tokenizer and the embedding table no longer
// have the same size. It is not recoverable.
type DesyncError struct {
	TokenizerSize int
	EmbeddingSize int
	Err           error
}

func (e *DesyncError) Error() string {
	msg := fmt.Sprintf("vocabulary desync: tokenizer has %d tokens, embedding table has %d rows", e.TokenizerSize, e.EmbeddingSize)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DesyncError) Unwrap() error { return e.Err }

// Registry grows the vocabulary. Adding tokens and resizing the embedding
// table happen under one lock, so no caller sees the sizes disagree.
type Registry struct {
	mu            sync.Mutex
	tokens        TokenSet
	resizer       EmbeddingResizer
	added         *linkedhashset.Set[string]
	embeddingSize int
	broken        *DesyncError
}

// New returns a registry over tokens and resizer. Until Sync reads the real
// table size, the embedding table is assumed to match the tokenizer.
func New(tokens TokenSet, resizer EmbeddingResizer) *Registry {
	return &Registry{
		tokens:        tokens,
		resizer:       resizer,
		added:         linkedhashset.New[string](),
		embeddingSize: tokens.Size(),
	}
}

// Extend registers the candidates that are not yet known and resizes the
// embedding table when at least one was added. It returns the number of newly
// registered tokens.
func (r *Registry) Extend(ctx context.Context, candidates ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broken != nil {
		return 0, r.broken
	}

	fresh := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, tok := range candidates {
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup || r.tokens.Contains(tok) {
			continue
		}
		seen[tok] = struct{}{}
		fresh = append(fresh, tok)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	n := r.tokens.AddTokens(fresh)
	if n == 0 {
		return 0, nil
	}

	size := r.tokens.Size()
	if err := r.resizer.ResizeDecoderEmbeddings(ctx, size); err != nil {
		r.broken = &DesyncError{TokenizerSize: size, EmbeddingSize: r.embeddingSize, Err: err}
		logging.LogEvent("vocabulary registry disabled: %v", r.broken)
		return n, r.broken
	}
	r.embeddingSize = size
	r.added.Add(fresh...)
	logging.LogDebug("registered %d tokens (vocabulary size %d): %s", n, size, strings.Join(fresh, " "))
	return n, nil
}

// AddCategorical registers placeholder tokens for literal values.
func (r *Registry) AddCategorical(ctx context.Context, values ...string) (int, error) {
	tokens := make([]string, 0, len(values))
	for _, v := range values {
		tokens = append(tokens, PlaceholderToken(v))
	}
	return r.Extend(ctx, tokens...)
}

// PlaceholderToken returns the placeholder spelling for value.
func PlaceholderToken(value string) string { return "<" + value + "/>" }

// Placeholder returns the placeholder for value if one was registered.
func (r *Registry) Placeholder(value string) (string, bool) {
	tok := PlaceholderToken(value)
	r.mu.Lock()
	defer r.mu.Unlock()
	return tok, r.added.Contains(tok)
}

// Sync reads the embedding table size from the resizer when it can report
// one and returns a DesyncError if it differs from the tokenizer size. A
// resizer that cannot report its size, or reports zero, is left assumed in
// step with the tokenizer.
func (r *Registry) Sync(ctx context.Context) error {
	sizer, ok := r.resizer.(EmbeddingSizer)
	if !ok {
		return nil
	}
	size, err := sizer.DecoderEmbeddingSize(ctx)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read embedding table size: %w", err)
	}
	if size <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddingSize = size
	if tokens := r.tokens.Size(); tokens != size {
		return &DesyncError{TokenizerSize: tokens, EmbeddingSize: size}
	}
	return nil
}

// Check returns a DesyncError when the tokenizer size differs from the last
// known embedding table size: the size read by Sync or set by the latest
// resize. Without Sync it only detects growth that bypassed the registry.
func (r *Registry) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken != nil {
		return r.broken
	}
	if size := r.tokens.Size(); size != r.embeddingSize {
		return &DesyncError{TokenizerSize: size, EmbeddingSize: r.embeddingSize}
	}
	return nil
}

// AddedTokens returns the tokens registered through this registry, oldest first.
func (r *Registry) AddedTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.added.Values()
}

// Size returns the current vocabulary size.
func (r *Registry) Size() int { return r.tokens.Size() }
