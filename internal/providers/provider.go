// internal/providers/provider.go

// Package providers defines the contract between the training harness and the
// backend that owns the pretrained image-to-text model. The harness never sees
// weights; it sends patch tensors and labels and gets back losses and token ids.
package providers

import (
	"context"

	"github.com/pdevine/tensor"
)

// Inputs are the encoder inputs for a batch.
type Inputs struct {
	// FlattenedPatches has shape [batch, maxPatches, patchDim].
	FlattenedPatches *tensor.Dense
	// AttentionMask has shape [batch, maxPatches].
	AttentionMask *tensor.Dense
}

// BatchSize returns the leading dimension of the patch tensor.
func (in Inputs) BatchSize() int {
	if in.FlattenedPatches == nil {
		return 0
	}
	shape := in.FlattenedPatches.Shape()
	if len(shape) == 0 {
		return 0
	}
	return shape[0]
}

// ForwardRequest asks for the teacher-forced loss of a labelled batch.
type ForwardRequest struct {
	Inputs
	// Labels holds one row per example; ignore positions carry a negative id.
	Labels [][]int32
}

// ForwardResult carries the scalar loss of a forward pass.
type ForwardResult struct {
	Loss float64
}

// GenerateRequest asks for autoregressive decoding of a batch.
type GenerateRequest struct {
	Inputs
	MaxNewTokens int
	MinLength    int
}

// GenerateResult holds one token sequence per example.
type GenerateResult struct {
	Sequences [][]int32
}

// OptimizerSpec selects the optimizer created over all trainable parameters.
type OptimizerSpec struct {
	Name         string
	LearningRate float64
}

// Optimizer is a backend-side optimizer instance.
type Optimizer interface {
	// ID identifies the optimizer on the backend.
	ID() string
	// ZeroGrad clears accumulated gradients.
	ZeroGrad(ctx context.Context) error
	// Step applies the gradients accumulated by Forward calls since the last ZeroGrad.
	Step(ctx context.Context) error
}

// Model is the interface every model backend must implement.
type Model interface {
	// Forward runs the encoder and decoder with teacher forcing and returns the loss.
	Forward(ctx context.Context, req ForwardRequest) (ForwardResult, error)
	// Generate decodes token sequences for the batch.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	// ResizeDecoderEmbeddings grows the decoder embedding table to size rows.
	ResizeDecoderEmbeddings(ctx context.Context, size int) error
	// NewOptimizer creates an optimizer over all trainable parameters.
	NewOptimizer(ctx context.Context, spec OptimizerSpec) (Optimizer, error)
	// Close releases any resources held by the backend client.
	Close() error
}

// EmbeddingSizer is implemented by backends that can report the current row
// count of the decoder embedding table. Backends without that ability return
// an error wrapping errors.ErrUnsupported.
type EmbeddingSizer interface {
	DecoderEmbeddingSize(ctx context.Context) (int, error)
}
