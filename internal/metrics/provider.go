// internal/metrics/provider.go
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/providers"
)

// Provider is a decorator that wraps a Model to record backend latencies.
type Provider struct {
	wrapped    providers.Model
	aggregator *Aggregator
}

// NewProvider creates a new metrics-enabled provider that wraps an existing Model.
func NewProvider(wrapped providers.Model, aggregator *Aggregator) *Provider {
	logging.LogEvent("[METRICS] Wrapping model backend with metrics provider")
	return &Provider{wrapped: wrapped, aggregator: aggregator}
}

// Forward times the wrapped forward pass.
func (p *Provider) Forward(ctx context.Context, req providers.ForwardRequest) (providers.ForwardResult, error) {
	start := time.Now()
	res, err := p.wrapped.Forward(ctx, req)
	if err == nil && p.aggregator != nil {
		p.aggregator.Record(ForwardMillis, float64(time.Since(start).Microseconds())/1000)
	}
	return res, err
}

// Generate times the wrapped generation call.
func (p *Provider) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResult, error) {
	start := time.Now()
	res, err := p.wrapped.Generate(ctx, req)
	if err == nil && p.aggregator != nil {
		p.aggregator.Record(GenerateMillis, float64(time.Since(start).Microseconds())/1000)
	}
	return res, err
}

// ResizeDecoderEmbeddings passes the call through to the wrapped model.
func (p *Provider) ResizeDecoderEmbeddings(ctx context.Context, size int) error {
	return p.wrapped.ResizeDecoderEmbeddings(ctx, size)
}

// DecoderEmbeddingSize passes the call through when the wrapped model can
// report its table size.
func (p *Provider) DecoderEmbeddingSize(ctx context.Context) (int, error) {
	sizer, ok := p.wrapped.(providers.EmbeddingSizer)
	if !ok {
		return 0, fmt.Errorf("%T: embedding size: %w", p.wrapped, errors.ErrUnsupported)
	}
	return sizer.DecoderEmbeddingSize(ctx)
}

// NewOptimizer passes the call through to the wrapped model.
func (p *Provider) NewOptimizer(ctx context.Context, spec providers.OptimizerSpec) (providers.Optimizer, error) {
	return p.wrapped.NewOptimizer(ctx, spec)
}

// Close passes the call through to the wrapped model.
func (p *Provider) Close() error {
	return p.wrapped.Close()
}
