// internal/providers/remote/provider.go
// Package remote provides a providers.Model backed by a model server that
// speaks CBOR over HTTP.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/logging"
	"github.com/mwiater/vqatrain/internal/providers"
)

const contentType = "application/cbor"

// Provider implements providers.Model against a remote model server.
type Provider struct {
	client    *http.Client
	baseURL   string
	name      string
	precision string
	timeout   time.Duration
}

// New constructs a Provider for the configured backend.
func New(cfg appconfig.Backend) (*Provider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote: backend url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("remote: invalid backend url %q: %w", base, err)
	}
	timeout := cfg.RequestTimeout()
	return &Provider{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{ForceAttemptHTTP2: false},
		},
		baseURL:   base,
		name:      backendIdentifier(cfg),
		precision: cfg.PatchPrecision(),
		timeout:   timeout,
	}, nil
}

// Forward posts a labelled batch and returns the loss.
func (p *Provider) Forward(ctx context.Context, req providers.ForwardRequest) (providers.ForwardResult, error) {
	patches, mask, err := p.encodeInputs(req.Inputs)
	if err != nil {
		return providers.ForwardResult{}, err
	}
	body := ForwardRequest{FlattenedPatches: patches, AttentionMask: mask, Labels: req.Labels}
	var resp ForwardResponse
	if err := p.post(ctx, "/v1/forward", body, inputsSummary(req.Inputs, p.precision), &resp); err != nil {
		return providers.ForwardResult{}, err
	}
	return providers.ForwardResult{Loss: resp.Loss}, nil
}

// Generate posts a batch for decoding and returns one sequence per example.
func (p *Provider) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResult, error) {
	patches, mask, err := p.encodeInputs(req.Inputs)
	if err != nil {
		return providers.GenerateResult{}, err
	}
	body := GenerateRequest{
		FlattenedPatches: patches,
		AttentionMask:    mask,
		MaxNewTokens:     req.MaxNewTokens,
		MinLength:        req.MinLength,
	}
	summary := inputsSummary(req.Inputs, p.precision)
	summary["max_new_tokens"] = req.MaxNewTokens
	summary["min_length"] = req.MinLength

	var resp GenerateResponse
	if err := p.post(ctx, "/v1/generate", body, summary, &resp); err != nil {
		return providers.GenerateResult{}, err
	}
	return providers.GenerateResult{Sequences: resp.Sequences}, nil
}

// ResizeDecoderEmbeddings asks the backend to grow the decoder embedding table.
func (p *Provider) ResizeDecoderEmbeddings(ctx context.Context, size int) error {
	req := ResizeRequest{Size: size}
	var resp ResizeResponse
	if err := p.post(ctx, "/v1/embeddings/resize", req, req, &resp); err != nil {
		return err
	}
	if resp.Size != size {
		return fmt.Errorf("remote: embedding table has %d rows after resize to %d", resp.Size, size)
	}
	return nil
}

// DecoderEmbeddingSize asks the backend how many rows the decoder embedding
// table has. Zero means the backend does not know.
func (p *Provider) DecoderEmbeddingSize(ctx context.Context) (int, error) {
	var resp ResizeResponse
	if err := p.post(ctx, "/v1/embeddings/size", struct{}{}, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Size < 0 {
		return 0, fmt.Errorf("remote: backend reported %d embedding rows", resp.Size)
	}
	return resp.Size, nil
}

// NewOptimizer creates an optimizer on the backend.
func (p *Provider) NewOptimizer(ctx context.Context, spec providers.OptimizerSpec) (providers.Optimizer, error) {
	req := OptimizerRequest{Name: spec.Name, LearningRate: spec.LearningRate}
	var resp OptimizerResponse
	if err := p.post(ctx, "/v1/optimizers", req, req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return nil, fmt.Errorf("remote: backend returned an empty optimizer id")
	}
	return &optimizer{provider: p, id: resp.ID}, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

type optimizer struct {
	provider *Provider
	id       string
}

func (o *optimizer) ID() string { return o.id }

func (o *optimizer) ZeroGrad(ctx context.Context) error {
	return o.provider.post(ctx, "/v1/optimizers/"+url.PathEscape(o.id)+"/zero_grad", struct{}{}, nil, nil)
}

func (o *optimizer) Step(ctx context.Context) error {
	return o.provider.post(ctx, "/v1/optimizers/"+url.PathEscape(o.id)+"/step", struct{}{}, nil, nil)
}

func (p *Provider) encodeInputs(in providers.Inputs) (Tensor, Tensor, error) {
	dtype := p.precision
	if dtype == dtypeF16 && !halfSafePositions(in.FlattenedPatches) {
		logging.LogDebug("patch grid exceeds %d rows or columns; sending patches as %s", maxExactHalf, dtypeF32)
		dtype = dtypeF32
	}
	patches, err := EncodeTensor(in.FlattenedPatches, dtype)
	if err != nil {
		return Tensor{}, Tensor{}, fmt.Errorf("remote: flattened patches: %w", err)
	}
	mask, err := EncodeTensor(in.AttentionMask, dtypeF32)
	if err != nil {
		return Tensor{}, Tensor{}, fmt.Errorf("remote: attention mask: %w", err)
	}
	return patches, mask, nil
}

// post sends payload as CBOR and decodes the reply into out when out is non-nil.
// logged is what appears in the request log in place of the full payload.
func (p *Provider) post(ctx context.Context, endpoint string, payload, logged, out any) error {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("remote: encode %s: %w", endpoint, err)
	}
	logging.LogRequest("VQA->BACKEND", p.name, endpoint, logged)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	logging.LogRequest("BACKEND->VQA", p.name, endpoint, respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote: %s returned %s: %s", endpoint, resp.Status, errorMessage(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", endpoint, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var er ErrorResponse
	if err := cbor.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(body))
}

func inputsSummary(in providers.Inputs, precision string) map[string]any {
	summary := map[string]any{"batch": in.BatchSize(), "dtype": precision}
	if in.FlattenedPatches != nil {
		summary["patches"] = []int(in.FlattenedPatches.Shape())
	}
	return summary
}

func backendIdentifier(cfg appconfig.Backend) string {
	if name := strings.TrimSpace(cfg.Name); name != "" {
		return name
	}
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return u
	}
	return "remote-backend"
}
