// internal/dataset/adapter.go
package dataset

import (
	"context"
	"fmt"
	"image"

	"github.com/pdevine/tensor"

	"github.com/mwiater/vqatrain/internal/imageproc"
	"github.com/mwiater/vqatrain/internal/processor"
	"github.com/mwiater/vqatrain/internal/tokenizer"
)

// DefaultIgnoreID excludes a label position from the loss.
const DefaultIgnoreID int32 = -100

// EncodedExample is one model-ready example.
type EncodedExample struct {
	// FlattenedPatches has shape [maxPatches, patchDim].
	FlattenedPatches *tensor.Dense
	// AttentionMask has shape [maxPatches].
	AttentionMask *tensor.Dense
	// Labels has MaxLength entries; padding positions hold the ignore id.
	Labels []int32
}

// AdapterOptions bounds the encoded sizes.
type AdapterOptions struct {
	MaxPatches int
	MaxLength  int
	IgnoreID   int32
}

// Adapter encodes raw examples with a Processor.
type Adapter struct {
	proc      processor.Processor
	opts      AdapterOptions
	loadImage func(path string) (image.Image, error)
}

// NewAdapter returns an adapter over proc.
func NewAdapter(proc processor.Processor, opts AdapterOptions) (*Adapter, error) {
	if opts.MaxPatches <= 0 || opts.MaxLength <= 0 {
		return nil, fmt.Errorf("adapter: max patches (%d) and max length (%d) must be positive", opts.MaxPatches, opts.MaxLength)
	}
	if opts.IgnoreID >= 0 {
		return nil, fmt.Errorf("adapter: ignore id %d collides with real token ids", opts.IgnoreID)
	}
	return &Adapter{proc: proc, opts: opts, loadImage: imageproc.Load}, nil
}

// Options returns the adapter's size limits.
func (a *Adapter) Options() AdapterOptions { return a.opts }

// Processor returns the facade used for encoding.
func (a *Adapter) Processor() processor.Processor { return a.proc }

// Encode normalizes raw, loads its image and tokenizes its answer. The
// returned string is the normalized answer.
func (a *Adapter) Encode(ctx context.Context, raw RawExample) (*EncodedExample, string, error) {
	answer := NormalizeText(raw.Answer)
	return a.encode(ctx, raw, answer)
}

// EncodeTarget is Encode with an explicit target sequence in place of the answer.
func (a *Adapter) EncodeTarget(ctx context.Context, raw RawExample, target string) (*EncodedExample, string, error) {
	return a.encode(ctx, raw, target)
}

func (a *Adapter) encode(ctx context.Context, raw RawExample, target string) (*EncodedExample, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	question := NormalizeText(raw.Question)

	img, err := a.loadImage(raw.ImagePath)
	if err != nil {
		return nil, "", err
	}

	enc, err := a.proc.EncodeImage(img, question, a.opts.MaxPatches)
	if err != nil {
		return nil, "", fmt.Errorf("encode image %q: %w", raw.ImagePath, err)
	}
	patches, err := squeeze(enc.FlattenedPatches, 2)
	if err != nil {
		return nil, "", fmt.Errorf("flattened patches: %w", err)
	}
	mask, err := squeeze(enc.AttentionMask, 1)
	if err != nil {
		return nil, "", fmt.Errorf("attention mask: %w", err)
	}
	if patches.Shape()[0] != mask.Shape()[0] {
		return nil, "", fmt.Errorf("patch count %d does not match mask length %d", patches.Shape()[0], mask.Shape()[0])
	}

	ids, err := a.targetIDs(target)
	if err != nil {
		return nil, "", err
	}
	if len(ids) != a.opts.MaxLength {
		return nil, "", &tokenizer.TokenizationError{Text: target, Length: len(ids), MaxLength: a.opts.MaxLength, Reason: "processor returned the wrong length"}
	}

	return &EncodedExample{
		FlattenedPatches: patches,
		AttentionMask:    mask,
		Labels:           MaskLabels(ids, a.proc.PadTokenID(), a.opts.IgnoreID),
	}, target, nil
}

// targetIDs tokenizes target to exactly MaxLength ids. An empty target is
// all padding.
func (a *Adapter) targetIDs(target string) ([]int32, error) {
	if target == "" {
		ids := make([]int32, a.opts.MaxLength)
		for i := range ids {
			ids[i] = a.proc.PadTokenID()
		}
		return ids, nil
	}
	return a.proc.EncodeText(target, tokenizer.EncodeOptions{MaxLength: a.opts.MaxLength, PadToMax: true, Truncate: true})
}

// MaskLabels copies ids, replacing every pad id with ignoreID.
func MaskLabels(ids []int32, padID, ignoreID int32) []int32 {
	labels := make([]int32, len(ids))
	for i, id := range ids {
		if id == padID {
			labels[i] = ignoreID
			continue
		}
		labels[i] = id
	}
	return labels
}

// squeeze drops leading singleton dimensions until t has rank dims.
func squeeze(t *tensor.Dense, dims int) (*tensor.Dense, error) {
	if t == nil {
		return nil, fmt.Errorf("missing tensor")
	}
	shape := t.Shape().Clone()
	for len(shape) > dims && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != dims {
		return nil, fmt.Errorf("expected rank %d, got shape %v", dims, t.Shape())
	}
	if len(shape) != len(t.Shape()) {
		if err := t.Reshape(shape...); err != nil {
			return nil, err
		}
	}
	return t, nil
}
