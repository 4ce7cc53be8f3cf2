// internal/processor/processor.go
// Package processor pairs the tokenizer with the image pipeline behind one
// facade, the way Pix2Struct checkpoints expect their inputs.
package processor

import (
	"fmt"
	"image"

	"github.com/pdevine/tensor"

	"github.com/mwiater/vqatrain/internal/imageproc"
	"github.com/mwiater/vqatrain/internal/tokenizer"
)

// DefaultPatchSize is the patch edge used by Pix2Struct checkpoints.
const DefaultPatchSize = 16

// Encoding is the model input for a single image.
type Encoding struct {
	FlattenedPatches *tensor.Dense
	AttentionMask    *tensor.Dense
}

// Processor turns images and text into model inputs and owns the growable
// vocabulary.
type Processor interface {
	EncodeImage(img image.Image, text string, maxPatches int) (*Encoding, error)
	EncodeText(text string, opts tokenizer.EncodeOptions) ([]int32, error)
	Decode(ids []int32) (string, error)
	AddTokens(tokens []string) int
	Contains(token string) bool
	Size() int
	PadToken() string
	PadTokenID() int32
	EOSToken() string
	EOSTokenID() int32
	TokenID(token string) (int32, bool)
}

// Pix2Struct renders the question as a header above the image before
// extracting patches.
type Pix2Struct struct {
	tok       *tokenizer.Tokenizer
	patchSize int
}

// New wraps tok. A non-positive patchSize selects DefaultPatchSize.
func New(tok *tokenizer.Tokenizer, patchSize int) *Pix2Struct {
	if patchSize <= 0 {
		patchSize = DefaultPatchSize
	}
	return &Pix2Struct{tok: tok, patchSize: patchSize}
}

// Load reads a tokenizer.json and wraps it with T5 special tokens.
func Load(tokenizerPath string, patchSize int) (*Pix2Struct, error) {
	tok, err := tokenizer.Load(tokenizerPath, tokenizer.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return New(tok, patchSize), nil
}

// PatchSize returns the patch edge in pixels.
func (p *Pix2Struct) PatchSize() int { return p.patchSize }

// EncodeImage renders text above img and flattens the result into at most
// maxPatches patches.
func (p *Pix2Struct) EncodeImage(img image.Image, text string, maxPatches int) (*Encoding, error) {
	if img == nil {
		return nil, fmt.Errorf("encode image: nil image")
	}
	patches, err := imageproc.ExtractPatches(imageproc.RenderHeader(img, text), p.patchSize, maxPatches)
	if err != nil {
		return nil, err
	}
	return &Encoding{FlattenedPatches: patches.Flattened, AttentionMask: patches.Mask}, nil
}

func (p *Pix2Struct) EncodeText(text string, opts tokenizer.EncodeOptions) ([]int32, error) {
	return p.tok.EncodeText(text, opts)
}

func (p *Pix2Struct) Decode(ids []int32) (string, error) { return p.tok.Decode(ids) }

func (p *Pix2Struct) AddTokens(tokens []string) int { return p.tok.AddTokens(tokens) }

func (p *Pix2Struct) Contains(token string) bool { return p.tok.Contains(token) }

func (p *Pix2Struct) Size() int { return p.tok.Size() }

func (p *Pix2Struct) PadToken() string { return p.tok.Pad().Text }

func (p *Pix2Struct) PadTokenID() int32 { return p.tok.Pad().ID }

func (p *Pix2Struct) EOSToken() string { return p.tok.EOS().Text }

func (p *Pix2Struct) EOSTokenID() int32 { return p.tok.EOS().ID }

// TokenID looks up the id of an exact token.
func (p *Pix2Struct) TokenID(token string) (int32, bool) { return p.tok.ID(token) }
