// internal/providers/remote/wire.go
package remote

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/x448/float16"
)

const (
	dtypeF32 = "f32"
	dtypeF16 = "f16"
)

// maxExactHalf is the largest n such that every integer in [0, n] is exact in
// half precision.
const maxExactHalf = 2048

// Tensor is the wire form of a dense float tensor. Exactly one of F32 and F16
// is populated, matching DType; F16 holds IEEE half precision bit patterns.
type Tensor struct {
	Shape []int     `cbor:"shape"`
	DType string    `cbor:"dtype"`
	F32   []float32 `cbor:"f32,omitempty"`
	F16   []uint16  `cbor:"f16,omitempty"`
}

// EncodeTensor converts t to its wire form in the requested precision.
func EncodeTensor(t *tensor.Dense, dtype string) (Tensor, error) {
	if t == nil {
		return Tensor{}, fmt.Errorf("encode tensor: nil tensor")
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return Tensor{}, fmt.Errorf("encode tensor: unsupported backing %T", t.Data())
	}
	out := Tensor{Shape: append([]int(nil), t.Shape()...), DType: dtype}
	switch dtype {
	case dtypeF16:
		out.F16 = make([]uint16, len(data))
		for i, v := range data {
			out.F16[i] = float16.Fromfloat32(v).Bits()
		}
	case dtypeF32, "":
		out.DType = dtypeF32
		out.F32 = data
	default:
		return Tensor{}, fmt.Errorf("encode tensor: unknown dtype %q", dtype)
	}
	return out, nil
}

// halfSafePositions reports whether the 1-based row and column ids that start
// every patch row survive conversion to half precision.
func halfSafePositions(t *tensor.Dense) bool {
	if t == nil {
		return true
	}
	shape := t.Shape()
	data, ok := t.Data().([]float32)
	if !ok || len(shape) == 0 || shape[len(shape)-1] < 2 {
		return true
	}
	dim := shape[len(shape)-1]
	for off := 0; off+1 < len(data); off += dim {
		if data[off] > maxExactHalf || data[off+1] > maxExactHalf {
			return false
		}
	}
	return true
}

// Values returns the tensor data as float32 regardless of wire precision.
func (w Tensor) Values() ([]float32, error) {
	switch w.DType {
	case dtypeF32:
		return w.F32, nil
	case dtypeF16:
		out := make([]float32, len(w.F16))
		for i, bits := range w.F16 {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode tensor: unknown dtype %q", w.DType)
	}
}

// Dense rebuilds a tensor from its wire form.
func (w Tensor) Dense() (*tensor.Dense, error) {
	values, err := w.Values()
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(values) {
		return nil, fmt.Errorf("decode tensor: shape %v needs %d values, got %d", w.Shape, n, len(values))
	}
	return tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(values)), nil
}

// ForwardRequest is the body of POST /v1/forward.
type ForwardRequest struct {
	FlattenedPatches Tensor    `cbor:"flattened_patches"`
	AttentionMask    Tensor    `cbor:"attention_mask"`
	Labels           [][]int32 `cbor:"labels"`
}

// ForwardResponse is the reply to POST /v1/forward.
type ForwardResponse struct {
	Loss float64 `cbor:"loss"`
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	FlattenedPatches Tensor `cbor:"flattened_patches"`
	AttentionMask    Tensor `cbor:"attention_mask"`
	MaxNewTokens     int    `cbor:"max_new_tokens"`
	MinLength        int    `cbor:"min_length"`
}

// GenerateResponse is the reply to POST /v1/generate.
type GenerateResponse struct {
	Sequences [][]int32 `cbor:"sequences"`
}

// ResizeRequest is the body of POST /v1/embeddings/resize.
type ResizeRequest struct {
	Size int `cbor:"size"`
}

// ResizeResponse reports the embedding table size. It answers both
// POST /v1/embeddings/resize and POST /v1/embeddings/size.
type ResizeResponse struct {
	Size int `cbor:"size"`
}

// OptimizerRequest is the body of POST /v1/optimizers.
type OptimizerRequest struct {
	Name         string  `cbor:"name"`
	LearningRate float64 `cbor:"learning_rate"`
}

// OptimizerResponse identifies the created optimizer.
type OptimizerResponse struct {
	ID string `cbor:"id"`
}

// ErrorResponse is returned by the backend with a non-2xx status.
type ErrorResponse struct {
	Error string `cbor:"error"`
}
