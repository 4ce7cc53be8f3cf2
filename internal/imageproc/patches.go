// internal/imageproc/patches.go
package imageproc

import (
	"fmt"
	"image"
	"math"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/stat"
)

// Patches holds one image flattened into a fixed number of patch rows.
type Patches struct {
	// Flattened has shape [maxPatches, 2+ph*pw*3]. Each row starts with the
	// 1-based row and column of the patch; padding rows are zero.
	Flattened *tensor.Dense
	// Mask has shape [maxPatches]: 1 for real patches, 0 for padding.
	Mask *tensor.Dense
	Rows int
	Cols int
}

// PatchDim returns the row width produced for a square patch edge.
func PatchDim(patchSize int) int { return 2 + patchSize*patchSize*3 }

// GridSize picks the largest patch grid with at most maxPatches cells that
// keeps the image aspect ratio.
func GridSize(size image.Point, patchSize, maxPatches int) (rows, cols int) {
	h, w := float64(size.Y), float64(size.X)
	p := float64(patchSize)
	scale := math.Sqrt(float64(maxPatches) * (p / h) * (p / w))
	rows = max(min(int(math.Floor(scale*h/p)), maxPatches), 1)
	cols = max(min(int(math.Floor(scale*w/p)), maxPatches), 1)
	return rows, cols
}

// ExtractPatches resizes img to the best patch grid, standardizes its pixels
// and flattens it into maxPatches rows.
func ExtractPatches(img image.Image, patchSize, maxPatches int) (*Patches, error) {
	if patchSize <= 0 || maxPatches <= 0 {
		return nil, fmt.Errorf("extract patches: patch size %d and max patches %d must be positive", patchSize, maxPatches)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("extract patches: empty image")
	}

	rows, cols := GridSize(b.Size(), patchSize, maxPatches)
	resized := Resize(img, image.Pt(cols*patchSize, rows*patchSize))
	pixels := standardize(resized)

	dim := PatchDim(patchSize)
	data := make([]float32, maxPatches*dim)
	mask := make([]float32, maxPatches)
	stride := cols * patchSize * 3

	for r := range rows {
		for c := range cols {
			idx := r*cols + c
			row := data[idx*dim : (idx+1)*dim]
			row[0] = float32(r + 1)
			row[1] = float32(c + 1)
			off := 2
			for py := range patchSize {
				y := r*patchSize + py
				start := y*stride + c*patchSize*3
				off += copy(row[off:], pixels[start:start+patchSize*3])
			}
			mask[idx] = 1
		}
	}

	return &Patches{
		Flattened: tensor.New(tensor.WithShape(maxPatches, dim), tensor.WithBacking(data)),
		Mask:      tensor.New(tensor.WithShape(maxPatches), tensor.WithBacking(mask)),
		Rows:      rows,
		Cols:      cols,
	}, nil
}

// standardize returns the RGB values of img in row-major order, shifted to
// zero mean and scaled by the standard deviation over the whole image.
func standardize(img *image.RGBA) []float32 {
	b := img.Bounds()
	values := make([]float64, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			values = append(values, float64(c.R), float64(c.G), float64(c.B))
		}
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	std = max(std, 1/math.Sqrt(float64(len(values))))

	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32((v - mean) / std)
	}
	return out
}
