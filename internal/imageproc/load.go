// internal/imageproc/load.go
// Package imageproc loads example images and turns them into the variable
// resolution patch sequences consumed by the image encoder.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/mwiater/vqatrain/internal/logging"
)

// maxCanvasPixels bounds the fallback canvas for images whose data is cut short.
const maxCanvasPixels = 1 << 26

// truncationPadding is appended to cut-short data before the second decode attempt.
const truncationPadding = 64 << 10

// LoadError reports an image that is missing, unreadable or not decodable.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load image %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads and decodes the image at path. Truncated files are decoded as far
// as possible instead of being rejected.
func Load(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	img, err := Decode(data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return img, nil
}

// Decode decodes data as any registered format. When the header is intact but
// the pixel data is cut short, a PNG keeps its complete leading rows with the
// rest painted gray. Other formats are retried on padded data and, failing
// that, a neutral canvas of the declared size is returned.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}

	cfg, format, cfgErr := image.DecodeConfig(bytes.NewReader(data))
	if cfgErr != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxCanvasPixels {
		return nil, fmt.Errorf("decode %s image: invalid dimensions %dx%d", format, cfg.Width, cfg.Height)
	}

	fill := color.Gray{Y: 128}
	if format == "png" {
		img, rows, pngErr := decodePartialPNG(data, fill)
		if pngErr == nil {
			logging.LogEvent("truncated png image (%dx%d): recovered %d of %d rows, remaining rows filled", cfg.Width, cfg.Height, rows, cfg.Height)
			return img, nil
		}
		logging.LogDebug("partial png decode failed: %v", pngErr)
	}

	if img, _, padErr := image.Decode(bytes.NewReader(padTruncated(data, format))); padErr == nil {
		logging.LogDebug("decoded truncated %s image (%dx%d) from padded data", format, cfg.Width, cfg.Height)
		return img, nil
	}

	logging.LogEvent("truncated %s image (%dx%d) could not be recovered: %v; using blank canvas", format, cfg.Width, cfg.Height, err)
	canvas := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{fill}, image.Point{}, draw.Src)
	return canvas, nil
}

func padTruncated(data []byte, format string) []byte {
	padded := make([]byte, len(data), len(data)+truncationPadding+2)
	copy(padded, data)
	padded = append(padded, make([]byte, truncationPadding)...)
	if format == "jpeg" {
		padded = append(padded, 0xFF, 0xD9)
	}
	return padded
}

// IsLoadError reports whether err came from loading an image.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// ToRGBA converts img to *image.RGBA with its origin at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// Resize scales img to size with bilinear interpolation.
func Resize(img image.Image, size image.Point) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
