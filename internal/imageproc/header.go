// internal/imageproc/header.go
package imageproc

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mwiater/vqatrain/internal/util"
)

const (
	headerWrapWidth = 80
	headerPadding   = 5
)

var headerFace = basicfont.Face7x13

// RenderText draws text onto a white canvas, wrapping lines at 80 characters.
func RenderText(text string) *image.RGBA {
	lines := util.Wrap(text, headerWrapWidth)
	drawer := &font.Drawer{Face: headerFace}

	width := 0
	for _, line := range lines {
		width = max(width, drawer.MeasureString(line).Ceil())
	}
	metrics := headerFace.Metrics()
	lineHeight := metrics.Height.Ceil()

	canvas := image.NewRGBA(image.Rect(0, 0, width+2*headerPadding, lineHeight*len(lines)+2*headerPadding))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	drawer.Dst = canvas
	drawer.Src = image.NewUniform(color.Black)
	for i, line := range lines {
		baseline := headerPadding + i*lineHeight + metrics.Ascent.Ceil()
		drawer.Dot = fixed.P(headerPadding, baseline)
		drawer.DrawString(line)
	}
	return canvas
}

// RenderHeader renders header above img. Both parts are scaled to the wider of
// the two, keeping their aspect ratios. An empty header returns img unchanged.
func RenderHeader(img image.Image, header string) image.Image {
	if strings.TrimSpace(header) == "" {
		return img
	}

	text := RenderText(header)
	ib, tb := img.Bounds(), text.Bounds()
	width := max(ib.Dx(), tb.Dx())
	imgHeight := scaledHeight(ib, width)
	textHeight := scaledHeight(tb, width)

	out := image.NewRGBA(image.Rect(0, 0, width, textHeight+imgHeight))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.BiLinear.Scale(out, image.Rect(0, 0, width, textHeight), text, tb, draw.Src, nil)
	draw.BiLinear.Scale(out, image.Rect(0, textHeight, width, textHeight+imgHeight), img, ib, draw.Src, nil)
	return out
}

func scaledHeight(b image.Rectangle, width int) int {
	if b.Dx() == 0 {
		return 0
	}
	return max(1, b.Dy()*width/b.Dx())
}
