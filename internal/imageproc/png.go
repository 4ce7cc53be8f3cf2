// internal/imageproc/png.go
package imageproc

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"golang.org/x/image/draw"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// PNG color types.
const (
	pngGray      = 0
	pngRGB       = 2
	pngPaletted  = 3
	pngGrayAlpha = 4
	pngRGBA      = 6
)

type pngHeader struct {
	width, height int
	depth         int
	colorType     byte
	interlaced    bool
}

func (h pngHeader) channels() int {
	switch h.colorType {
	case pngGray, pngPaletted:
		return 1
	case pngGrayAlpha:
		return 2
	case pngRGB:
		return 3
	case pngRGBA:
		return 4
	}
	return 0
}

func (h pngHeader) validDepth() bool {
	switch h.colorType {
	case pngGray:
		return h.depth == 1 || h.depth == 2 || h.depth == 4 || h.depth == 8 || h.depth == 16
	case pngPaletted:
		return h.depth == 1 || h.depth == 2 || h.depth == 4 || h.depth == 8
	case pngRGB, pngGrayAlpha, pngRGBA:
		return h.depth == 8 || h.depth == 16
	}
	return false
}

// decodePartialPNG decodes every complete scanline of a PNG whose image data
// is cut short and paints the rows it could not recover with fill. It returns
// the image and the number of recovered rows. Interlaced images are not
// supported because their passes do not map to leading rows.
func decodePartialPNG(data []byte, fill color.Color) (*image.RGBA, int, error) {
	hdr, palette, idat, err := readPNGChunks(data)
	if err != nil {
		return nil, 0, err
	}
	if hdr.interlaced {
		return nil, 0, errors.New("png: interlaced image")
	}

	zr, err := zlib.NewReader(bytes.NewReader(idat))
	if err != nil {
		return nil, 0, fmt.Errorf("png: image data: %w", err)
	}
	defer zr.Close()

	bitsPerPixel := hdr.channels() * hdr.depth
	filterStride := max(1, bitsPerPixel/8)
	rowBytes := (hdr.width*bitsPerPixel + 7) / 8

	img := image.NewRGBA(image.Rect(0, 0, hdr.width, hdr.height))
	prev := make([]byte, rowBytes)
	line := make([]byte, 1+rowBytes)

	rows := 0
	for ; rows < hdr.height; rows++ {
		if _, err := io.ReadFull(zr, line); err != nil {
			break
		}
		cur := line[1:]
		if err := unfilter(line[0], cur, prev, filterStride); err != nil {
			break
		}
		writePNGRow(img, rows, cur, hdr, palette)
		copy(prev, cur)
	}

	if rows < hdr.height {
		missing := image.Rect(0, rows, hdr.width, hdr.height)
		draw.Draw(img, missing, &image.Uniform{fill}, image.Point{}, draw.Src)
	}
	return img, rows, nil
}

// readPNGChunks collects the header, palette and image data of a possibly
// truncated PNG. A chunk cut short contributes the bytes that are present.
func readPNGChunks(data []byte) (pngHeader, []color.NRGBA, []byte, error) {
	var (
		hdr        pngHeader
		haveHeader bool
		palette    []color.NRGBA
		idat       []byte
	)
	if !bytes.HasPrefix(data, pngSignature) {
		return hdr, nil, nil, errors.New("png: missing signature")
	}

	rest := data[len(pngSignature):]
	for len(rest) >= 8 {
		length := int(binary.BigEndian.Uint32(rest[:4]))
		kind := string(rest[4:8])
		rest = rest[8:]
		complete := length <= len(rest)
		body := rest[:min(length, len(rest))]

		switch kind {
		case "IHDR":
			if len(body) < 13 {
				return hdr, nil, nil, errors.New("png: short IHDR chunk")
			}
			hdr = pngHeader{
				width:      int(binary.BigEndian.Uint32(body[0:4])),
				height:     int(binary.BigEndian.Uint32(body[4:8])),
				depth:      int(body[8]),
				colorType:  body[9],
				interlaced: body[12] != 0,
			}
			haveHeader = true
		case "PLTE":
			for i := 0; i+2 < len(body); i += 3 {
				palette = append(palette, color.NRGBA{R: body[i], G: body[i+1], B: body[i+2], A: 0xff})
			}
		case "tRNS":
			if hdr.colorType == pngPaletted {
				for i, a := range body {
					if i < len(palette) {
						palette[i].A = a
					}
				}
			}
		case "IDAT":
			idat = append(idat, body...)
		}
		if kind == "IEND" || !complete {
			break
		}
		rest = rest[length:]
		if len(rest) < 4 {
			break
		}
		rest = rest[4:]
	}

	switch {
	case !haveHeader:
		return hdr, nil, nil, errors.New("png: missing IHDR chunk")
	case hdr.width <= 0 || hdr.height <= 0 || hdr.width*hdr.height > maxCanvasPixels:
		return hdr, nil, nil, fmt.Errorf("png: invalid dimensions %dx%d", hdr.width, hdr.height)
	case !hdr.validDepth():
		return hdr, nil, nil, fmt.Errorf("png: unsupported color type %d with bit depth %d", hdr.colorType, hdr.depth)
	case hdr.colorType == pngPaletted && len(palette) == 0:
		return hdr, nil, nil, errors.New("png: paletted image without PLTE chunk")
	case len(idat) == 0:
		return hdr, nil, nil, errors.New("png: no image data")
	}
	return hdr, palette, idat, nil
}

// unfilter reverses the scanline filter in place. prev is the previous
// reconstructed row, all zeros for the first row.
func unfilter(filter byte, cur, prev []byte, stride int) error {
	switch filter {
	case 0:
	case 1:
		for i := stride; i < len(cur); i++ {
			cur[i] += cur[i-stride]
		}
	case 2:
		for i := range cur {
			cur[i] += prev[i]
		}
	case 3:
		for i := range cur {
			var left int
			if i >= stride {
				left = int(cur[i-stride])
			}
			cur[i] += byte((left + int(prev[i])) / 2)
		}
	case 4:
		for i := range cur {
			var left, upLeft byte
			if i >= stride {
				left, upLeft = cur[i-stride], prev[i-stride]
			}
			cur[i] += paeth(left, prev[i], upLeft)
		}
	default:
		return fmt.Errorf("png: bad filter type %d", filter)
	}
	return nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// writePNGRow converts one reconstructed scanline into img row y. 16-bit
// samples keep their high byte.
func writePNGRow(img *image.RGBA, y int, row []byte, hdr pngHeader, palette []color.NRGBA) {
	channels := hdr.channels()
	sample := func(x, ch int) uint8 {
		switch hdr.depth {
		case 16:
			return row[(x*channels+ch)*2]
		case 8:
			return row[x*channels+ch]
		default:
			bit := x * hdr.depth
			mask := byte(1<<hdr.depth - 1)
			return row[bit/8] >> (8 - hdr.depth - bit%8) & mask
		}
	}

	for x := range hdr.width {
		var c color.NRGBA
		switch hdr.colorType {
		case pngGray:
			g := sample(x, 0)
			if hdr.depth < 8 {
				g = uint8(int(g) * 255 / (1<<hdr.depth - 1))
			}
			c = color.NRGBA{R: g, G: g, B: g, A: 0xff}
		case pngGrayAlpha:
			g := sample(x, 0)
			c = color.NRGBA{R: g, G: g, B: g, A: sample(x, 1)}
		case pngRGB:
			c = color.NRGBA{R: sample(x, 0), G: sample(x, 1), B: sample(x, 2), A: 0xff}
		case pngRGBA:
			c = color.NRGBA{R: sample(x, 0), G: sample(x, 1), B: sample(x, 2), A: sample(x, 3)}
		case pngPaletted:
			if idx := int(sample(x, 0)); idx < len(palette) {
				c = palette[idx]
			} else {
				c = color.NRGBA{A: 0xff}
			}
		}
		img.Set(x, y, c)
	}
}
