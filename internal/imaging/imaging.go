// Package imaging decodes, resizes and re-encodes the raster formats the
// upload engine accepts: JPEG, PNG, GIF and WebP.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Format is a decoder name as reported by image.DecodeConfig.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	GIF  Format = "gif"
	WebP Format = "webp"
)

// ErrUnsupportedFormat is returned for bytes no registered decoder accepts.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// MimeType returns the IANA media type of f.
func (f Format) MimeType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case PNG:
		return "image/png"
	case GIF:
		return "image/gif"
	case WebP:
		return "image/webp"
	}
	return "application/octet-stream"
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	if f == JPEG {
		return "jpg"
	}
	return string(f)
}

// EncodeAs is the format resized output is written in. There is no WebP
// encoder, so WebP sources produce PNG variants.
func (f Format) EncodeAs() Format {
	if f == WebP {
		return PNG
	}
	return f
}

// FormatForMime maps a media type to a Format.
func FormatForMime(mime string) (Format, bool) {
	switch mime {
	case "image/jpeg", "image/jpg":
		return JPEG, true
	case "image/png":
		return PNG, true
	case "image/gif":
		return GIF, true
	case "image/webp":
		return WebP, true
	}
	return "", false
}

// Info is what Probe learns from an image header.
type Info struct {
	Format Format
	Width  int
	Height int
}

// Probe reads only the container header.
func Probe(r io.Reader) (Info, error) {
	cfg, name, err := image.DecodeConfig(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Info{}, ErrUnsupportedFormat
		}
		return Info{}, fmt.Errorf("decode image header: %w", err)
	}
	return Info{Format: Format(name), Width: cfg.Width, Height: cfg.Height}, nil
}

// Decode decodes a full image.
func Decode(r io.Reader) (image.Image, Format, error) {
	img, name, err := image.Decode(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, Format(name), nil
}

// FitWithin returns the dimensions of a w×h image scaled so its longest side
// is maxDim. Images already within bounds, and maxDim <= 0, keep their size.
func FitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, int(math.Round(float64(h)*float64(maxDim)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(maxDim)/float64(h)))), maxDim
}

// Resize scales src to fit within maxDim using Catmull-Rom resampling.
// src is returned unchanged when no downscale is needed.
func Resize(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxDim)
	if w == b.Dx() && h == b.Dy() {
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// Encode writes img in format f. jpegQuality applies to JPEG only.
func Encode(w io.Writer, img image.Image, f Format, jpegQuality int) error {
	var err error
	switch f.EncodeAs() {
	case JPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case PNG:
		err = png.Encode(w, img)
	case GIF:
		err = gif.Encode(w, img, &gif.Options{NumColors: 256})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", f, err)
	}
	return nil
}

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(img image.Image, f Format, jpegQuality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, f, jpegQuality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
