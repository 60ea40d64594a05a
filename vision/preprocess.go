package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
)

// BytesPerPixel is the size of one pixel in a host frame. Rows are tightly
// packed, so the stride is width*BytesPerPixel.
const BytesPerPixel = 4

// Frame and image preprocessing errors
var (
	ErrInvalidImage       = errors.New("vision: invalid image data")
	ErrEmptyImage         = errors.New("vision: empty image data")
	ErrInvalidDimensions  = errors.New("vision: invalid dimensions")
	ErrFrameSizeMismatch  = errors.New("vision: frame size does not match configured dimensions")
	ErrUnknownPixelFormat = errors.New("vision: unknown pixel format")
)

// PixelFormat is the channel order of the host's 4-byte pixels.
type PixelFormat int

const (
	// PixelFormatRGBA is R, G, B, A byte order (Unity's RGBA32).
	PixelFormatRGBA PixelFormat = iota
	// PixelFormatBGRA is B, G, R, A byte order (Windows bitmaps, most capture APIs).
	PixelFormatBGRA
)

// ParsePixelFormat parses "rgba" or "bgra", case-insensitively.
// An empty string selects RGBA.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rgba":
		return PixelFormatRGBA, nil
	case "bgra":
		return PixelFormatBGRA, nil
	default:
		return PixelFormatRGBA, fmt.Errorf("%w: %q", ErrUnknownPixelFormat, s)
	}
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA:
		return "rgba"
	case PixelFormatBGRA:
		return "bgra"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Fixed-point luma weights (0.299, 0.587, 0.114) scaled by 2^14, the same
// integer rounding OpenCV uses for 8-bit colour to gray conversion.
const (
	lumaShift = 14
	lumaR     = 4899
	lumaG     = 9617
	lumaB     = 1868
	lumaRound = 1 << (lumaShift - 1)
)

// ValidateFrame checks that frame holds exactly width*height pixels.
func ValidateFrame(frame []byte, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: width=%d height=%d", ErrInvalidDimensions, width, height)
	}
	expected := width * height * BytesPerPixel
	if len(frame) != expected {
		return fmt.Errorf("%w: expected %d bytes for %dx%d, got %d",
			ErrFrameSizeMismatch, expected, width, height, len(frame))
	}
	return nil
}

// DetectionSize returns the resolution detection runs at: the frame size
// divided by the downscale factor with integer division. Factors below 1
// are treated as 1.
func DetectionSize(width, height, downscale int) (int, int) {
	if downscale < 1 {
		downscale = 1
	}
	return width / downscale, height / downscale
}

// Preprocess turns a raw host frame into the single-channel intensity image
// the detector consumes. When downscale > 1 the colour frame is first
// resized with bilinear interpolation; the intensity reduction always runs
// last. The frame is read in place and not retained.
func Preprocess(frame []byte, width, height, downscale int, format PixelFormat) (*image.Gray, error) {
	if err := ValidateFrame(frame, width, height); err != nil {
		return nil, err
	}
	if format != PixelFormatRGBA && format != PixelFormatBGRA {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPixelFormat, int(format))
	}

	src := &image.RGBA{
		Pix:    frame,
		Stride: width * BytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}

	dw, dh := DetectionSize(width, height, downscale)
	if dw == 0 || dh == 0 {
		return nil, fmt.Errorf("%w: downscale %d leaves an empty %dx%d image",
			ErrInvalidDimensions, downscale, dw, dh)
	}

	if dw != width || dh != height {
		resized := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.BiLinear.Scale(resized, resized.Bounds(), src, src.Bounds(), draw.Src, nil)
		src = resized
	}

	return toGray(src, format), nil
}

// toGray reduces a 4-channel image to luma. The channel order only decides
// which byte gets the red and which the blue weight.
func toGray(src *image.RGBA, format PixelFormat) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))

	rOff, bOff := 0, 2
	if format == PixelFormatBGRA {
		rOff, bOff = 2, 0
	}

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*BytesPerPixel]
		out := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x := range out {
			px := row[x*BytesPerPixel : x*BytesPerPixel+BytesPerPixel]
			v := uint32(px[rOff])*lumaR + uint32(px[1])*lumaG + uint32(px[bOff])*lumaB
			out[x] = uint8((v + lumaRound) >> lumaShift)
		}
	}
	return gray
}

// DecodeImage decodes image data from common formats (PNG, JPEG, GIF).
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return img, nil
}

// FrameFromImage lays an image out as a tightly packed RGBA host frame, the
// format the CLI feeds to a session.
func FrameFromImage(img image.Image) (frame []byte, width, height int) {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*BytesPerPixel || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return rgba.Pix[:b.Dx()*b.Dy()*BytesPerPixel], b.Dx(), b.Dy()
}
