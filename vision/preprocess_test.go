package vision

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// makeFrame builds a tightly packed 4-byte frame where every pixel is px.
func makeFrame(width, height int, px [4]byte) []byte {
	frame := make([]byte, width*height*BytesPerPixel)
	for i := 0; i < len(frame); i += BytesPerPixel {
		copy(frame[i:], px[:])
	}
	return frame
}

// encodePNG encodes an image to PNG bytes
func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		w, h    int
		wantErr error
	}{
		{"exact size", make([]byte, 4*3*4), 4, 3, nil},
		{"too short", make([]byte, 4*3*4-1), 4, 3, ErrFrameSizeMismatch},
		{"too long", make([]byte, 4*3*4+4), 4, 3, ErrFrameSizeMismatch},
		{"zero width", nil, 0, 3, ErrInvalidDimensions},
		{"negative height", nil, 4, -1, ErrInvalidDimensions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFrame(tt.frame, tt.w, tt.h)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateFrame() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectionSize(t *testing.T) {
	tests := []struct {
		w, h, downscale int
		wantW, wantH    int
	}{
		{640, 480, 1, 640, 480},
		{640, 480, 2, 320, 240},
		{641, 481, 2, 320, 240},
		{640, 480, 3, 213, 160},
		{640, 480, 0, 640, 480},
		{640, 480, -4, 640, 480},
	}

	for _, tt := range tests {
		gotW, gotH := DetectionSize(tt.w, tt.h, tt.downscale)
		if gotW != tt.wantW || gotH != tt.wantH {
			t.Errorf("DetectionSize(%d, %d, %d) = %dx%d, want %dx%d",
				tt.w, tt.h, tt.downscale, gotW, gotH, tt.wantW, tt.wantH)
		}
	}
}

func TestPreprocess_FullResolution(t *testing.T) {
	frame := makeFrame(8, 6, [4]byte{255, 0, 0, 255})

	gray, err := Preprocess(frame, 8, 6, 1, PixelFormatRGBA)
	if err != nil {
		t.Fatalf("Preprocess() error: %v", err)
	}
	if gray.Bounds().Dx() != 8 || gray.Bounds().Dy() != 6 {
		t.Fatalf("Preprocess() size = %v, want 8x6", gray.Bounds())
	}
	// 0.299 * 255 rounds to 76.
	if got := gray.GrayAt(3, 2).Y; got != 76 {
		t.Errorf("red pixel luma = %d, want 76", got)
	}
}

func TestPreprocess_ChannelOrder(t *testing.T) {
	// The same bytes mean red in RGBA and blue in BGRA.
	frame := makeFrame(4, 4, [4]byte{255, 0, 0, 255})

	rgba, err := Preprocess(frame, 4, 4, 1, PixelFormatRGBA)
	if err != nil {
		t.Fatalf("Preprocess(RGBA) error: %v", err)
	}
	bgra, err := Preprocess(frame, 4, 4, 1, PixelFormatBGRA)
	if err != nil {
		t.Fatalf("Preprocess(BGRA) error: %v", err)
	}
	if got := rgba.GrayAt(0, 0).Y; got != 76 {
		t.Errorf("RGBA luma = %d, want 76", got)
	}
	// 0.114 * 255 rounds to 29.
	if got := bgra.GrayAt(0, 0).Y; got != 29 {
		t.Errorf("BGRA luma = %d, want 29", got)
	}
}

func TestPreprocess_GrayIsPreserved(t *testing.T) {
	for _, v := range []byte{0, 1, 127, 200, 255} {
		frame := makeFrame(2, 2, [4]byte{v, v, v, 255})
		gray, err := Preprocess(frame, 2, 2, 1, PixelFormatRGBA)
		if err != nil {
			t.Fatalf("Preprocess() error: %v", err)
		}
		if got := gray.GrayAt(1, 1).Y; got != v {
			t.Errorf("gray %d came back as %d", v, got)
		}
	}
}

func TestPreprocess_Downscale(t *testing.T) {
	const w, h = 64, 48
	frame := makeFrame(w, h, [4]byte{255, 255, 255, 255})
	// Left half black.
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			i := (y*w + x) * BytesPerPixel
			frame[i], frame[i+1], frame[i+2] = 0, 0, 0
		}
	}

	gray, err := Preprocess(frame, w, h, 2, PixelFormatRGBA)
	if err != nil {
		t.Fatalf("Preprocess() error: %v", err)
	}
	if gray.Bounds().Dx() != w/2 || gray.Bounds().Dy() != h/2 {
		t.Fatalf("Preprocess() size = %v, want %dx%d", gray.Bounds(), w/2, h/2)
	}
	if got := gray.GrayAt(2, 10).Y; got != 0 {
		t.Errorf("left side = %d, want 0", got)
	}
	if got := gray.GrayAt(w/2-3, 10).Y; got != 255 {
		t.Errorf("right side = %d, want 255", got)
	}
}

func TestPreprocess_Errors(t *testing.T) {
	frame := makeFrame(4, 4, [4]byte{})

	if _, err := Preprocess(frame[:10], 4, 4, 1, PixelFormatRGBA); !errors.Is(err, ErrFrameSizeMismatch) {
		t.Errorf("short frame error = %v, want ErrFrameSizeMismatch", err)
	}
	if _, err := Preprocess(frame, 4, 4, 8, PixelFormatRGBA); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("oversized downscale error = %v, want ErrInvalidDimensions", err)
	}
	if _, err := Preprocess(frame, 4, 4, 1, PixelFormat(9)); !errors.Is(err, ErrUnknownPixelFormat) {
		t.Errorf("bad format error = %v, want ErrUnknownPixelFormat", err)
	}
}

func TestParsePixelFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    PixelFormat
		wantErr bool
	}{
		{"", PixelFormatRGBA, false},
		{"RGBA", PixelFormatRGBA, false},
		{" bgra ", PixelFormatBGRA, false},
		{"argb", PixelFormatRGBA, true},
	}
	for _, tt := range tests {
		got, err := ParsePixelFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePixelFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePixelFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if PixelFormatBGRA.String() != "bgra" {
		t.Errorf("String() = %q, want bgra", PixelFormatBGRA.String())
	}
}

func TestDecodeImage(t *testing.T) {
	if _, err := DecodeImage(nil); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("DecodeImage(nil) error = %v, want ErrEmptyImage", err)
	}
	if _, err := DecodeImage([]byte{0x00, 0x01, 0x02}); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("DecodeImage(garbage) error = %v, want ErrInvalidImage", err)
	}

	img, err := DecodeImage(encodePNG(image.NewGray(image.Rect(0, 0, 10, 10))))
	if err != nil {
		t.Fatalf("DecodeImage(png) error: %v", err)
	}
	if img.Bounds().Dx() != 10 {
		t.Errorf("decoded width = %d, want 10", img.Bounds().Dx())
	}
}

func TestFrameFromImage(t *testing.T) {
	src := image.NewGray(image.Rect(5, 5, 8, 7))
	src.SetGray(6, 6, color.Gray{Y: 90})

	frame, w, h := FrameFromImage(src)
	if w != 3 || h != 2 {
		t.Fatalf("FrameFromImage() size = %dx%d, want 3x2", w, h)
	}
	if len(frame) != 3*2*BytesPerPixel {
		t.Fatalf("len(frame) = %d, want %d", len(frame), 3*2*BytesPerPixel)
	}
	// (6,6) in the source is (1,1) in the frame.
	i := (1*3 + 1) * BytesPerPixel
	if frame[i] != 90 || frame[i+1] != 90 || frame[i+2] != 90 || frame[i+3] != 255 {
		t.Errorf("pixel = %v, want [90 90 90 255]", frame[i:i+4])
	}
}
