package source

import (
	"bytes"
	"errors"
	"testing"
)

func TestFormatFromCaps(t *testing.T) {
	f, err := formatFromCaps("NV12", 1280, 720)
	if err != nil {
		t.Fatalf("formatFromCaps: %v", err)
	}
	if want := (Format{Width: 1280, Height: 720, PixelFormat: FormatNV12}); f != want {
		t.Fatalf("got %v, want %v", f, want)
	}

	for _, tc := range []struct {
		name     string
		pf, w, h interface{}
	}{
		{"missing format", nil, 640, 480},
		{"unsupported format", "RGBx", 640, 480},
		{"missing size", "I420", nil, 480},
	} {
		if _, err := formatFromCaps(tc.pf, tc.w, tc.h); !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%s: err = %v, want ErrInvalidFormat", tc.name, err)
		}
	}
}

func TestUnpadI420(t *testing.T) {
	// 6 pixel rows are stored as 8 bytes, 3 byte chroma rows as 4.
	f := Format{Width: 6, Height: 2, PixelFormat: FormatI420}
	padded := []byte{
		1, 2, 3, 4, 5, 6, 0xff, 0xff,
		7, 8, 9, 10, 11, 12, 0xff, 0xff,
		20, 21, 22, 0xff,
		30, 31, 32, 0xff,
	}
	got, ok := unpad(padded, f)
	if !ok {
		t.Fatal("padded I420 frame not recognised")
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 20, 21, 22, 30, 31, 32}
	if !bytes.Equal(got, want) || len(got) != f.FrameSize() {
		t.Errorf("unpad = %v, want %v", got, want)
	}

	if _, ok := unpad(padded[:20], f); ok {
		t.Error("short buffer accepted")
	}
}

func TestUnpadNV12AndAligned(t *testing.T) {
	f := Format{Width: 2, Height: 2, PixelFormat: FormatNV12}
	padded := []byte{1, 2, 0, 0, 3, 4, 0, 0, 5, 6, 0, 0}
	got, ok := unpad(padded, f)
	if !ok || !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("unpad = %v, %v", got, ok)
	}

	// Aligned formats are already packed.
	aligned := Format{Width: 640, Height: 480, PixelFormat: FormatI420}
	if _, ok := unpad(make([]byte, aligned.FrameSize()), aligned); ok {
		t.Error("aligned frame repacked")
	}
}
