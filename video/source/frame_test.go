package source

import (
	"errors"
	"testing"
	"time"
)

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name string
		f    Format
		ok   bool
	}{
		{"gray odd", Format{Width: 641, Height: 479, PixelFormat: FormatGray8}, true},
		{"i420 even", Format{Width: 640, Height: 480, PixelFormat: FormatI420}, true},
		{"i420 odd width", Format{Width: 641, Height: 480, PixelFormat: FormatI420}, false},
		{"nv12 odd height", Format{Width: 640, Height: 481, PixelFormat: FormatNV12}, false},
		{"zero size", Format{Width: 0, Height: 480, PixelFormat: FormatGray8}, false},
		{"unknown", Format{Width: 640, Height: 480}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.f.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalidFormat) || !IsFatal(err) {
					t.Fatalf("Validate() = %v, want fatal ErrInvalidFormat", err)
				}
			}
		})
	}
}

func TestFormatSizes(t *testing.T) {
	f := Format{Width: 4, Height: 2, PixelFormat: FormatI420}
	if got := f.FrameSize(); got != 12 {
		t.Errorf("I420 FrameSize = %d, want 12", got)
	}
	f.PixelFormat = FormatNV12
	if got := f.FrameSize(); got != 12 {
		t.Errorf("NV12 FrameSize = %d, want 12", got)
	}
	f.PixelFormat = FormatGray8
	if got := f.FrameSize(); got != 8 {
		t.Errorf("GRAY8 FrameSize = %d, want 8", got)
	}
}

func TestParsePixelFormat(t *testing.T) {
	for in, want := range map[string]PixelFormat{
		"GRAY8":   FormatGray8,
		"yuv420p": FormatI420,
		"I420":    FormatI420,
		"nv12":    FormatNV12,
	} {
		got, err := ParsePixelFormat(in)
		if err != nil || got != want {
			t.Errorf("ParsePixelFormat(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePixelFormat("RGBA"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("ParsePixelFormat(RGBA) err = %v, want ErrInvalidFormat", err)
	}
}

func TestFrameReleaseOnce(t *testing.T) {
	calls := 0
	f := NewFrame(7, Format{Width: 2, Height: 2, PixelFormat: FormatGray8}, time.Now(), make([]byte, 4), func(*Frame) { calls++ })
	f.Release()
	if calls != 1 || !f.Released() {
		t.Fatalf("release calls = %d, released = %v", calls, f.Released())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("second Release did not panic")
		}
	}()
	f.Release()
}
