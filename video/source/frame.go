package source

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidFormat marks format metadata that can never be processed. It is
	// a configuration error and aborts startup.
	ErrInvalidFormat = errors.New("invalid frame format")
	// ErrNoFormat is returned when the first frame arrives without format metadata.
	ErrNoFormat = errors.New("no format negotiated")
	// ErrClosed is returned by an Ingester that has been shut down.
	ErrClosed = errors.New("ingest closed")
)

// IsFatal reports whether an Ingest error should stop the capture source.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidFormat) || errors.Is(err, ErrNoFormat)
}

type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	// FormatGray8 is a single 8-bit luma plane.
	FormatGray8
	// FormatI420 is planar Y, then U and V at quarter resolution.
	FormatI420
	// FormatNV12 is a Y plane followed by one interleaved UV plane at quarter
	// resolution.
	FormatNV12
)

var pixelFormatNames = map[PixelFormat]string{
	FormatGray8: "GRAY8",
	FormatI420:  "I420",
	FormatNV12:  "NV12",
}

func (p PixelFormat) String() string {
	if n, ok := pixelFormatNames[p]; ok {
		return n
	}
	return fmt.Sprintf("PixelFormat(%d)", int(p))
}

// FFmpegName is the rawvideo pixel format name understood by ffmpeg.
func (p PixelFormat) FFmpegName() string {
	switch p {
	case FormatGray8:
		return "gray"
	case FormatI420:
		return "yuv420p"
	case FormatNV12:
		return "nv12"
	}
	return ""
}

// ParsePixelFormat accepts GStreamer caps names as well as the common ffmpeg
// aliases.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gray8", "gray":
		return FormatGray8, nil
	case "i420", "yuv420p", "iyuv":
		return FormatI420, nil
	case "nv12":
		return FormatNV12, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unsupported pixel format %q", ErrInvalidFormat, s)
}

// Format is the negotiated layout of every frame in a stream.
type Format struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %v", f.Width, f.Height, f.PixelFormat)
}

// Subsampled reports whether the format carries quarter-resolution chroma.
func (f Format) Subsampled() bool {
	return f.PixelFormat == FormatI420 || f.PixelFormat == FormatNV12
}

func (f Format) Validate() error {
	if _, ok := pixelFormatNames[f.PixelFormat]; !ok {
		return fmt.Errorf("%w: unsupported pixel format %v", ErrInvalidFormat, f.PixelFormat)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: non-positive size %dx%d", ErrInvalidFormat, f.Width, f.Height)
	}
	if f.Subsampled() && (f.Width%2 != 0 || f.Height%2 != 0) {
		return fmt.Errorf("%w: %v requires even dimensions, got %dx%d", ErrInvalidFormat, f.PixelFormat, f.Width, f.Height)
	}
	return nil
}

// LumaSize is the byte size of the Y plane.
func (f Format) LumaSize() int {
	return f.Width * f.Height
}

// FrameSize is the byte size of one whole frame.
func (f Format) FrameSize() int {
	if f.Subsampled() {
		return f.LumaSize() + 2*(f.Width/2)*(f.Height/2)
	}
	return f.LumaSize()
}

// Frame is one captured picture. The payload has a single owner at a time;
// whoever holds the Frame last must call Release.
type Frame struct {
	Seq         uint64
	Format      Format
	CaptureTime time.Time
	Data        []byte

	release  func(*Frame)
	released atomic.Bool
}

// NewFrame wraps data without copying. release, if set, runs exactly once
// when the frame is destroyed.
func NewFrame(seq uint64, format Format, captured time.Time, data []byte, release func(*Frame)) *Frame {
	return &Frame{
		Seq:         seq,
		Format:      format,
		CaptureTime: captured,
		Data:        data,
		release:     release,
	}
}

// Release destroys the frame. Releasing twice is an ownership bug and panics.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("frame %d already released", f.Seq))
	}
	if f.release != nil {
		f.release(f)
	}
	f.Data = nil
}

func (f *Frame) Released() bool {
	return f.released.Load()
}
