package sink

import (
	"errors"
	"time"

	"camrelay/video/source"
)

var (
	// ErrBackpressure is returned by Put when the sink cannot take another
	// frame right now. The caller drops the frame; it never retries.
	ErrBackpressure = errors.New("sink is not ready for another frame")
	// ErrClosed is returned by Put once the sink has shut down.
	ErrClosed = errors.New("sink closed")
)

// PacedFrame is a transformed frame stamped for presentation.
type PacedFrame struct {
	// Data is only valid for the duration of Put.
	Data   []byte
	Format source.Format

	Seq         uint64
	CaptureTime time.Time

	// PTS is the presentation time relative to the start of the stream.
	PTS      time.Duration
	Duration time.Duration
}

// Sink defines a destination for a stream of images, such as an encoder or
// monitor.
type Sink interface {
	// Put hands a frame to the sink. The sink *must not* hold any references
	// to f.Data after returning; copy what needs to outlive the call.
	Put(f PacedFrame) error

	// Close should be called to finalize the Sink.
	Close()
}

// Func adapts a function to a Sink with a no-op Close.
type Func func(f PacedFrame) error

func (fn Func) Put(f PacedFrame) error {
	return fn(f)
}

func (fn Func) Close() {}

// Discard accepts and drops every frame.
type Discard struct{}

func (Discard) Put(PacedFrame) error { return nil }

func (Discard) Close() {}
