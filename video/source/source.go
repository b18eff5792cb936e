package source

import (
	"context"
)

// Ingester receives frames from a capture source. Implementations must
// return quickly; no processing happens on the caller's goroutine.
type Ingester interface {
	// Ingest takes ownership of data. format is required on the first call and
	// whenever the stream renegotiates; pass nil otherwise.
	Ingest(data []byte, format *Format) error

	// IngestCopy is Ingest for callers that reuse data after returning.
	IngestCopy(data []byte, format *Format) error
}

// Source defines a stream of images, such as a camera.
type Source interface {
	// Run delivers frames to in until ctx is cancelled, the stream ends, or a
	// fatal error occurs. A fatal Ingest error (see IsFatal) is returned.
	Run(ctx context.Context, in Ingester) error

	// Connected returns whether the capture source is considered "live".
	Connected() bool
}
