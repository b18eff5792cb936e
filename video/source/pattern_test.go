package source

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingIngester struct {
	mu      sync.Mutex
	formats []*Format
	sizes   []int
	err     error
}

func (r *recordingIngester) Ingest(data []byte, format *Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats = append(r.formats, format)
	r.sizes = append(r.sizes, len(data))
	return r.err
}

func (r *recordingIngester) IngestCopy(data []byte, format *Format) error {
	return r.Ingest(append([]byte(nil), data...), format)
}

func TestPatternSendsFormatOnce(t *testing.T) {
	format := Format{Width: 8, Height: 4, PixelFormat: FormatI420}
	p := NewPattern(format, 1000)
	p.Frames = 5

	in := &recordingIngester{}
	if err := p.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(in.formats) != 5 {
		t.Fatalf("got %d frames, want 5", len(in.formats))
	}
	if in.formats[0] == nil || *in.formats[0] != format {
		t.Fatalf("first frame format = %v, want %v", in.formats[0], format)
	}
	for i, f := range in.formats[1:] {
		if f != nil {
			t.Errorf("frame %d carried format %v, want nil", i+1, f)
		}
	}
	for i, sz := range in.sizes {
		if sz != format.FrameSize() {
			t.Errorf("frame %d size = %d, want %d", i, sz, format.FrameSize())
		}
	}
}

func TestPatternStopsOnFatalIngest(t *testing.T) {
	p := NewPattern(Format{Width: 3, Height: 3, PixelFormat: FormatI420}, 1000)
	in := &recordingIngester{err: ErrInvalidFormat}
	if err := p.Run(context.Background(), in); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("Run = %v, want ErrInvalidFormat", err)
	}
	if p.Connected() {
		t.Error("source still connected after Run returned")
	}
}

func TestPatternStopsOnClosedIngest(t *testing.T) {
	p := NewPattern(Format{Width: 4, Height: 4, PixelFormat: FormatGray8}, 1000)
	in := &recordingIngester{err: ErrClosed}
	if err := p.Run(context.Background(), in); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if len(in.formats) != 1 {
		t.Fatalf("ingested %d frames after close, want 1", len(in.formats))
	}
}

func TestRenderChromaNeutral(t *testing.T) {
	format := Format{Width: 4, Height: 2, PixelFormat: FormatNV12}
	b := Render(format, 3)
	for i := format.LumaSize(); i < len(b); i++ {
		if b[i] != 128 {
			t.Fatalf("chroma byte %d = %d, want 128", i, b[i])
		}
	}
}
