package process

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"camrelay/video/source"
)

// ErrSizeMismatch is returned when a buffer does not hold exactly one frame
// of the negotiated format.
var ErrSizeMismatch = errors.New("buffer size does not match frame format")

// Meta describes the frame a transform is working on.
type Meta struct {
	Format      source.Format
	Seq         uint64
	CaptureTime time.Time
}

// Transform is a per-frame operation. It reads one whole frame from src and
// writes a frame of identical format into dst. Implementations must not
// retain either slice.
type Transform interface {
	Apply(dst, src []byte, m Meta) error
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(dst, src []byte, m Meta) error

func (f TransformFunc) Apply(dst, src []byte, m Meta) error {
	return f(dst, src, m)
}

// LumaTransform works on the Y plane only. dst and src are Width*Height bytes.
type LumaTransform interface {
	ApplyLuma(dst, src []byte, m Meta) error
}

// Limited is implemented by transforms that cannot be called concurrently
// without bound. MaxConcurrency returns 0 for no limit.
type Limited interface {
	MaxConcurrency() int
}

// ChromaPolicy decides what happens to chroma planes a luma transform does
// not touch.
type ChromaPolicy int

const (
	// ChromaPassThrough copies chroma from the input frame unchanged.
	ChromaPassThrough ChromaPolicy = iota
	// ChromaNeutral overwrites chroma with 128, producing a grey picture.
	ChromaNeutral
)

func (c ChromaPolicy) String() string {
	switch c {
	case ChromaPassThrough:
		return "passthrough"
	case ChromaNeutral:
		return "neutral"
	}
	return fmt.Sprintf("ChromaPolicy(%d)", int(c))
}

func ParseChromaPolicy(s string) (ChromaPolicy, error) {
	switch strings.ToLower(s) {
	case "", "passthrough":
		return ChromaPassThrough, nil
	case "neutral":
		return ChromaNeutral, nil
	}
	return 0, fmt.Errorf("unknown chroma policy %q", s)
}

const neutralChroma = 128

type luma struct {
	t      LumaTransform
	policy ChromaPolicy
}

// Luma lifts a LumaTransform to a whole-frame Transform, filling chroma
// according to policy.
func Luma(t LumaTransform, policy ChromaPolicy) Transform {
	return &luma{t: t, policy: policy}
}

func (l *luma) Apply(dst, src []byte, m Meta) error {
	if err := checkSize(dst, src, m.Format); err != nil {
		return err
	}
	n := m.Format.LumaSize()
	if err := l.t.ApplyLuma(dst[:n], src[:n], m); err != nil {
		return err
	}
	switch l.policy {
	case ChromaNeutral:
		for i := n; i < len(dst); i++ {
			dst[i] = neutralChroma
		}
	default:
		copy(dst[n:], src[n:])
	}
	return nil
}

func (l *luma) MaxConcurrency() int {
	return maxConcurrencyOf(l.t)
}

func (l *luma) Close() error {
	return closeIfCloser(l.t)
}

// Identity copies frames unchanged.
type Identity struct{}

func (Identity) Apply(dst, src []byte, m Meta) error {
	if err := checkSize(dst, src, m.Format); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

type chain struct {
	ts      []Transform
	scratch sync.Pool
}

// Chain runs ts in order, feeding each output to the next.
func Chain(ts ...Transform) Transform {
	if len(ts) == 1 {
		return ts[0]
	}
	return &chain{ts: ts}
}

func (c *chain) Apply(dst, src []byte, m Meta) error {
	if len(c.ts) == 0 {
		return Identity{}.Apply(dst, src, m)
	}
	if err := c.ts[0].Apply(dst, src, m); err != nil {
		return err
	}
	if len(c.ts) == 1 {
		return nil
	}

	var buf []byte
	if p, ok := c.scratch.Get().(*[]byte); ok && cap(*p) >= len(dst) {
		buf = (*p)[:len(dst)]
	} else {
		buf = make([]byte, len(dst))
	}
	defer c.scratch.Put(&buf)

	for _, t := range c.ts[1:] {
		copy(buf, dst)
		if err := t.Apply(dst, buf, m); err != nil {
			return err
		}
	}
	return nil
}

// MaxConcurrency is the tightest limit of any stage.
func (c *chain) MaxConcurrency() int {
	limit := 0
	for _, t := range c.ts {
		if n := maxConcurrencyOf(t); n > 0 && (limit == 0 || n < limit) {
			limit = n
		}
	}
	return limit
}

func (c *chain) Close() error {
	var errs []error
	for _, t := range c.ts {
		if err := closeIfCloser(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkSize(dst, src []byte, f source.Format) error {
	want := f.FrameSize()
	if len(src) != want || len(dst) != want {
		return fmt.Errorf("%w: %v wants %d bytes, got src=%d dst=%d", ErrSizeMismatch, f, want, len(src), len(dst))
	}
	return nil
}

func maxConcurrencyOf(v interface{}) int {
	if l, ok := v.(Limited); ok {
		return l.MaxConcurrency()
	}
	return 0
}

func closeIfCloser(v interface{}) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
