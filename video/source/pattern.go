package source

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pattern is a synthetic source that renders a moving luma gradient. It is
// used for bring-up on boards without a camera attached and in tests.
type Pattern struct {
	Format Format
	FPS    int
	// Frames stops the source after this many frames. Zero runs forever.
	Frames int

	connected atomic.Bool
}

func NewPattern(format Format, fps int) *Pattern {
	return &Pattern{
		Format: format,
		FPS:    fps,
	}
}

func (p *Pattern) Connected() bool {
	return p.connected.Load()
}

func (p *Pattern) Run(ctx context.Context, in Ingester) error {
	if p.FPS <= 0 {
		return errors.New("pattern source requires a positive FPS")
	}
	t := time.NewTicker(time.Second / time.Duration(p.FPS))
	defer t.Stop()

	p.connected.Store(true)
	defer p.connected.Store(false)

	format := p.Format
	for n := 0; p.Frames == 0 || n < p.Frames; n++ {
		var f *Format
		if n == 0 {
			f = &format
		}
		err := in.Ingest(Render(format, n), f)
		switch {
		case err == nil:
		case IsFatal(err):
			return err
		case errors.Is(err, ErrClosed):
			return nil
		default:
			log.Debugf("Pattern frame %d rejected: %v", n, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	return nil
}

// Render draws pattern frame n in the given format. Luma is a diagonal ramp
// shifted by n; chroma is neutral.
func Render(format Format, n int) []byte {
	b := make([]byte, format.FrameSize())
	w, h := format.Width, format.Height
	for y := 0; y < h; y++ {
		row := b[y*w : (y+1)*w]
		for x := range row {
			// Keep the ramp inside 16..235 so equalization has work to do.
			row[x] = byte(16 + (x+y+n)%220)
		}
	}
	for i := format.LumaSize(); i < len(b); i++ {
		b[i] = 128
	}
	return b
}
