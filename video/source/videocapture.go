package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// VideoCapture reads a camera device, file, or network stream through OpenCV
// and delivers I420 frames.
type VideoCapture struct {
	// URI is a device index ("0"), file path, or stream URL.
	URI string
	// FPS caps the read rate. Zero reads as fast as the capture allows, which
	// is what live sources want; files should set it.
	FPS int

	connected atomic.Bool
}

func NewVideoCapture(uri string, fps int) *VideoCapture {
	return &VideoCapture{
		URI: uri,
		FPS: fps,
	}
}

func (v *VideoCapture) Connected() bool {
	return v.connected.Load()
}

func (v *VideoCapture) Run(ctx context.Context, in Ingester) error {
	cap, err := gocv.OpenVideoCapture(v.URI)
	if err != nil {
		return fmt.Errorf("failed to open video capture %q: %w", v.URI, err)
	}
	defer cap.Close()
	defer v.connected.Store(false)

	bgr := gocv.NewMat()
	defer bgr.Close()
	yuv := gocv.NewMat()
	defer yuv.Close()

	var tick <-chan time.Time
	if v.FPS > 0 {
		t := time.NewTicker(time.Second / time.Duration(v.FPS))
		defer t.Stop()
		tick = t.C
	}

	var current Format
	failures := 0
	for ctx.Err() == nil {
		if ok := cap.Read(&bgr); !ok || bgr.Empty() {
			v.connected.Store(false)
			failures++
			if failures == 1 || failures%100 == 0 {
				log.Warnf("Read failure from %v (%d consecutive)", v.URI, failures)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0
		v.connected.Store(true)

		f := Format{Width: bgr.Cols(), Height: bgr.Rows(), PixelFormat: FormatI420}
		var changed *Format
		if f != current {
			if err := f.Validate(); err != nil {
				return err
			}
			current = f
			changed = &f
		}

		gocv.CvtColor(bgr, &yuv, gocv.ColorBGRToYUVI420)
		// ToBytes copies out of the Mat, so the relay may own the result.
		err := in.Ingest(yuv.ToBytes(), changed)
		switch {
		case err == nil:
		case IsFatal(err):
			return err
		case errors.Is(err, ErrClosed):
			return nil
		default:
			log.Debugf("Captured frame rejected: %v", err)
		}

		if tick != nil {
			select {
			case <-ctx.Done():
			case <-tick:
			}
		}
	}
	return nil
}
