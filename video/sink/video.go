package sink

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Video writes frames to a file with OpenCV's VideoWriter. The writer opens on
// the first frame, once the size is known. Prefer the FFmpeg sink for
// anything long running; the codecs reachable here are either huge or slow.
type Video struct {
	Path  string
	Codec string
	FPS   float64

	mu     sync.Mutex
	writer *gocv.VideoWriter
	width  int
	height int
	closed bool
}

func NewVideo(path, codec string, fps float64) *Video {
	if codec == "" {
		codec = "MJPG"
	}
	return &Video{
		Path:  path,
		Codec: codec,
		FPS:   fps,
	}
}

func (v *Video) Put(f PacedFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	if v.writer == nil {
		w, err := gocv.VideoWriterFile(v.Path, v.Codec, v.FPS, f.Format.Width, f.Format.Height, true)
		if err != nil {
			return fmt.Errorf("open %v: %w", v.Path, err)
		}
		log.Infof("Writing %dx%d video to %v", f.Format.Width, f.Format.Height, v.Path)
		v.writer = w
		v.width, v.height = f.Format.Width, f.Format.Height
	}
	if f.Format.Width != v.width || f.Format.Height != v.height {
		return fmt.Errorf("frame size %dx%d does not match open file %dx%d", f.Format.Width, f.Format.Height, v.width, v.height)
	}

	img, err := ToBGR(f.Data, f.Format)
	if err != nil {
		return err
	}
	defer img.Close()
	return v.writer.Write(img)
}

func (v *Video) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	if v.writer != nil {
		v.writer.Close()
	}
}
