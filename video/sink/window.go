package sink

import (
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camrelay/video/source"
)

// Window shows frames in a local OpenCV window. Put must be called from the
// thread that owns the window.
type Window struct {
	window *gocv.Window
	size   source.Format
}

func NewWindow(name string) *Window {
	return &Window{
		window: gocv.NewWindow(name),
	}
}

func (w *Window) Put(f PacedFrame) error {
	img, err := ToBGR(f.Data, f.Format)
	if err != nil {
		return err
	}
	defer img.Close()

	if w.size != f.Format {
		log.Debugf("Resizing preview window to %dx%d", f.Format.Width, f.Format.Height)
		w.window.ResizeWindow(f.Format.Width, f.Format.Height)
		w.size = f.Format
	}
	w.window.IMShow(img)
	w.window.WaitKey(1)
	return nil
}

func (w *Window) Close() {
	w.window.Close()
}
