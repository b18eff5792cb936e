package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// AppSinkName is the element name the launch line must give its appsink.
const AppSinkName = "sink"

// GStreamer captures raw video from a gst-launch style pipeline description
// that ends in "appsink name=sink", for example:
//
//	v4l2src device=/dev/video0 ! video/x-raw,format=NV12,width=1280,height=720 ! appsink name=sink
//
// Format metadata is read from the negotiated caps of each sample and handed
// to the Ingester only when it changes. GStreamer pads every row to a multiple
// of 4 bytes, so frames whose width (or chroma width) is not 4-aligned are
// repacked before ingest.
type GStreamer struct {
	Launch string

	connected atomic.Bool
	format    Format
}

func NewGStreamer(launch string) *GStreamer {
	return &GStreamer{Launch: launch}
}

func (g *GStreamer) Connected() bool {
	return g.connected.Load()
}

func (g *GStreamer) Run(ctx context.Context, in Ingester) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(g.Launch)
	if err != nil {
		return fmt.Errorf("failed to parse capture pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName(AppSinkName)
	if err != nil {
		return fmt.Errorf("capture pipeline has no appsink named %q: %w", AppSinkName, err)
	}
	sink := app.SinkFromElement(elem)
	// Keep the appsink from queueing behind us; the relay queue does that.
	sink.SetProperty("max-buffers", uint(1))
	sink.SetProperty("drop", true)
	sink.SetProperty("sync", false)

	fatal := make(chan error, 1)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return g.onSample(s, in, fatal)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start capture pipeline: %w", err)
	}
	defer func() {
		g.connected.Store(false)
		if err := pipeline.SetState(gst.StateNull); err != nil {
			log.Errorf("Failed to stop capture pipeline: %v", err)
		}
	}()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return err
		default:
		}

		// Short pop keeps shutdown responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			log.Info("Capture pipeline reached end of stream")
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			log.WithField("debug", gerr.DebugString()).Errorf("Capture pipeline error: %v", gerr.Error())
			return fmt.Errorf("capture pipeline: %s", gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				g.connected.Store(newState == gst.StatePlaying)
				log.Debugf("Capture pipeline state %v", newState)
			}
		}
	}
}

func (g *GStreamer) onSample(s *app.Sink, in Ingester, fatal chan<- error) gst.FlowReturn {
	sample := s.PullSample()
	if sample == nil {
		// One bad sample should not end the stream.
		log.Warn("Failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	var changed *Format
	if caps := sample.GetCaps(); caps != nil && caps.GetSize() > 0 {
		st := caps.GetStructureAt(0)
		name, _ := st.GetValue("format")
		width, _ := st.GetValue("width")
		height, _ := st.GetValue("height")
		f, err := formatFromCaps(name, width, height)
		if err != nil {
			return g.fail(fatal, err)
		}
		if f != g.format {
			g.format = f
			changed = &f
		}
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		log.Warn("Failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	var err error
	if packed, ok := unpad(data, g.format); ok {
		err = in.Ingest(packed, changed)
	} else if changed != nil && len(data) != g.format.FrameSize() {
		// Every later buffer would have the same layout.
		err = fmt.Errorf("%w: %d byte buffer does not hold one %v frame", ErrInvalidFormat, len(data), g.format)
	} else {
		// GStreamer recycles the mapped memory, so the relay gets a copy.
		err = in.IngestCopy(data, changed)
	}
	buffer.Unmap()

	switch {
	case err == nil:
		return gst.FlowOK
	case IsFatal(err):
		return g.fail(fatal, err)
	case errors.Is(err, ErrClosed):
		return gst.FlowEOS
	default:
		log.Debugf("Captured frame rejected: %v", err)
		return gst.FlowOK
	}
}

func (g *GStreamer) fail(fatal chan<- error, err error) gst.FlowReturn {
	select {
	case fatal <- err:
	default:
	}
	return gst.FlowError
}

// formatFromCaps converts raw caps field values into a Format.
func formatFromCaps(name, width, height interface{}) (Format, error) {
	n, ok := name.(string)
	if !ok {
		return Format{}, fmt.Errorf("%w: caps carry no pixel format", ErrInvalidFormat)
	}
	pf, err := ParsePixelFormat(n)
	if err != nil {
		return Format{}, err
	}
	w, wok := width.(int)
	h, hok := height.(int)
	if !wok || !hok {
		return Format{}, fmt.Errorf("%w: caps carry no size", ErrInvalidFormat)
	}
	return Format{Width: w, Height: h, PixelFormat: pf}, nil
}

type plane struct {
	width, rows, stride int
}

// gstPlanes describes f the way GStreamer lays out raw video by default:
// planes back to back, each row padded to 4 bytes.
func gstPlanes(f Format) []plane {
	w, h := f.Width, f.Height
	switch f.PixelFormat {
	case FormatI420:
		c := plane{w / 2, h / 2, roundUp4(w / 2)}
		return []plane{{w, h, roundUp4(w)}, c, c}
	case FormatNV12:
		return []plane{{w, h, roundUp4(w)}, {w, h / 2, roundUp4(w)}}
	}
	return []plane{{w, h, roundUp4(w)}}
}

func roundUp4(n int) int {
	return (n + 3) &^ 3
}

// unpad copies a padded GStreamer frame into a tightly packed one. It returns
// false when f needs no repacking or data is not laid out that way.
func unpad(data []byte, f Format) ([]byte, bool) {
	if f.Validate() != nil {
		return nil, false
	}
	planes := gstPlanes(f)
	size := 0
	for _, p := range planes {
		size += p.stride * p.rows
	}
	if size == f.FrameSize() || len(data) != size {
		return nil, false
	}

	out := make([]byte, 0, f.FrameSize())
	off := 0
	for _, p := range planes {
		for y := 0; y < p.rows; y++ {
			row := off + y*p.stride
			out = append(out, data[row:row+p.width]...)
		}
		off += p.stride * p.rows
	}
	return out, true
}
