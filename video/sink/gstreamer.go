package sink

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"camrelay/video/source"
)

// AppSrcName is the element name the launch line must give its appsrc.
const AppSrcName = "src"

// DefaultGStreamerLaunch encodes to an mp4 file.
func DefaultGStreamerLaunch(path string) string {
	return "appsrc name=src format=time is-live=true ! videoconvert ! x264enc tune=zerolatency speed-preset=superfast ! mp4mux ! filesink location=" + path
}

// GStreamer feeds frames into a gst-launch style pipeline that starts with
// "appsrc name=src". Caps are set from the first frame and buffers carry the
// relay's presentation timestamps, so the launch line should ask for
// format=time.
type GStreamer struct {
	Launch string
	FPS    float64

	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	format   source.Format
	closed   bool
	log      *log.Entry
}

func NewGStreamer(launch string, fps float64) *GStreamer {
	return &GStreamer{
		Launch: launch,
		FPS:    fps,
		log:    log.WithField("sink", "gstreamer"),
	}
}

// capsFor describes f as raw video caps.
func capsFor(f source.Format, fps float64) string {
	// Caps want a fraction; millihertz precision covers 29.97 and friends.
	return fmt.Sprintf("video/x-raw,format=%v,width=%d,height=%d,framerate=%d/1000",
		f.PixelFormat, f.Width, f.Height, int(fps*1000+0.5))
}

func (g *GStreamer) start(f source.Format) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(g.Launch)
	if err != nil {
		return fmt.Errorf("failed to parse output pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName(AppSrcName)
	if err != nil {
		return fmt.Errorf("output pipeline has no appsrc named %q: %w", AppSrcName, err)
	}
	src := app.SrcFromElement(elem)
	src.SetCaps(gst.NewCapsFromString(capsFor(f, g.FPS)))

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start output pipeline: %w", err)
	}
	g.log.Infof("Output pipeline playing with %v", capsFor(f, g.FPS))

	g.pipeline = pipeline
	g.src = src
	g.format = f
	return nil
}

func (g *GStreamer) Put(f PacedFrame) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.pipeline == nil {
		if err := g.start(f.Format); err != nil {
			g.closed = true
			return err
		}
	}
	if f.Format != g.format {
		return fmt.Errorf("output caps are fixed at %v, got %v", g.format, f.Format)
	}

	// NewBufferFromBytes copies, so f.Data is free again once we return.
	buf := gst.NewBufferFromBytes(f.Data)
	buf.SetPresentationTimestamp(f.PTS)
	buf.SetDuration(f.Duration)

	switch ret := g.src.PushBuffer(buf); ret {
	case gst.FlowOK:
		return nil
	case gst.FlowFlushing, gst.FlowEOS:
		return ErrClosed
	default:
		return fmt.Errorf("appsrc push: %v", ret)
	}
}

// Close sends end of stream and waits briefly for the pipeline to drain so
// muxers can finalize their output.
func (g *GStreamer) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	if g.pipeline == nil {
		return
	}

	g.src.EndStream()
	bus := g.pipeline.GetPipelineBus()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		if msg.Type() == gst.MessageEOS {
			break
		}
		if msg.Type() == gst.MessageError {
			g.log.Errorf("Output pipeline error during shutdown: %v", msg.ParseError().Error())
			break
		}
	}
	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		g.log.Errorf("Failed to stop output pipeline: %v", err)
	}
}
