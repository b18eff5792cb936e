package sink

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"camrelay/util"
	"camrelay/video/source"
)

type FFmpegOptions struct {
	// Binary is the ffmpeg executable. Empty means look it up.
	Binary string
	FPS    float64
	// Output holds everything after the input: codec flags and the
	// destination, e.g. ["-c:v", "libx264", "-f", "rtsp", "rtsp://host/cam"].
	Output []string
	// Queue is the number of frames that may wait for ffmpeg's stdin.
	Queue int
}

// DefaultFFmpegOutput encodes to an mp4 file with settings that keep up on
// small machines.
func DefaultFFmpegOutput(path string) []string {
	return []string{
		// Use h264 encoding with reasonable quality and speed. Note that
		// "preset" can be adjusted if the system is too slow to handle encoding.
		"-c:v", "libx264",
		"-preset", "superfast",
		"-crf", "30",
		// Enable fast-start so videos can be displayed in the browser without
		// full download.
		"-movflags", "+faststart",
		"-y", path,
	}
}

// FFmpeg pipes raw frames into an ffmpeg process. The process starts on the
// first frame, whose format fixes the input for the life of the sink.
type FFmpeg struct {
	opts FFmpegOptions
	log  *log.Entry

	mu      sync.Mutex
	format  source.Format
	started bool
	closed  bool

	b      chan []byte
	close  chan chan error
	exited chan struct{}
}

func NewFFmpeg(opts FFmpegOptions) *FFmpeg {
	if opts.Queue <= 0 {
		opts.Queue = 4
	}
	return &FFmpeg{
		opts:   opts,
		log:    log.WithField("sink", "ffmpeg"),
		b:      make(chan []byte, opts.Queue),
		close:  make(chan chan error),
		exited: make(chan struct{}),
	}
}

func ffmpegArgs(f source.Format, fps float64, output []string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		// Read raw frames from stdin.
		"-f", "rawvideo",
		"-pixel_format", f.PixelFormat.FFmpegName(),
		"-video_size", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
	}
	return append(args, output...)
}

func (s *FFmpeg) start(f source.Format) error {
	bin := s.opts.Binary
	if bin == "" {
		var err error
		if bin, err = util.LocateFFmpeg(); err != nil {
			return fmt.Errorf("locate ffmpeg: %w", err)
		}
	}
	if f.PixelFormat.FFmpegName() == "" {
		return fmt.Errorf("%w: ffmpeg cannot take %v", source.ErrInvalidFormat, f.PixelFormat)
	}

	c := exec.Command(bin, ffmpegArgs(f, s.opts.FPS, s.opts.Output)...)
	stderr := s.log.WriterLevel(log.WarnLevel)
	c.Stderr = stderr

	pipe, err := c.StdinPipe()
	if err != nil {
		stderr.Close()
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := c.Start(); err != nil {
		stderr.Close()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	s.log.Infof("Started ffmpeg for %v at %v fps", f, s.opts.FPS)

	s.format = f
	s.started = true
	go s.run(c, pipe, stderr)
	return nil
}

func (s *FFmpeg) run(c *exec.Cmd, pipe io.WriteCloser, stderr io.Closer) {
	defer close(s.exited)
	defer stderr.Close()

	var closer chan error
loop:
	for {
		select {
		case closer = <-s.close:
			break loop
		case b := <-s.b:
			if _, err := pipe.Write(b); err != nil {
				s.log.Errorf("Error writing to ffmpeg: %v", err)
				break loop
			}
		}
	}

	// On a clean close, hand over whatever is still queued.
	if closer != nil {
	drain:
		for {
			select {
			case b := <-s.b:
				if _, err := pipe.Write(b); err != nil {
					break drain
				}
			default:
				break drain
			}
		}
	}

	pipe.Close()
	s.log.Info("Waiting for ffmpeg shutdown")
	err := c.Wait()
	s.log.Infof("ffmpeg exit with status %v", err)
	if closer != nil {
		closer <- err
	}
}

// Put queues a copy of f for ffmpeg. It returns ErrBackpressure when ffmpeg
// is behind by more than the queue, and ErrClosed once ffmpeg has exited.
func (s *FFmpeg) Put(f PacedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.started {
		if err := s.start(f.Format); err != nil {
			s.closed = true
			return err
		}
	}
	if f.Format != s.format {
		return fmt.Errorf("ffmpeg input is fixed at %v, got %v", s.format, f.Format)
	}

	select {
	case <-s.exited:
		return ErrClosed
	default:
	}

	b := append([]byte(nil), f.Data...)
	select {
	case s.b <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close flushes queued frames and waits for ffmpeg to finish writing.
func (s *FFmpeg) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !s.started {
		return
	}

	c := make(chan error, 1)
	select {
	case s.close <- c:
		if err := <-c; err != nil {
			s.log.Warnf("ffmpeg exited with error: %v", err)
		}
	case <-s.exited:
	}
}
