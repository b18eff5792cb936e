package sink

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %d.%06d\r\n" +
	"\r\n"

// MJPEGServer serves named MJPEG streams at ?name=<stream>.
type MJPEGServer struct {
	m map[string]*MJPEGStream

	lock sync.Mutex
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		m: make(map[string]*MJPEGStream),
	}
}

// NewStream registers a stream. Names must be unique.
func (s *MJPEGServer) NewStream(name string) (*MJPEGStream, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.m[name]; ok {
		return nil, fmt.Errorf("a stream named %q already exists", name)
	}

	ms := &MJPEGStream{
		name:    name,
		m:       make(map[chan []byte]bool),
		done:    make(chan struct{}),
		Quality: 80,
		parent:  s,
	}
	s.m[name] = ms
	return ms, nil
}

func (s *MJPEGServer) getStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.m[name]
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := r.Form.Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	stream := s.getStream(name)
	if stream == nil {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	c := stream.subscribe()
	if c == nil {
		http.Error(w, "stream closed", http.StatusGone)
		return
	}
	defer stream.unsubscribe(c)

	log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream connected to %v", name)
	defer log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream disconnected from %v", name)
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.done:
			return
		case b := <-c:
			if _, err := w.Write(b); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// MJPEGStream is a Sink that fans frames out to every connected HTTP client
// as JPEG parts.
type MJPEGStream struct {
	Quality int

	name   string
	m      map[chan []byte]bool
	done   chan struct{}
	closed bool

	parent *MJPEGServer
	lock   sync.Mutex
}

func (s *MJPEGStream) subscribe() chan []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	c := make(chan []byte, 1)
	s.m[c] = true
	return c
}

func (s *MJPEGStream) unsubscribe(c chan []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.m, c)
}

// Listeners is the number of connected clients.
func (s *MJPEGStream) Listeners() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m)
}

func (s *MJPEGStream) Put(f PacedFrame) error {
	if s.Listeners() == 0 {
		// Nobody is listening; don't bother encoding.
		return nil
	}

	img, err := ToBGR(f.Data, f.Format)
	if err != nil {
		return err
	}
	defer img.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), s.Quality})
	if err != nil {
		return fmt.Errorf("encode jpeg for MJPEG stream %v: %w", s.name, err)
	}
	defer buf.Close()
	jpeg := buf.GetBytes()

	ts := f.CaptureTime
	header := fmt.Sprintf(headerf, len(jpeg), ts.Unix(), ts.Nanosecond()/1000)
	// Each part gets its own slice; listeners may still be writing older ones.
	part := make([]byte, 0, len(header)+len(jpeg))
	part = append(part, header...)
	part = append(part, jpeg...)

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	for c := range s.m {
		select {
		case c <- part:
		default:
			// Skip listeners not ready for next frame.
		}
	}
	return nil
}

// Close disconnects every client and unregisters the stream.
func (s *MJPEGStream) Close() {
	s.lock.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.lock.Unlock()

	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()
	if s.parent.m[s.name] == s {
		delete(s.parent.m, s.name)
	}
}
