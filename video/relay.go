package video

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"camrelay/util"
	"camrelay/video/process"
	"camrelay/video/sink"
	"camrelay/video/source"
)

// ErrClosed is returned by a relay, queue or pool that has been shut down.
var ErrClosed = source.ErrClosed

// Options tunes a Relay. Zero values pick the defaults below.
type Options struct {
	// FPS sets the emission interval. Required.
	FPS           float64
	QueueCapacity int
	Workers       int
	// PoolSize is the number of pre-allocated output buffers.
	PoolSize int
	// MaxTransient bounds the extra buffers allocated when the pool runs dry.
	// 0 means one per worker, negative disables transient buffers.
	MaxTransient   int
	DropPolicy     DropPolicy
	Pacing         PacingMode
	PopTimeout     time.Duration
	AcquireTimeout time.Duration
	// StatsInterval is the period of the stats log line. 0 disables it.
	StatsInterval time.Duration
}

const (
	DefaultQueueCapacity  = 4
	DefaultWorkers        = 2
	DefaultPoolSize       = 8
	DefaultPopTimeout     = 100 * time.Millisecond
	DefaultAcquireTimeout = 50 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.QueueCapacity == 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.Workers == 0 {
		o.Workers = DefaultWorkers
	}
	if o.PoolSize == 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.MaxTransient == 0 {
		o.MaxTransient = o.Workers
	}
	if o.MaxTransient < 0 {
		o.MaxTransient = 0
	}
	if o.PopTimeout == 0 {
		o.PopTimeout = DefaultPopTimeout
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	return o
}

// Validate reports every unusable option at once.
func (o Options) Validate() error {
	var errs []error
	switch {
	case math.IsNaN(o.FPS) || math.IsInf(o.FPS, 0) || o.FPS <= 0:
		errs = append(errs, fmt.Errorf("fps must be a positive number, got %v", o.FPS))
	case o.Interval() <= 0:
		// Sub-nanosecond intervals would stall the pacer clock.
		errs = append(errs, fmt.Errorf("fps %v is too high", o.FPS))
	}
	if o.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("queue capacity must be positive, got %d", o.QueueCapacity))
	}
	if o.Workers < 0 {
		errs = append(errs, fmt.Errorf("worker count must be positive, got %d", o.Workers))
	}
	if o.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("pool size must be positive, got %d", o.PoolSize))
	}
	if o.PopTimeout < 0 || o.AcquireTimeout < 0 || o.StatsInterval < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

// Interval is the time between emission deadlines.
func (o Options) Interval() time.Duration {
	return time.Duration(float64(time.Second) / o.FPS)
}

// Relay moves frames from a capture source through a transform session to a
// sink. Ingest is called from the capture thread and never waits on the
// transform; a fixed set of workers drains the queue.
type Relay struct {
	ID uuid.UUID

	opts    Options
	log     *log.Entry
	queue   *FrameQueue
	pool    *BufferPool
	session *process.Session
	out     emitter

	stop   *util.Event
	ctx    context.Context
	cancel context.CancelFunc

	workers sync.WaitGroup
	emitWG  sync.WaitGroup
	loops   sync.WaitGroup

	lifeMu    sync.Mutex
	started   bool
	closeOnce sync.Once
	closeErr  error

	fmtMu  sync.Mutex
	format *source.Format
	seq    atomic.Uint64

	created   atomic.Uint64
	destroyed atomic.Uint64

	mu      sync.Mutex
	counts  counters
	dropLog rate.Sometimes
	errLog  rate.Sometimes
}

// counters are the per-frame failures seen by the relay itself. The queue,
// pool, session and emitter keep their own.
type counters struct {
	SizeMismatches   uint64
	ProcessingErrors uint64
	BufferFailures   uint64
	Transformed      uint64
	Discarded        uint64
	Renegotiations   uint64
}

// New builds a relay around session and s. The relay owns the session and
// closes it; the sink stays with the caller.
func New(session *process.Session, s sink.Sink, opts Options) (*Relay, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	id := uuid.New()
	logger := log.WithField("relay", id.String()[:8])
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		ID:      id,
		opts:    opts,
		log:     logger,
		queue:   NewFrameQueue(opts.QueueCapacity, opts.DropPolicy),
		pool:    NewBufferPool(opts.PoolSize, opts.MaxTransient, opts.AcquireTimeout),
		session: session,
		stop:    util.NewEvent(),
		ctx:     ctx,
		cancel:  cancel,
		dropLog: rate.Sometimes{Interval: time.Second},
		errLog:  rate.Sometimes{Interval: time.Second},
	}

	sinkLog := logger.WithField("stage", opts.Pacing.String())
	switch opts.Pacing {
	case Immediate:
		r.out = newForwarder(opts.Interval(), s, r.stop, sinkLog, time.Now())
	default:
		r.out = NewPacer(opts.Interval(), s, r.stop, sinkLog)
	}
	return r, nil
}

// Start launches the workers and the output stage. Frames ingested before
// Start wait in the queue.
func (r *Relay) Start() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.stop.HasBeenNotified() {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	r.log.WithFields(log.Fields{
		"workers":     r.opts.Workers,
		"queue":       r.opts.QueueCapacity,
		"pool":        r.opts.PoolSize,
		"transient":   r.opts.MaxTransient,
		"drop":        r.opts.DropPolicy,
		"pacing":      r.opts.Pacing,
		"fps":         r.opts.FPS,
		"concurrency": r.session.MaxConcurrency(),
	}).Info("Starting relay")

	r.emitWG.Add(1)
	go func() {
		defer r.emitWG.Done()
		r.out.Run()
	}()

	for i := 0; i < r.opts.Workers; i++ {
		r.workers.Add(1)
		go r.worker(i)
	}

	if r.opts.StatsInterval > 0 {
		r.loops.Add(1)
		go r.statsLoop()
	}
	return nil
}

// Ingest hands data to the relay without copying; the caller must not touch
// it afterwards. format is required on the first call and whenever it
// changes, and may be nil otherwise. Only format errors are fatal: a frame
// that cannot be queued is dropped and counted.
func (r *Relay) Ingest(data []byte, format *source.Format) error {
	return r.ingest(data, format, false)
}

// IngestCopy is Ingest for callers that reuse their buffer.
func (r *Relay) IngestCopy(data []byte, format *source.Format) error {
	return r.ingest(data, format, true)
}

func (r *Relay) ingest(data []byte, format *source.Format, copyData bool) error {
	if r.stop.HasBeenNotified() {
		r.mu.Lock()
		r.counts.Discarded++
		r.mu.Unlock()
		return ErrClosed
	}

	f, err := r.negotiate(format)
	if err != nil {
		return err
	}
	if len(data) != f.FrameSize() {
		r.mu.Lock()
		r.counts.SizeMismatches++
		n := r.counts.SizeMismatches
		r.mu.Unlock()
		r.errLog.Do(func() {
			r.log.Warnf("Dropping %d byte frame for %v (%d size mismatches)", len(data), f, n)
		})
		return fmt.Errorf("%w: got %d bytes, want %d for %v", process.ErrSizeMismatch, len(data), f.FrameSize(), f)
	}

	if copyData {
		data = append([]byte(nil), data...)
	}
	frame := source.NewFrame(r.seq.Add(1)-1, f, time.Now(), data, r.destroyFrame)
	r.created.Add(1)

	before := r.queue.Stats().Dropped
	if err := r.queue.Push(frame); err != nil {
		return err
	}
	if dropped := r.queue.Stats().Dropped; dropped > before {
		r.log.Debugf("Queue full, dropped oldest frame before %d", frame.Seq)
		r.dropLog.Do(func() {
			r.log.Warnf("Relay falling behind: %d frames dropped so far", dropped)
		})
	}
	return nil
}

func (r *Relay) destroyFrame(*source.Frame) {
	r.destroyed.Add(1)
}

// negotiate returns the format a frame should be processed with, validating
// and resizing the pool when it changes.
func (r *Relay) negotiate(format *source.Format) (source.Format, error) {
	r.fmtMu.Lock()
	defer r.fmtMu.Unlock()

	if format == nil {
		if r.format == nil {
			return source.Format{}, source.ErrNoFormat
		}
		return *r.format, nil
	}
	if r.format != nil && *r.format == *format {
		return *format, nil
	}
	if err := format.Validate(); err != nil {
		return source.Format{}, err
	}

	if r.format == nil {
		r.log.Infof("Negotiated format %v (%d bytes per frame)", *format, format.FrameSize())
	} else {
		r.log.Infof("Renegotiated format %v -> %v", *r.format, *format)
		r.mu.Lock()
		r.counts.Renegotiations++
		r.mu.Unlock()
	}
	f := *format
	r.format = &f
	r.pool.Resize(f.FrameSize())
	return f, nil
}

// Format returns the negotiated format, if any.
func (r *Relay) Format() (source.Format, bool) {
	r.fmtMu.Lock()
	defer r.fmtMu.Unlock()
	if r.format == nil {
		return source.Format{}, false
	}
	return *r.format, true
}

func (r *Relay) worker(id int) {
	defer r.workers.Done()
	logger := r.log.WithField("worker", id)
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for !r.stop.HasBeenNotified() {
		f, ok := r.queue.Pop(r.opts.PopTimeout)
		if !ok {
			continue
		}
		r.process(logger, f)
	}
}

// process runs one frame through the session. The input frame is always
// released here; the output buffer moves on to the emitter on success.
func (r *Relay) process(logger *log.Entry, f *source.Frame) {
	defer f.Release()

	buf, err := r.pool.Acquire()
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, ErrClosed) {
			r.counts.Discarded++
		} else {
			r.counts.BufferFailures++
		}
		n := r.counts.BufferFailures
		r.mu.Unlock()
		logger.Debugf("No output buffer for frame %d: %v", f.Seq, err)
		if !errors.Is(err, ErrClosed) {
			r.errLog.Do(func() {
				logger.Warnf("Output buffers exhausted (%d frames lost)", n)
			})
		}
		return
	}

	// A frame queued before a renegotiation no longer fits the pool.
	if len(buf.Data) != len(f.Data) {
		buf.Release()
		r.mu.Lock()
		r.counts.SizeMismatches++
		r.mu.Unlock()
		logger.Debugf("Frame %d predates format change, dropped", f.Seq)
		return
	}

	err = r.session.Run(r.ctx, buf.Data, f.Data, process.Meta{
		Format:      f.Format,
		Seq:         f.Seq,
		CaptureTime: f.CaptureTime,
	})
	if err != nil {
		buf.Release()
		r.mu.Lock()
		stopping := r.stop.HasBeenNotified()
		if stopping {
			r.counts.Discarded++
		} else {
			r.counts.ProcessingErrors++
		}
		n := r.counts.ProcessingErrors
		r.mu.Unlock()
		if !stopping {
			r.errLog.Do(func() {
				logger.Warnf("Transform failed on frame %d (%d failures): %v", f.Seq, n, err)
			})
		}
		return
	}

	r.mu.Lock()
	r.counts.Transformed++
	r.mu.Unlock()

	r.out.Offer(&Processed{
		Buffer:      buf,
		Format:      f.Format,
		Seq:         f.Seq,
		CaptureTime: f.CaptureTime,
	})
}

func (r *Relay) statsLoop() {
	defer r.loops.Done()
	t := time.NewTicker(r.opts.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop.Done():
			return
		case <-t.C:
			s := r.Stats()
			r.log.WithFields(log.Fields{
				"ingested":    s.Ingested,
				"dropped":     s.Dropped,
				"transformed": s.Transformed,
				"emitted":     s.Emitted,
				"skipped":     s.Skipped,
				"errors":      s.ProcessingErrors,
				"rejected":    s.SinkRejections,
				"depth":       s.Queue.Depth,
				"buffers":     s.LiveBuffers,
			}).Info("Relay stats")
		}
	}
}

// Close stops the relay and destroys every frame and buffer it still holds.
// In-flight transform calls are allowed to finish. Close is safe to call more
// than once and from any goroutine.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.lifeMu.Lock()
		r.stop.Notify()
		started := r.started
		r.lifeMu.Unlock()

		// Unblocks workers waiting for the session.
		r.cancel()
		r.workers.Wait()

		if started {
			r.emitWG.Wait()
		} else {
			// Returns at once; drops whatever a caller may have offered.
			r.out.Run()
		}
		r.loops.Wait()

		left := r.queue.Close()
		if err := r.session.Close(); err != nil {
			r.closeErr = fmt.Errorf("close transform: %w", err)
		}
		r.pool.Close()

		s := r.Stats()
		r.log.WithFields(log.Fields{
			"queued":    left,
			"ingested":  s.Ingested,
			"emitted":   s.Emitted,
			"dropped":   s.Dropped,
			"discarded": s.Discarded,
		}).Info("Relay closed")
	})
	return r.closeErr
}
