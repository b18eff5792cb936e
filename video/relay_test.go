package video

import (
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"camrelay/video/process"
	"camrelay/video/source"
)

func newTestRelay(t *testing.T, tr process.Transform, ceiling int, opts Options) (*Relay, *recorder) {
	t.Helper()
	if opts.FPS == 0 {
		opts.FPS = 100
	}
	rec := &recorder{}
	r, err := New(process.NewSession(tr, ceiling), rec, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertClean(t *testing.T, r *Relay) {
	t.Helper()
	s := r.Stats()
	if s.LiveFrames != 0 {
		t.Errorf("%d of %d frames never destroyed", s.LiveFrames, s.Ingested)
	}
	if s.LiveBuffers != 0 {
		t.Errorf("%d output buffers left: %+v", s.LiveBuffers, s.Pool)
	}
}

func TestRelayForwardsNewestFramesAfterOverload(t *testing.T) {
	r, rec := newTestRelay(t, process.Identity{}, 1, Options{
		QueueCapacity: 4,
		Workers:       1,
		Pacing:        Immediate,
	})

	for i := 0; i < 10; i++ {
		data := make([]byte, gray4.FrameSize())
		data[0] = byte(i)
		var f *source.Format
		if i == 0 {
			f = &gray4
		}
		if err := r.Ingest(data, f); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	if s := r.Stats(); s.Queue.Depth != 4 || s.Dropped != 6 {
		t.Fatalf("before start: depth %d dropped %d", s.Queue.Depth, s.Dropped)
	}

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "4 emissions", func() bool { return r.Stats().Emitted == 4 })

	got := rec.got()
	for i, f := range got {
		want := uint64(6 + i)
		if f.Seq != want || f.Data[0] != byte(want) {
			t.Errorf("output %d is frame %d (payload %d), want %d", i, f.Seq, f.Data[0], want)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	s := r.Stats()
	if s.Ingested != 10 || s.Dropped != 6 || s.Transformed != 4 {
		t.Errorf("unexpected stats %+v", s)
	}
	assertClean(t, r)
}

func TestRelayRateLimitsDropWarnings(t *testing.T) {
	hook := test.NewGlobal()
	t.Cleanup(func() { log.StandardLogger().ReplaceHooks(make(log.LevelHooks)) })

	r, _ := newTestRelay(t, process.Identity{}, 1, Options{QueueCapacity: 1})
	for i := 0; i < 20; i++ {
		var f *source.Format
		if i == 0 {
			f = &gray4
		}
		if err := r.Ingest(make([]byte, gray4.FrameSize()), f); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	if s := r.Stats(); s.Dropped != 19 {
		t.Fatalf("dropped %d, want 19", s.Dropped)
	}

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, "falling behind") {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("logged %d drop warnings for one burst, want 1", warnings)
	}
}

func TestRelayFormatErrors(t *testing.T) {
	r, _ := newTestRelay(t, process.Identity{}, 0, Options{})

	err := r.Ingest(make([]byte, 4), nil)
	if !errors.Is(err, source.ErrNoFormat) || !source.IsFatal(err) {
		t.Errorf("Ingest without format = %v", err)
	}

	odd := source.Format{Width: 3, Height: 2, PixelFormat: source.FormatI420}
	err = r.Ingest(make([]byte, 9), &odd)
	if !errors.Is(err, source.ErrInvalidFormat) || !source.IsFatal(err) {
		t.Errorf("Ingest with odd I420 = %v", err)
	}
	if _, ok := r.Format(); ok {
		t.Error("invalid format was negotiated")
	}
}

func TestRelaySizeMismatchIsPerFrame(t *testing.T) {
	r, _ := newTestRelay(t, process.Identity{}, 0, Options{})

	err := r.Ingest(make([]byte, 3), &gray4)
	if !errors.Is(err, process.ErrSizeMismatch) || source.IsFatal(err) {
		t.Errorf("short frame = %v", err)
	}
	if err := r.Ingest(make([]byte, 4), nil); err != nil {
		t.Errorf("next frame rejected: %v", err)
	}
	s := r.Stats()
	if s.SizeMismatches != 1 || s.Ingested != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRelayRenegotiation(t *testing.T) {
	r, rec := newTestRelay(t, process.Identity{}, 0, Options{Pacing: Immediate, Workers: 1})
	r.Start()

	small := source.Format{Width: 2, Height: 2, PixelFormat: source.FormatI420}
	big := source.Format{Width: 4, Height: 4, PixelFormat: source.FormatNV12}

	if err := r.Ingest(make([]byte, small.FrameSize()), &small); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first frame", func() bool { return r.Stats().Emitted == 1 })
	if err := r.Ingest(make([]byte, big.FrameSize()), &big); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second frame", func() bool { return r.Stats().Emitted == 2 })

	got := rec.got()
	if got[1].Format != big || len(got[1].Data) != big.FrameSize() {
		t.Errorf("second frame emitted as %v with %d bytes", got[1].Format, len(got[1].Data))
	}
	s := r.Stats()
	if s.Renegotiations != 1 || s.Pool.BufferSize != big.FrameSize() {
		t.Errorf("unexpected stats %+v", s)
	}
	r.Close()
	assertClean(t, r)
}

func TestRelayCountsTransformFailures(t *testing.T) {
	var calls atomic.Int32
	fail := process.TransformFunc(func(dst, src []byte, m process.Meta) error {
		if calls.Add(1)%2 == 1 {
			return errors.New("accelerator hiccup")
		}
		copy(dst, src)
		return nil
	})
	r, _ := newTestRelay(t, fail, 1, Options{Pacing: Immediate, Workers: 1, QueueCapacity: 8})

	r.Ingest(make([]byte, 4), &gray4)
	for i := 0; i < 3; i++ {
		r.Ingest(make([]byte, 4), nil)
	}
	r.Start()
	waitFor(t, "all frames", func() bool {
		s := r.Stats()
		return s.ProcessingErrors+s.Transformed == 4
	})

	s := r.Stats()
	if s.ProcessingErrors != 2 || s.Emitted != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
	r.Close()
	assertClean(t, r)
}

func TestRelaySerializesSingleSessionAcrossWorkers(t *testing.T) {
	var active, peak atomic.Int32
	slow := process.TransformFunc(func(dst, src []byte, m process.Meta) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		copy(dst, src)
		active.Add(-1)
		return nil
	})
	r, _ := newTestRelay(t, slow, 1, Options{Workers: 4, QueueCapacity: 16})
	r.Start()

	r.Ingest(make([]byte, 4), &gray4)
	for i := 0; i < 40; i++ {
		r.Ingest(make([]byte, 4), nil)
		time.Sleep(500 * time.Microsecond)
	}
	waitFor(t, "queue drain", func() bool { return r.Stats().Queue.Depth == 0 })
	r.Close()

	if p := peak.Load(); p != 1 {
		t.Errorf("%d concurrent transform calls, want 1", p)
	}
	if p := r.Stats().Session.PeakConcurrency; p != 1 {
		t.Errorf("session peak %d", p)
	}
	assertClean(t, r)
}

func TestRelayBoundedMemory(t *testing.T) {
	slow := process.TransformFunc(func(dst, src []byte, m process.Meta) error {
		time.Sleep(time.Millisecond)
		copy(dst, src)
		return nil
	})
	opts := Options{QueueCapacity: 4, Workers: 2, PoolSize: 3, MaxTransient: 1}
	r, _ := newTestRelay(t, slow, 0, opts)
	r.Start()

	r.Ingest(make([]byte, 4), &gray4)
	for i := 0; i < 500; i++ {
		r.Ingest(make([]byte, 4), nil)
		s := r.Stats()
		if max := uint64(opts.QueueCapacity + opts.Workers); s.LiveFrames > max {
			t.Fatalf("%d frames alive, bound is %d", s.LiveFrames, max)
		}
		if max := opts.PoolSize + opts.MaxTransient; s.LiveBuffers > max {
			t.Fatalf("%d buffers alive, bound is %d", s.LiveBuffers, max)
		}
		if s.Queue.Depth > opts.QueueCapacity {
			t.Fatalf("queue depth %d", s.Queue.Depth)
		}
	}
	r.Close()
	assertClean(t, r)
}

func TestRelayPacedOutput(t *testing.T) {
	r, rec := newTestRelay(t, process.Identity{}, 1, Options{FPS: 50, Workers: 2})
	r.Start()

	start := time.Now()
	r.Ingest(make([]byte, 4), &gray4)
	for time.Since(start) < 200*time.Millisecond {
		r.Ingest(make([]byte, 4), nil)
		time.Sleep(2 * time.Millisecond)
	}
	r.Close()
	elapsed := time.Since(start)

	got := rec.got()
	if len(got) == 0 {
		t.Fatal("nothing emitted")
	}
	interval := 20 * time.Millisecond
	if max := int(elapsed/interval) + 1; len(got) > max {
		t.Errorf("%d emissions in %v, want at most %d", len(got), elapsed, max)
	}
	for i := 1; i < len(got); i++ {
		if d := got[i].PTS - got[i-1].PTS; d <= 0 || d%interval != 0 {
			t.Errorf("PTS step %v", d)
		}
	}
	assertClean(t, r)
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	closed := make(chan struct{}, 2)
	tr := &closeCounter{closed: closed}
	r, _ := newTestRelay(t, tr, 0, Options{})
	r.Ingest(make([]byte, 4), &gray4)
	r.Ingest(make([]byte, 4), nil)

	for i := 0; i < 3; i++ {
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if len(closed) != 1 {
		t.Errorf("transform closed %d times", len(closed))
	}
	if err := r.Ingest(make([]byte, 4), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Ingest after Close = %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v", err)
	}
	s := r.Stats()
	if s.PacerState != PacerStopped.String() {
		t.Errorf("pacer state %s", s.PacerState)
	}
	assertClean(t, r)
}

type closeCounter struct {
	process.Identity
	closed chan struct{}
}

func (c *closeCounter) Close() error {
	c.closed <- struct{}{}
	return nil
}

func TestOptionsValidate(t *testing.T) {
	err := Options{FPS: 0, Workers: -1, PopTimeout: -time.Second}.Validate()
	if err == nil {
		t.Fatal("bad options accepted")
	}
	for _, want := range []string{"fps", "worker", "timeouts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if err := (Options{FPS: 30}).Validate(); err != nil {
		t.Errorf("default options rejected: %v", err)
	}

	for _, fps := range []float64{math.Inf(1), math.Inf(-1), math.NaN(), 2e9, -1} {
		if err := (Options{FPS: fps}).Validate(); err == nil {
			t.Errorf("fps %v accepted", fps)
		}
	}
	if _, err := New(process.NewSession(process.Identity{}, 1), &recorder{}, Options{FPS: math.Inf(1)}); err == nil {
		t.Error("New accepted an infinite frame rate")
	}
}
