package video

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"camrelay/util"
	"camrelay/video/sink"
	"camrelay/video/source"
)

// PacingMode selects how transformed frames reach the sink.
type PacingMode int

const (
	// Paced releases at most one frame per frame interval on a fixed clock.
	Paced PacingMode = iota
	// Immediate forwards each frame as soon as a worker finishes it.
	Immediate
)

func (m PacingMode) String() string {
	switch m {
	case Paced:
		return "paced"
	case Immediate:
		return "immediate"
	}
	return fmt.Sprintf("PacingMode(%d)", int(m))
}

func ParsePacingMode(s string) (PacingMode, error) {
	switch strings.ToLower(s) {
	case "", "paced", "clock":
		return Paced, nil
	case "immediate", "direct":
		return Immediate, nil
	}
	return 0, fmt.Errorf("unknown pacing mode %q", s)
}

// Processed is a transformed frame waiting for emission. It owns its output
// buffer.
type Processed struct {
	Buffer      *Buffer
	Format      source.Format
	Seq         uint64
	CaptureTime time.Time
}

// Release returns the output buffer to its pool.
func (p *Processed) Release() {
	p.Buffer.Release()
}

// PacerState tracks where the pacer is in its emission cycle.
type PacerState int

const (
	PacerWaiting PacerState = iota
	PacerHasFrame
	PacerEmitted
	PacerSkipped
	PacerStopped
)

func (s PacerState) String() string {
	switch s {
	case PacerWaiting:
		return "waiting"
	case PacerHasFrame:
		return "has_frame"
	case PacerEmitted:
		return "emitted"
	case PacerSkipped:
		return "skipped"
	case PacerStopped:
		return "stopped"
	}
	return fmt.Sprintf("PacerState(%d)", int(s))
}

// EmitStats is a snapshot of the output stage.
type EmitStats struct {
	Mode       string        `json:"mode"`
	State      string        `json:"state"`
	Interval   time.Duration `json:"interval"`
	Emitted    uint64        `json:"emitted"`
	Skipped    uint64        `json:"skipped"`
	Superseded uint64        `json:"superseded"`
	Rejected   uint64        `json:"rejected"`
	Discarded  uint64        `json:"discarded"`
	LastPTS    time.Duration `json:"last_pts"`
}

// emitter is the stage after the worker pool.
type emitter interface {
	// Offer takes ownership of p. Nothing offered after the stop event fires
	// reaches the sink.
	Offer(p *Processed)
	// Run drives the stage until the stop event fires, then destroys anything
	// it holds.
	Run()
	Stats() EmitStats
}

// Pacer emits the most recently completed frame once per interval. A
// deadline with nothing ready is skipped and never made up later, and frames
// that complete between deadlines replace each other. Frames can therefore
// reach the sink out of capture order; that is intended.
type Pacer struct {
	interval  time.Duration
	sink      sink.Sink
	stop      *util.Event
	log       *log.Entry
	rejectLog rate.Sometimes

	mu    sync.Mutex
	slot  *Processed
	state PacerState
	epoch time.Time
	next  time.Time
	stats EmitStats
}

func NewPacer(interval time.Duration, s sink.Sink, stop *util.Event, logger *log.Entry) *Pacer {
	return &Pacer{
		interval:  interval,
		sink:      s,
		stop:      stop,
		log:       logger,
		rejectLog: rate.Sometimes{Interval: time.Second},
		stats: EmitStats{
			Mode:     Paced.String(),
			Interval: interval,
		},
	}
}

// Offer makes p the frame for the next deadline, replacing any frame already
// waiting.
func (p *Pacer) Offer(f *Processed) {
	p.mu.Lock()
	if p.state == PacerStopped || p.stop.HasBeenNotified() {
		p.stats.Discarded++
		p.mu.Unlock()
		f.Release()
		return
	}
	old := p.slot
	p.slot = f
	p.state = PacerHasFrame
	if old != nil {
		p.stats.Superseded++
	}
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// Run waits for each deadline in turn and emits.
func (p *Pacer) Run() {
	p.start(time.Now())
	for {
		if p.stop.HasBeenNotified() {
			p.shutdown()
			return
		}
		p.mu.Lock()
		next := p.next
		p.mu.Unlock()

		t := time.NewTimer(time.Until(next))
		select {
		case <-p.stop.Done():
			t.Stop()
			p.shutdown()
			return
		case now := <-t.C:
			p.tick(now)
		}
	}
}

// start anchors the clock: the first deadline is now.
func (p *Pacer) start(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch = now
	p.next = now
}

// tick handles the deadline that has come due at now.
func (p *Pacer) tick(now time.Time) {
	p.mu.Lock()
	// The timer can win the race against stop; the slot then belongs to
	// shutdown.
	if p.state == PacerStopped || p.stop.HasBeenNotified() {
		p.mu.Unlock()
		return
	}
	// Deadlines that passed entirely while we were late are lost slots.
	if late := now.Sub(p.next); late >= p.interval {
		missed := late / p.interval
		p.next = p.next.Add(missed * p.interval)
		p.stats.Skipped += uint64(missed)
	}
	deadline := p.next
	p.next = p.next.Add(p.interval)

	f := p.slot
	p.slot = nil
	if f == nil {
		p.stats.Skipped++
		p.state = PacerSkipped
		p.mu.Unlock()
		return
	}
	pts := deadline.Sub(p.epoch)
	p.state = PacerEmitted
	p.mu.Unlock()

	// The sink is called without the lock so workers can keep offering.
	err := p.sink.Put(sink.PacedFrame{
		Data:        f.Buffer.Data,
		Format:      f.Format,
		Seq:         f.Seq,
		CaptureTime: f.CaptureTime,
		PTS:         pts,
		Duration:    p.interval,
	})
	f.Release()

	p.mu.Lock()
	if err != nil {
		p.stats.Rejected++
		rejected := p.stats.Rejected
		p.rejectLog.Do(func() {
			p.log.Warnf("Sink rejected frame %d (%d rejected so far): %v", f.Seq, rejected, err)
		})
	} else {
		p.stats.Emitted++
		p.stats.LastPTS = pts
	}
	if p.state == PacerEmitted {
		p.state = PacerWaiting
	}
	p.mu.Unlock()
}

func (p *Pacer) shutdown() {
	p.mu.Lock()
	f := p.slot
	p.slot = nil
	p.state = PacerStopped
	if f != nil {
		p.stats.Discarded++
	}
	p.mu.Unlock()

	if f != nil {
		f.Release()
	}
}

func (p *Pacer) State() PacerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pacer) Stats() EmitStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.State = p.state.String()
	return s
}

// forwarder pushes frames straight to the sink from the worker that finished
// them. Completions that arrive behind a newer frame are dropped so the sink
// sees increasing timestamps.
type forwarder struct {
	interval  time.Duration
	sink      sink.Sink
	stop      *util.Event
	log       *log.Entry
	rejectLog rate.Sometimes
	epoch     time.Time

	mu      sync.Mutex
	stopped bool
	last    uint64
	stats   EmitStats
}

func newForwarder(interval time.Duration, s sink.Sink, stop *util.Event, logger *log.Entry, epoch time.Time) *forwarder {
	return &forwarder{
		interval:  interval,
		sink:      s,
		stop:      stop,
		log:       logger,
		rejectLog: rate.Sometimes{Interval: time.Second},
		epoch:     epoch,
		stats: EmitStats{
			Mode:     Immediate.String(),
			Interval: interval,
		},
	}
}

func (f *forwarder) Offer(p *Processed) {
	defer p.Release()

	// Held across Put: the sink sees one caller at a time.
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped || f.stop.HasBeenNotified() {
		f.stats.Discarded++
		return
	}
	if f.stats.Emitted > 0 && p.Seq <= f.last {
		f.stats.Superseded++
		return
	}
	pts := p.CaptureTime.Sub(f.epoch)
	if pts < 0 {
		pts = 0
	}
	err := f.sink.Put(sink.PacedFrame{
		Data:        p.Buffer.Data,
		Format:      p.Format,
		Seq:         p.Seq,
		CaptureTime: p.CaptureTime,
		PTS:         pts,
		Duration:    f.interval,
	})
	if err != nil {
		f.stats.Rejected++
		rejected := f.stats.Rejected
		f.rejectLog.Do(func() {
			f.log.Warnf("Sink rejected frame %d (%d rejected so far): %v", p.Seq, rejected, err)
		})
		return
	}
	f.last = p.Seq
	f.stats.Emitted++
	f.stats.LastPTS = pts
}

func (f *forwarder) Run() {
	f.stop.Wait()
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *forwarder) Stats() EmitStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.State = "forwarding"
	if f.stopped || f.stop.HasBeenNotified() {
		s.State = PacerStopped.String()
	}
	return s
}
