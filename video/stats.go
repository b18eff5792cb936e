package video

import (
	"github.com/prometheus/client_golang/prometheus"

	"camrelay/video/process"
)

// Stats is a point-in-time view of a relay.
type Stats struct {
	ID     string `json:"id"`
	Format string `json:"format"`

	Ingested uint64 `json:"ingested"`
	// Dropped counts frames evicted from a full queue.
	Dropped          uint64 `json:"dropped"`
	SizeMismatches   uint64 `json:"size_mismatches"`
	ProcessingErrors uint64 `json:"processing_errors"`
	BufferFailures   uint64 `json:"buffer_failures"`
	Transformed      uint64 `json:"transformed"`
	Emitted          uint64 `json:"emitted"`
	Skipped          uint64 `json:"skipped"`
	Superseded       uint64 `json:"superseded"`
	SinkRejections   uint64 `json:"sink_rejections"`
	Discarded        uint64 `json:"discarded"`
	Renegotiations   uint64 `json:"renegotiations"`

	// LiveFrames is ingested frames not yet destroyed.
	LiveFrames  uint64 `json:"live_frames"`
	LiveBuffers int    `json:"live_buffers"`
	PacerState  string `json:"pacer_state"`

	Queue   QueueStats           `json:"queue"`
	Pool    PoolStats            `json:"pool"`
	Session process.SessionStats `json:"session"`
	Output  EmitStats            `json:"output"`
}

func (r *Relay) Stats() Stats {
	s := Stats{
		ID:      r.ID.String(),
		Queue:   r.queue.Stats(),
		Pool:    r.pool.Stats(),
		Session: r.session.Stats(),
		Output:  r.out.Stats(),
	}
	if f, ok := r.Format(); ok {
		s.Format = f.String()
	}

	r.mu.Lock()
	c := r.counts
	r.mu.Unlock()

	// Read destroyed first so a concurrent release cannot make it pass created.
	destroyed := r.destroyed.Load()
	s.Ingested = r.created.Load()
	s.LiveFrames = s.Ingested - destroyed

	s.Dropped = s.Queue.Dropped
	s.SizeMismatches = c.SizeMismatches
	s.ProcessingErrors = c.ProcessingErrors
	s.BufferFailures = c.BufferFailures
	s.Transformed = c.Transformed
	s.Renegotiations = c.Renegotiations
	s.Emitted = s.Output.Emitted
	s.Skipped = s.Output.Skipped
	s.Superseded = s.Output.Superseded
	s.SinkRejections = s.Output.Rejected
	s.Discarded = c.Discarded + s.Queue.Discarded + s.Output.Discarded
	s.LiveBuffers = s.Pool.Live()
	s.PacerState = s.Output.State
	return s
}

// Collector exports relay stats to Prometheus. Each scrape takes one
// snapshot.
type Collector struct {
	r *Relay

	counters []metricDesc
	gauges   []metricDesc
}

type metricDesc struct {
	desc  *prometheus.Desc
	value func(Stats) float64
}

func NewCollector(r *Relay) *Collector {
	labels := prometheus.Labels{"relay": r.ID.String()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("camrelay_"+name, help, nil, labels)
	}
	return &Collector{
		r: r,
		counters: []metricDesc{
			{desc("frames_ingested_total", "Frames accepted by Ingest."), func(s Stats) float64 { return float64(s.Ingested) }},
			{desc("frames_dropped_total", "Frames evicted from a full queue."), func(s Stats) float64 { return float64(s.Dropped) }},
			{desc("frames_transformed_total", "Frames the transform completed."), func(s Stats) float64 { return float64(s.Transformed) }},
			{desc("frames_emitted_total", "Frames accepted by the sink."), func(s Stats) float64 { return float64(s.Emitted) }},
			{desc("frames_superseded_total", "Completed frames replaced before emission."), func(s Stats) float64 { return float64(s.Superseded) }},
			{desc("frames_discarded_total", "Frames destroyed at shutdown."), func(s Stats) float64 { return float64(s.Discarded) }},
			{desc("slots_skipped_total", "Emission deadlines with no frame ready."), func(s Stats) float64 { return float64(s.Skipped) }},
			{desc("processing_errors_total", "Failed transform calls."), func(s Stats) float64 { return float64(s.ProcessingErrors) }},
			{desc("size_mismatches_total", "Frames whose payload did not match the format."), func(s Stats) float64 { return float64(s.SizeMismatches) }},
			{desc("buffer_failures_total", "Frames lost to an exhausted buffer pool."), func(s Stats) float64 { return float64(s.BufferFailures) }},
			{desc("sink_rejections_total", "Frames the sink refused."), func(s Stats) float64 { return float64(s.SinkRejections) }},
			{desc("transient_buffers_total", "Buffers allocated outside the pool."), func(s Stats) float64 { return float64(s.Pool.TransientAllocs) }},
		},
		gauges: []metricDesc{
			{desc("queue_depth", "Frames waiting for a worker."), func(s Stats) float64 { return float64(s.Queue.Depth) }},
			{desc("queue_capacity", "Queue capacity."), func(s Stats) float64 { return float64(s.Queue.Capacity) }},
			{desc("live_frames", "Frames not yet destroyed."), func(s Stats) float64 { return float64(s.LiveFrames) }},
			{desc("live_buffers", "Output buffers in memory."), func(s Stats) float64 { return float64(s.LiveBuffers) }},
			{desc("transform_peak_concurrency", "Most transform calls seen at once."), func(s Stats) float64 { return float64(s.Session.PeakConcurrency) }},
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.gauges {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.r.Stats()
	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, d.value(s))
	}
	for _, d := range c.gauges {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.value(s))
	}
}
