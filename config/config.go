package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	log "github.com/sirupsen/logrus"

	"camrelay/video"
	"camrelay/video/process"
	"camrelay/video/source"
)

type SourceConfig struct {
	// Kind is one of pattern, gstreamer or opencv.
	Kind string `json:"kind" yaml:"kind"`
	// Launch is the gst-launch description for the gstreamer source.
	Launch string `json:"launch" yaml:"launch"`
	// URI is a device index, file or stream URL for the opencv source.
	URI string `json:"uri" yaml:"uri"`

	// Pattern source geometry.
	Width       int    `json:"width" yaml:"width"`
	Height      int    `json:"height" yaml:"height"`
	PixelFormat string `json:"pixel_format" yaml:"pixel_format"`
	// FPS is the capture rate of the pattern source and an optional cap on
	// the opencv source. 0 means the relay rate for pattern and uncapped for
	// opencv.
	FPS float64 `json:"fps" yaml:"fps"`
}

type RelayConfig struct {
	FPS              float64 `json:"fps" yaml:"fps"`
	QueueCapacity    int     `json:"queue_capacity" yaml:"queue_capacity"`
	Workers          int     `json:"workers" yaml:"workers"`
	PoolSize         int     `json:"pool_size" yaml:"pool_size"`
	MaxTransient     int     `json:"max_transient" yaml:"max_transient"`
	DropPolicy       string  `json:"drop_policy" yaml:"drop_policy"`
	Pacing           string  `json:"pacing" yaml:"pacing"`
	PopTimeoutMs     int     `json:"pop_timeout_ms" yaml:"pop_timeout_ms"`
	AcquireTimeoutMs int     `json:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
	StatsIntervalMs  int     `json:"stats_interval_ms" yaml:"stats_interval_ms"`
}

type TransformConfig struct {
	// Chain lists transforms applied in order: identity, equalize,
	// cv-equalize, clahe, timestamp, pipe.
	Chain  []string `json:"chain" yaml:"chain"`
	Chroma string   `json:"chroma" yaml:"chroma"`
	// MaxConcurrency caps simultaneous transform calls. 0 means no cap
	// beyond what the transforms themselves require.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	CLAHEClipLimit float64  `json:"clahe_clip_limit" yaml:"clahe_clip_limit"`
	CLAHETileSize  int      `json:"clahe_tile_size" yaml:"clahe_tile_size"`
	TimestampLabel string   `json:"timestamp_label" yaml:"timestamp_label"`
	PipeCommand    []string `json:"pipe_command" yaml:"pipe_command"`
}

type SinkConfig struct {
	// Kind is one of ffmpeg, gstreamer, mjpeg, window, file or discard.
	Kind string `json:"kind" yaml:"kind"`
	// Path is the output file for the default ffmpeg, gstreamer and file
	// outputs.
	Path string `json:"path" yaml:"path"`

	FFmpegBinary string `json:"ffmpeg_binary" yaml:"ffmpeg_binary"`
	// FFmpegArgs replaces the default output arguments when set.
	FFmpegArgs  []string `json:"ffmpeg_args" yaml:"ffmpeg_args"`
	FFmpegQueue int      `json:"ffmpeg_queue" yaml:"ffmpeg_queue"`

	// Launch replaces the default gstreamer output pipeline when set.
	Launch string `json:"launch" yaml:"launch"`
	Codec  string `json:"codec" yaml:"codec"`

	// MJPEGName is the stream name served at /mjpeg?name=.
	MJPEGName    string `json:"mjpeg_name" yaml:"mjpeg_name"`
	MJPEGQuality int    `json:"mjpeg_quality" yaml:"mjpeg_quality"`
}

type HTTPConfig struct {
	Port int `json:"port" yaml:"port"`
}

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Transform TransformConfig `json:"transform" yaml:"transform"`
	Sink      SinkConfig      `json:"sink" yaml:"sink"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
}

// Defaults returns a configuration that runs without any hardware: a test
// pattern, equalized, served as MJPEG.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			Kind:        "pattern",
			Width:       640,
			Height:      480,
			PixelFormat: "I420",
		},
		Relay: RelayConfig{
			FPS:              30,
			QueueCapacity:    video.DefaultQueueCapacity,
			Workers:          video.DefaultWorkers,
			PoolSize:         video.DefaultPoolSize,
			DropPolicy:       video.DropOldest.String(),
			Pacing:           video.Paced.String(),
			PopTimeoutMs:     int(video.DefaultPopTimeout / time.Millisecond),
			AcquireTimeoutMs: int(video.DefaultAcquireTimeout / time.Millisecond),
			StatsIntervalMs:  10000,
		},
		Transform: TransformConfig{
			Chain:          []string{"equalize"},
			Chroma:         process.ChromaPassThrough.String(),
			CLAHEClipLimit: 2,
			CLAHETileSize:  8,
		},
		Sink: SinkConfig{
			Kind:         "mjpeg",
			Path:         "relay.mp4",
			FFmpegQueue:  4,
			MJPEGName:    "relay",
			MJPEGQuality: 80,
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
	}
}

func (r RelayConfig) PopTimeout() time.Duration {
	return time.Duration(r.PopTimeoutMs) * time.Millisecond
}

func (r RelayConfig) AcquireTimeout() time.Duration {
	return time.Duration(r.AcquireTimeoutMs) * time.Millisecond
}

func (r RelayConfig) StatsInterval() time.Duration {
	return time.Duration(r.StatsIntervalMs) * time.Millisecond
}

var (
	sourceKinds    = []string{"pattern", "gstreamer", "opencv"}
	sinkKinds      = []string{"ffmpeg", "gstreamer", "mjpeg", "window", "file", "discard"}
	transformNames = []string{"identity", "equalize", "cv-equalize", "clahe", "timestamp", "pipe"}
)

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Validate checks c and returns every problem found joined together.
func Validate(c *Config) error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	s := c.Source
	if !oneOf(s.Kind, sourceKinds) {
		errs = append(errs, fmt.Errorf("source.kind %q must be one of %v", s.Kind, sourceKinds))
	}
	switch s.Kind {
	case "pattern":
		pf, err := source.ParsePixelFormat(s.PixelFormat)
		if err != nil {
			errs = append(errs, fmt.Errorf("source.pixel_format: %w", err))
		} else if err := (source.Format{Width: s.Width, Height: s.Height, PixelFormat: pf}).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
	case "gstreamer":
		if s.Launch == "" {
			errs = append(errs, errors.New("source.launch is required for the gstreamer source"))
		}
	case "opencv":
		if s.URI == "" {
			errs = append(errs, errors.New("source.uri is required for the opencv source"))
		}
	}
	if s.FPS < 0 {
		errs = append(errs, fmt.Errorf("source.fps must not be negative, got %v", s.FPS))
	}

	r := c.Relay
	if _, err := video.ParseDropPolicy(r.DropPolicy); err != nil {
		errs = append(errs, fmt.Errorf("relay.drop_policy: %w", err))
	}
	if _, err := video.ParsePacingMode(r.Pacing); err != nil {
		errs = append(errs, fmt.Errorf("relay.pacing: %w", err))
	}
	if err := (video.Options{
		FPS:            r.FPS,
		QueueCapacity:  r.QueueCapacity,
		Workers:        r.Workers,
		PoolSize:       r.PoolSize,
		PopTimeout:     r.PopTimeout(),
		AcquireTimeout: r.AcquireTimeout(),
		StatsInterval:  r.StatsInterval(),
	}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}

	t := c.Transform
	for _, name := range t.Chain {
		if !oneOf(name, transformNames) {
			errs = append(errs, fmt.Errorf("transform.chain: unknown transform %q", name))
		}
		if name == "pipe" && len(t.PipeCommand) == 0 {
			errs = append(errs, errors.New("transform.pipe_command is required for the pipe transform"))
		}
	}
	if _, err := process.ParseChromaPolicy(t.Chroma); err != nil {
		errs = append(errs, fmt.Errorf("transform.chroma: %w", err))
	}
	if t.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("transform.max_concurrency must not be negative, got %d", t.MaxConcurrency))
	}

	k := c.Sink
	if !oneOf(k.Kind, sinkKinds) {
		errs = append(errs, fmt.Errorf("sink.kind %q must be one of %v", k.Kind, sinkKinds))
	}
	if (k.Kind == "file" || (k.Kind == "ffmpeg" && len(k.FFmpegArgs) == 0) || (k.Kind == "gstreamer" && k.Launch == "")) && k.Path == "" {
		errs = append(errs, fmt.Errorf("sink.path is required for the %s sink", k.Kind))
	}
	if k.Kind == "mjpeg" && k.MJPEGName == "" {
		errs = append(errs, errors.New("sink.mjpeg_name is required for the mjpeg sink"))
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	return errors.Join(errs...)
}

// RestartRequired reports whether moving from a to b changes anything that
// only takes effect on restart.
func RestartRequired(a, b *Config) bool {
	x, y := *a, *b
	x.LogLevel, y.LogLevel = "", ""
	return !reflect.DeepEqual(x, y)
}
