package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"camrelay/config"
	"camrelay/serve"
	"camrelay/video"
	"camrelay/video/process"
	"camrelay/video/sink"
	"camrelay/video/source"
)

var (
	configPath = flag.String("config", "", "Path to a JSON or YAML config file. Defaults are used when empty.")
	port       = flag.Int("port", 0, "Port for the HTTP endpoints. Overrides the config file.")
	logLevel   = flag.String("log-level", "", "Log level. Overrides the config file.")
)

func buildSource(c config.SourceConfig, relayFPS float64) (source.Source, error) {
	switch c.Kind {
	case "gstreamer":
		return source.NewGStreamer(c.Launch), nil
	case "opencv":
		return source.NewVideoCapture(c.URI, int(c.FPS)), nil
	default:
		pf, err := source.ParsePixelFormat(c.PixelFormat)
		if err != nil {
			return nil, err
		}
		fps := c.FPS
		if fps == 0 {
			fps = relayFPS
		}
		return source.NewPattern(source.Format{Width: c.Width, Height: c.Height, PixelFormat: pf}, int(fps)), nil
	}
}

func buildTransform(c config.TransformConfig) (process.Transform, error) {
	policy, err := process.ParseChromaPolicy(c.Chroma)
	if err != nil {
		return nil, err
	}

	var parts []process.Transform
	for _, name := range c.Chain {
		var lt process.LumaTransform
		switch name {
		case "identity":
			parts = append(parts, process.Identity{})
			continue
		case "equalize":
			lt = process.Equalize{}
		case "cv-equalize":
			lt = process.CVEqualize{}
		case "clahe":
			lt = process.NewCLAHE(c.CLAHEClipLimit, c.CLAHETileSize)
		case "timestamp":
			lt = process.Timestamp{Label: c.TimestampLabel}
		case "pipe":
			p, err := process.NewPipe(c.PipeCommand)
			if err != nil {
				return nil, err
			}
			lt = p
		default:
			return nil, fmt.Errorf("unknown transform %q", name)
		}
		parts = append(parts, process.Luma(lt, policy))
	}

	switch len(parts) {
	case 0:
		return process.Identity{}, nil
	case 1:
		return parts[0], nil
	}
	return process.Chain(parts...), nil
}

func buildSink(c config.SinkConfig, fps float64, mjpeg *sink.MJPEGServer) (sink.Sink, error) {
	switch c.Kind {
	case "ffmpeg":
		out := c.FFmpegArgs
		if len(out) == 0 {
			out = sink.DefaultFFmpegOutput(c.Path)
		}
		return sink.NewFFmpeg(sink.FFmpegOptions{
			Binary: c.FFmpegBinary,
			FPS:    fps,
			Output: out,
			Queue:  c.FFmpegQueue,
		}), nil
	case "gstreamer":
		launch := c.Launch
		if launch == "" {
			launch = sink.DefaultGStreamerLaunch(c.Path)
		}
		return sink.NewGStreamer(launch, fps), nil
	case "mjpeg":
		s, err := mjpeg.NewStream(c.MJPEGName)
		if err != nil {
			return nil, err
		}
		if c.MJPEGQuality > 0 {
			s.Quality = c.MJPEGQuality
		}
		return s, nil
	case "window":
		return sink.NewWindow("camrelay"), nil
	case "file":
		return sink.NewVideo(c.Path, c.Codec, fps), nil
	case "discard":
		return sink.Discard{}, nil
	}
	return nil, fmt.Errorf("unknown sink %q", c.Kind)
}

func relayOptions(c config.RelayConfig) (video.Options, error) {
	drop, err := video.ParseDropPolicy(c.DropPolicy)
	if err != nil {
		return video.Options{}, err
	}
	pacing, err := video.ParsePacingMode(c.Pacing)
	if err != nil {
		return video.Options{}, err
	}
	return video.Options{
		FPS:            c.FPS,
		QueueCapacity:  c.QueueCapacity,
		Workers:        c.Workers,
		PoolSize:       c.PoolSize,
		MaxTransient:   c.MaxTransient,
		DropPolicy:     drop,
		Pacing:         pacing,
		PopTimeout:     c.PopTimeout(),
		AcquireTimeout: c.AcquireTimeout(),
		StatsInterval:  c.StatsInterval(),
	}, nil
}

func setLogLevel(s string) {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		log.Errorf("Ignoring log level %q: %v", s, err)
		return
	}
	log.SetLevel(lvl)
}

func main() {
	flag.Parse()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *configPath != "" {
		if err := config.Load(ctx, *configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		config.Set(config.Defaults())
	}
	cfg := config.Get()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	setLogLevel(cfg.LogLevel)

	config.OnChange(func(prev, next *config.Config) {
		if *logLevel == "" && next.LogLevel != prev.LogLevel {
			log.Infof("Log level changed to %v", next.LogLevel)
			setLogLevel(next.LogLevel)
		}
		if config.RestartRequired(prev, next) {
			log.Warn("Config changed; restart to apply anything other than the log level")
		}
	})

	src, err := buildSource(cfg.Source, cfg.Relay.FPS)
	if err != nil {
		log.Fatalf("Invalid source: %v", err)
	}
	transform, err := buildTransform(cfg.Transform)
	if err != nil {
		log.Fatalf("Invalid transform: %v", err)
	}
	mjpegServer := sink.NewMJPEGServer()
	out, err := buildSink(cfg.Sink, cfg.Relay.FPS, mjpegServer)
	if err != nil {
		log.Fatalf("Invalid sink: %v", err)
	}
	opts, err := relayOptions(cfg.Relay)
	if err != nil {
		log.Fatalf("Invalid relay options: %v", err)
	}

	relay, err := video.New(process.NewSession(transform, cfg.Transform.MaxConcurrency), out, opts)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}
	if err := relay.Start(); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	prometheus.MustRegister(video.NewCollector(relay))
	statsws := serve.NewStatsUpdater(relay, time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/stats", &serve.StatsServer{Relay: relay})
	mux.Handle("/statsws", statsws)
	mux.Handle("/mjpeg", mjpegServer)
	mux.Handle("/debug/", http.DefaultServeMux)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: handlers.LoggingHandler(log.StandardLogger().WriterLevel(log.DebugLevel), mux),
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-sigs:
			log.Infof("Caught signal %v", sig)
		case <-gctx.Done():
		}
		cancel()
		return nil
	})
	g.Go(func() error {
		log.Infof("Serving HTTP on port %d", cfg.HTTP.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return server.Shutdown(sctx)
	})
	g.Go(func() error {
		return statsws.Run(gctx)
	})
	g.Go(func() error {
		err := src.Run(gctx, relay)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		log.Info("Source finished")
		// A finite source ends the process.
		cancel()
		return nil
	})

	runErr := g.Wait()

	if err := relay.Close(); err != nil {
		log.Errorf("Relay shutdown: %v", err)
	}
	out.Close()

	if runErr != nil {
		if source.IsFatal(runErr) {
			log.Fatalf("Stream format rejected: %v", runErr)
		}
		log.Fatalf("Exiting: %v", runErr)
	}
	log.Info("Shutdown complete")
}
