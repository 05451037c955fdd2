package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/config"
	"github.com/vzahanych/view-guard-meta/detection/internal/detection"
	"github.com/vzahanych/view-guard-meta/detection/internal/health"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/render"
	"github.com/vzahanych/view-guard-meta/detection/internal/service"
	"github.com/vzahanych/view-guard-meta/detection/internal/state"
	"github.com/vzahanych/view-guard-meta/detection/internal/storage"
	"github.com/vzahanych/view-guard-meta/detection/internal/video"
	"github.com/vzahanych/view-guard-meta/detection/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	// Load configuration
	cfgSvc, err := config.NewService(configPath, logger.NewNopLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	cfgSvc.SetLogger(log)

	log.Info("Starting detection service",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	if err := run(cfgSvc, log); err != nil {
		log.Error("Detection service failed", "error", err)
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

func run(cfgSvc *config.Service, log *logger.Logger) error {
	cfg := cfgSvc.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ffmpeg is only needed for video; images keep working without it
	sourceOpts := video.SourceOptions{FFmpegPath: cfg.Video.FFmpegPath}
	sinkOpts := video.SinkOptions{
		FFmpegPath: cfg.Video.FFmpegPath,
		Encoder:    cfg.Video.Encoder,
		Preset:     cfg.Video.Preset,
		CRF:        cfg.Video.CRF,
	}
	ffmpegWrapper, err := video.NewFFmpegWrapper(cfg.Video.FFmpegPath, log)
	if err != nil {
		log.Warn("Video processing unavailable", "error", err)
	} else {
		sourceOpts.FFmpegPath = ffmpegWrapper.Path()
		sinkOpts.FFmpegPath = ffmpegWrapper.Path()
		if sinkOpts.Encoder == "" {
			sinkOpts.Encoder = ffmpegWrapper.GetPreferredEncoder("h264")
		}
		log.Info("Video encoder selected", "encoder", sinkOpts.Encoder)
	}

	media, err := storage.NewStorage(storage.Config{
		MediaRoot:       cfg.Storage.MediaRoot,
		MediaURL:        cfg.Storage.MediaURL,
		MaxUploadBytes:  cfg.Storage.MaxUploadBytes,
		DownloadTimeout: cfg.Storage.DownloadTimeout,
		MaxDiskUsage:    cfg.Storage.MaxDiskUsage,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize media storage: %w", err)
	}

	history, err := state.Open(ctx, cfg.History, log)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Error("Failed to close history store", "error", err)
		}
	}()

	detector := ai.NewClient(ai.ClientConfig{
		ServiceURL:          cfg.Detector.ServiceURL,
		Timeout:             cfg.Detector.Timeout,
		ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
		EnabledClasses:      cfg.Detector.EnabledClasses,
		JPEGQuality:         cfg.Detector.JPEGQuality,
	}, log)
	renderer := render.New(render.Config{
		LineWidth: cfg.Render.LineWidth,
		FontSize:  cfg.Render.FontSize,
	})

	pipeline := video.NewPipeline(video.PipelineConfig{
		OutputDir:  filepath.Join(media.Root(), string(storage.KindOutputVideo)),
		OpenSource: video.NewSourceOpener(sourceOpts),
		OpenSink:   video.NewSinkOpener(sinkOpts),
	}, detector, renderer, log)

	processor := detection.NewProcessor(detection.Config{
		MaxRetries:    cfg.Detector.MaxRetries,
		RetryDelay:    cfg.Detector.RetryDelay,
		MaxConcurrent: cfg.Video.MaxConcurrent,
		JPEGQuality:   cfg.Detector.JPEGQuality,
	}, detector, renderer, pipeline, media, history, log)

	svcMgr := service.NewManager(log)

	// Health checks
	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(history, cfg.History.Driver))
	healthMgr.RegisterChecker(health.NewDetectorChecker(detector, cfg.Detector.ServiceURL))
	healthMgr.RegisterChecker(health.NewStorageChecker(media, media.Root()))
	if ffmpegWrapper != nil {
		healthMgr.RegisterChecker(health.NewFFmpegChecker(ffmpegWrapper))
	} else {
		healthMgr.RegisterChecker(health.NewFFmpegChecker(nil))
	}

	webServer := web.NewServer(cfg.Server, processor, history, media, log)
	webServer.SetVersion(version)
	webServer.SetHealth(healthMgr)
	webServer.SetDetector(detector)

	// Services start in order and stop in reverse: the web server stops
	// accepting requests before the processor drains
	svcMgr.Register(processor)
	if cfg.Storage.RetentionDays > 0 {
		svcMgr.Register(storage.NewRetentionService(
			media, history, cfg.Storage.RetentionDays, cfg.Storage.RetentionInterval, log,
		))
	}
	if cfg.Health.GRPCPort != 0 {
		svcMgr.Register(health.NewGRPCServer(
			fmt.Sprintf(":%d", cfg.Health.GRPCPort), healthMgr, cfg.Health.CheckInterval, log,
		))
	}
	svcMgr.Register(webServer)

	go logEvents(ctx, svcMgr.GetEventBus(), log)

	if err := svcMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			// Only settings read per request take effect without a restart
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Configuration reload failed", "error", err)
			}
			continue
		}
		log.Info("Received shutdown signal", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}

// logEvents reports detection outcomes and health transitions
func logEvents(ctx context.Context, bus *service.EventBus, log *logger.Logger) {
	completed := bus.Subscribe(service.EventTypeDetectionCompleted)
	failed := bus.Subscribe(service.EventTypeDetectionFailed)
	sweeps := bus.Subscribe(service.EventTypeRetentionSweep)
	healthChanges := bus.Subscribe(service.EventTypeHealthChanged)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-completed:
			if !ok {
				return
			}
			log.Info("Detection completed",
				"record_id", ev.Data["record_id"],
				"source_type", ev.Data["source_type"],
				"classes", ev.Data["classes"],
				"duration_ms", ev.Data["duration_ms"],
			)
		case ev, ok := <-failed:
			if !ok {
				return
			}
			log.Warn("Detection failed",
				"source_type", ev.Data["source_type"],
				"stage", ev.Data["stage"],
				"error", ev.Data["error"],
			)
		case ev, ok := <-sweeps:
			if !ok {
				return
			}
			log.Info("Retention sweep finished",
				"records_deleted", ev.Data["records_deleted"],
				"files_deleted", ev.Data["files_deleted"],
			)
		case ev, ok := <-healthChanges:
			if !ok {
				return
			}
			log.Info("Health changed", "from", ev.Data["previous"], "to", ev.Data["status"])
		}
	}
}
