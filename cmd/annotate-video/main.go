package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/config"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/render"
	"github.com/vzahanych/view-guard-meta/detection/internal/video"
)

// annotate-video runs the annotation pipeline over one file and prints the
// result as JSON on stdout. Logs go to stderr.
func main() {
	var configPath, in, out string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&in, "in", "", "Input video")
	flag.StringVar(&out, "out", "", "Annotated MP4 to write")
	flag.Parse()

	if in == "" || out == "" {
		fmt.Fprintln(os.Stderr, "usage: annotate-video [-config cfg.yaml] -in input.mp4 -out output.mp4")
		os.Exit(2)
	}
	if err := checkPaths(in, out); err != nil {
		fmt.Fprintf(os.Stderr, "annotate-video: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := annotate(ctx, cfg, in, out, log)
	if err != nil {
		log.Error("Annotation failed", "input", in, "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write result: %v\n", err)
		os.Exit(1)
	}
}

// checkPaths rejects an output that would overwrite the input while it is
// still being decoded
func checkPaths(in, out string) error {
	absIn, err := filepath.Abs(in)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return err
	}
	if absIn == absOut {
		return fmt.Errorf("output %s is the input file", out)
	}

	inInfo, err := os.Stat(in)
	if err != nil {
		// reported by input validation
		return nil
	}
	if outInfo, err := os.Stat(out); err == nil && os.SameFile(inInfo, outInfo) {
		return fmt.Errorf("output %s is the input file", out)
	}
	return nil
}

// loadConfig falls back to defaults when no file is given or found
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.Load("")
		if err != nil {
			return config.Default(), nil
		}
		return cfg, nil
	}
	return config.Load(path)
}

func annotate(ctx context.Context, cfg *config.Config, in, out string, log *logger.Logger) (*video.VideoAnnotationResult, error) {
	ffmpegWrapper, err := video.NewFFmpegWrapper(cfg.Video.FFmpegPath, log)
	if err != nil {
		return nil, err
	}

	info, err := ffmpegWrapper.ValidateInput(in)
	if err != nil {
		return nil, err
	}
	log.Info("Input probed",
		"codec", info.Codec,
		"size", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"fps", info.FrameRate,
		"frames", info.Frames,
		"rotation", info.Rotation,
	)

	encoder := cfg.Video.Encoder
	if encoder == "" {
		encoder = ffmpegWrapper.GetPreferredEncoder("h264")
	}

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
		OutputDir:  filepath.Dir(out),
		OpenSource: video.NewSourceOpener(video.SourceOptions{FFmpegPath: ffmpegWrapper.Path()}),
		OpenSink: video.NewSinkOpener(video.SinkOptions{
			FFmpegPath: ffmpegWrapper.Path(),
			Encoder:    encoder,
			Preset:     cfg.Video.Preset,
			CRF:        cfg.Video.CRF,
		}),
	}, detector, renderer, log)

	return pipeline.Annotate(ctx, in, filepath.Base(out))
}
