package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/samber/lo"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/service"
	"github.com/vzahanych/view-guard-meta/detection/internal/state"
	"github.com/vzahanych/view-guard-meta/detection/internal/storage"
	"github.com/vzahanych/view-guard-meta/detection/internal/video"
)

// ImageDetector runs inference on a single image, retrying transient failures
type ImageDetector interface {
	DetectWithRetry(ctx context.Context, img image.Image, maxRetries int, retryDelay time.Duration) ([]ai.Object, error)
}

// Annotator turns one input video into an annotated output video
type Annotator interface {
	Annotate(ctx context.Context, sourcePath, outputID string) (*video.VideoAnnotationResult, error)
}

// Renderer draws detections onto an image
type Renderer interface {
	Render(img image.Image, objs []ai.Object) (image.Image, error)
}

// Config contains processor configuration
type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxConcurrent int // concurrent video runs
	JPEGQuality   int
}

// ImageInput is an image given either by URL or as an uploaded file
type ImageInput struct {
	URL      string
	Filename string
	Body     io.Reader
}

// VideoInput is a video given either by URL or as an uploaded file
type VideoInput struct {
	URL      string
	Filename string
	Body     io.Reader
}

// Result describes one completed run. Paths are relative to the media root.
type Result struct {
	RecordID   int64    `json:"db_record_id"`
	InputPath  string   `json:"input_path"`
	OutputPath string   `json:"output_path"`
	SourceType string   `json:"source_type"`
	Classes    []string `json:"classes"`
}

// ImageDetection is one entry of an image run's detailed results
type ImageDetection struct {
	ClassLabel string    `json:"class"`
	Confidence *float64  `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// Processor stores inputs, runs detection and persists history records
type Processor struct {
	*service.ServiceBase
	config    Config
	detector  ImageDetector
	renderer  Renderer
	annotator Annotator
	media     *storage.Storage
	history   state.Store

	videoSlots chan struct{}
	inflight   sync.WaitGroup
}

// NewProcessor creates a new detection processor
func NewProcessor(
	cfg Config,
	detector ImageDetector,
	renderer Renderer,
	annotator Annotator,
	media *storage.Storage,
	history state.Store,
	log *logger.Logger,
) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 95
	}
	return &Processor{
		ServiceBase: service.NewServiceBase("detection-processor", log),
		config:      cfg,
		detector:    detector,
		renderer:    renderer,
		annotator:   annotator,
		media:       media,
		history:     history,
		videoSlots:  make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start marks the processor as accepting work
func (p *Processor) Start(ctx context.Context) error {
	p.GetStatus().SetStatus(service.StatusRunning)
	p.LogInfo("Detection processor started", "max_concurrent_videos", p.config.MaxConcurrent)
	return nil
}

// Stop waits for in-flight runs to finish or ctx to expire
func (p *Processor) Stop(ctx context.Context) error {
	p.GetStatus().SetStatus(service.StatusStopping)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight detections: %w", ctx.Err())
	}

	p.GetStatus().SetStatus(service.StatusStopped)
	p.LogInfo("Detection processor stopped")
	return nil
}

// ProcessImage stores the input image, detects objects, saves the annotated
// copy under the same unique name and records the run
func (p *Processor) ProcessImage(ctx context.Context, in ImageInput) (*Result, error) {
	p.inflight.Add(1)
	defer p.inflight.Done()
	start := time.Now()

	inputRel, sourceType, err := p.saveInput(ctx, storage.KindInputImage, in.URL, in.Filename, in.Body)
	if err != nil {
		return nil, err
	}

	result, err := p.processImage(ctx, inputRel, sourceType)
	if err != nil {
		p.discard(inputRel)
		p.publishFailed(sourceType, err)
		return nil, err
	}

	p.publishCompleted(result, time.Since(start))
	return result, nil
}

func (p *Processor) processImage(ctx context.Context, inputRel, sourceType string) (*Result, error) {
	inputPath, err := p.media.Path(inputRel)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, badRequest("failed to decode image", err)
	}
	bounds := img.Bounds()
	shape := fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy())

	objs, err := p.detector.DetectWithRetry(ctx, img, p.config.MaxRetries, p.config.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", video.ErrDetectorFailure, err)
	}

	annotated, err := p.renderer.Render(img, objs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", video.ErrRenderFailure, err)
	}

	name := path.Base(inputRel)
	if _, err := imaging.FormatFromFilename(name); err != nil {
		name += ".jpg"
	}
	outputRel := storage.RelPath(storage.KindOutputImage, name)
	outputPath, err := p.media.Path(outputRel)
	if err != nil {
		return nil, err
	}
	if err := imaging.Save(annotated, outputPath, imaging.JPEGQuality(p.config.JPEGQuality)); err != nil {
		// Save creates the file before encoding into it
		p.discard(outputRel)
		return nil, fmt.Errorf("failed to save annotated image: %w", err)
	}

	details := lo.Map(objs, func(obj ai.Object, _ int) ImageDetection {
		return ImageDetection{ClassLabel: obj.ClassLabel, Confidence: obj.Confidence, BBox: bboxOrEmpty(obj.BBox)}
	})
	classes := lo.Uniq(lo.Map(objs, func(obj ai.Object, _ int) string { return obj.ClassLabel }))

	rec, err := p.record(ctx, path.Base(inputRel), shape, classes, outputRel, inputRel, sourceType, details)
	if err != nil {
		p.discard(outputRel)
		return nil, err
	}

	return &Result{
		RecordID:   rec.ID,
		InputPath:  inputRel,
		OutputPath: outputRel,
		SourceType: sourceType,
		Classes:    state.SplitClasses(rec.ClassesFromImg),
	}, nil
}

// ProcessVideo stores the input video, annotates every frame and records the
// run. On any failure the partial output is removed and nothing is recorded.
func (p *Processor) ProcessVideo(ctx context.Context, in VideoInput) (*Result, error) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	select {
	case p.videoSlots <- struct{}{}:
		defer func() { <-p.videoSlots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	start := time.Now()

	inputRel, _, err := p.saveInput(ctx, storage.KindInputVideo, in.URL, in.Filename, in.Body)
	if err != nil {
		return nil, err
	}

	result, err := p.processVideo(ctx, inputRel)
	if err != nil {
		p.discard(inputRel)
		p.publishFailed(state.SourceVideo, err)
		return nil, err
	}

	p.publishCompleted(result, time.Since(start))
	return result, nil
}

func (p *Processor) processVideo(ctx context.Context, inputRel string) (*Result, error) {
	inputPath, err := p.media.Path(inputRel)
	if err != nil {
		return nil, err
	}

	name := path.Base(inputRel)
	outputID := strings.TrimSuffix(name, path.Ext(name)) + ".mp4"
	outputRel := storage.RelPath(storage.KindOutputVideo, outputID)

	annotated, err := p.annotator.Annotate(ctx, inputPath, outputID)
	if err != nil {
		p.discard(outputRel)
		return nil, err
	}

	rec, err := p.record(ctx, name, state.ShapeVideo, annotated.UniqueClasses, outputRel, inputRel, state.SourceVideo, annotated.Detections)
	if err != nil {
		p.discard(outputRel)
		return nil, err
	}

	return &Result{
		RecordID:   rec.ID,
		InputPath:  inputRel,
		OutputPath: outputRel,
		SourceType: state.SourceVideo,
		Classes:    annotated.UniqueClasses,
	}, nil
}

// saveInput stores an uploaded or downloaded input. Exactly one of rawURL
// and body must be set.
func (p *Processor) saveInput(ctx context.Context, kind storage.Kind, rawURL, filename string, body io.Reader) (string, string, error) {
	switch {
	case rawURL != "" && body != nil:
		return "", "", badRequest("give either a url or a file", ErrAmbiguousInput)
	case rawURL != "":
		rel, err := p.media.Download(ctx, kind, rawURL)
		if err != nil {
			return "", "", badRequest("failed to download "+mediaNoun(kind), err)
		}
		return rel, sourceFor(kind, state.SourceURL), nil
	case body != nil:
		rel, err := p.media.SaveUpload(kind, filename, body)
		if errors.Is(err, storage.ErrTooLarge) {
			return "", "", badRequest("uploaded "+mediaNoun(kind)+" is too large", err)
		}
		if err != nil {
			return "", "", err
		}
		return rel, sourceFor(kind, state.SourceFile), nil
	default:
		return "", "", badRequest("no "+mediaNoun(kind)+" provided", ErrNoInput)
	}
}

func (p *Processor) record(
	ctx context.Context,
	name, shape string,
	classes []string,
	outputRel, inputRel, sourceType string,
	details interface{},
) (*state.DetectionHistory, error) {
	detailed, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detailed results: %w", err)
	}

	rec := &state.DetectionHistory{
		ImageName:       name,
		Shape:           shape,
		ClassesFromImg:  state.JoinClasses(classes),
		Path:            outputRel,
		InputPath:       inputRel,
		SourceType:      sourceType,
		DetailedResults: detailed,
	}
	if err := p.history.CreateDetection(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record detection: %w", err)
	}
	return rec, nil
}

func (p *Processor) discard(rel string) {
	if err := p.media.Remove(rel); err != nil {
		p.LogWarn("Failed to remove media", "path", rel, "error", err)
	}
}

func (p *Processor) publishCompleted(r *Result, took time.Duration) {
	p.PublishEvent(service.EventTypeDetectionCompleted, map[string]interface{}{
		"record_id":   r.RecordID,
		"source_type": r.SourceType,
		"classes":     r.Classes,
		"output":      r.OutputPath,
		"duration_ms": took.Milliseconds(),
	})
}

func (p *Processor) publishFailed(sourceType string, err error) {
	data := map[string]interface{}{
		"source_type": sourceType,
		"error":       err.Error(),
	}
	var perr *video.PipelineError
	if errors.As(err, &perr) {
		data["stage"] = string(perr.Stage)
	}
	p.PublishEvent(service.EventTypeDetectionFailed, data)
}

func sourceFor(kind storage.Kind, source string) string {
	if kind == storage.KindInputVideo {
		return state.SourceVideo
	}
	return source
}

func mediaNoun(kind storage.Kind) string {
	if kind == storage.KindInputVideo {
		return "video"
	}
	return "image"
}

func bboxOrEmpty(b []float64) []float64 {
	if b == nil {
		return []float64{}
	}
	return b
}
