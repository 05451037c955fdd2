package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// Renderer draws detections onto a frame
type Renderer interface {
	Render(frame image.Image, objs []ai.Object) (image.Image, error)
}

// Detection is one object found in one frame. Confidence is nil when the
// detector did not report it; BBox is (x1, y1, x2, y2) or empty.
type Detection struct {
	FrameIndex int       `json:"frame"`
	ClassLabel string    `json:"class"`
	Confidence *float64  `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// VideoAnnotationResult is the outcome of a successful Annotate call.
// Detections are ordered by FrameIndex; UniqueClasses is the sorted set of
// their class labels.
type VideoAnnotationResult struct {
	OutputID      string      `json:"output_id"`
	UniqueClasses []string    `json:"unique_classes"`
	Detections    []Detection `json:"detections"`
	FrameCount    int         `json:"frame_count"`
}

// PipelineConfig configures a Pipeline. Nil openers default to ffmpeg.
type PipelineConfig struct {
	OutputDir  string
	OpenSource SourceOpener
	OpenSink   SinkOpener
}

// Pipeline runs detect and render over every frame of a video. A Pipeline
// may be used by concurrent Annotate calls as long as its Detector and
// Renderer are safe for concurrent use; each call owns its own source and
// sink.
type Pipeline struct {
	outputDir  string
	detector   ai.Detector
	renderer   Renderer
	openSource SourceOpener
	openSink   SinkOpener
	logger     *logger.Logger
}

// NewPipeline creates a Pipeline
func NewPipeline(cfg PipelineConfig, detector ai.Detector, renderer Renderer, log *logger.Logger) *Pipeline {
	if cfg.OpenSource == nil {
		cfg.OpenSource = NewSourceOpener(SourceOptions{})
	}
	if cfg.OpenSink == nil {
		cfg.OpenSink = NewSinkOpener(SinkOptions{})
	}
	return &Pipeline{
		outputDir:  cfg.OutputDir,
		detector:   detector,
		renderer:   renderer,
		openSource: cfg.OpenSource,
		openSink:   cfg.OpenSink,
		logger:     log,
	}
}

// OutputPath returns where Annotate writes the video for outputID
func (p *Pipeline) OutputPath(outputID string) string {
	return filepath.Join(p.outputDir, outputID)
}

// Annotate reads sourcePath frame by frame, detects and draws objects, and
// writes every frame to OutputPath(outputID) at the source's frame rate and
// size. It returns either a complete result or a *PipelineError; source and
// sink are closed before it returns on every path.
//
// ctx is checked before each frame. The frame in flight when ctx is
// cancelled is still detected, rendered and written.
func (p *Pipeline) Annotate(ctx context.Context, sourcePath, outputID string) (*VideoAnnotationResult, error) {
	log := p.logger.With("source", sourcePath, "output_id", outputID)
	start := time.Now()

	src, err := p.openSource(sourcePath)
	if err != nil {
		return nil, &PipelineError{Stage: StageOpenSource, Cause: withKind(ErrSourceUnavailable, err)}
	}

	sink, err := p.openSink(p.OutputPath(outputID), src.FrameRate(), src.Width(), src.Height())
	if err != nil {
		if cerr := src.Close(); cerr != nil {
			log.Warn("Failed to close source after sink error", "error", cerr)
		}
		return nil, &PipelineError{Stage: StageOpenSink, Cause: withKind(ErrSinkUnavailable, err)}
	}

	log.Debug("Annotating video",
		"fps", src.FrameRate(),
		"width", src.Width(),
		"height", src.Height(),
	)

	detections, frames, runErr := p.run(ctx, src, sink)
	closeErr := closeAll(src, sink)

	if runErr != nil {
		if closeErr != nil {
			log.Warn("Close failed after frame error", "error", closeErr)
		}
		log.Warn("Video annotation failed", "frame", frames, "error", runErr)
		return nil, &PipelineError{Stage: StageProcessFrame, Cause: runErr}
	}
	if closeErr != nil {
		errs := multierr.Errors(closeErr)
		if len(errs) > 1 {
			log.Warn("Multiple close failures", "error", closeErr)
		}
		return nil, &PipelineError{Stage: StageClose, Cause: withKind(ErrCloseFailure, errs[0])}
	}

	result := &VideoAnnotationResult{
		OutputID:      outputID,
		UniqueClasses: uniqueClasses(detections),
		Detections:    detections,
		FrameCount:    frames,
	}

	log.Info("Video annotated",
		"frames", frames,
		"detections", len(detections),
		"classes", result.UniqueClasses,
		"duration", time.Since(start),
	)
	return result, nil
}

// run processes frames until end of stream. It returns the frames fully
// written so far alongside any error.
func (p *Pipeline) run(ctx context.Context, src FrameSource, sink FrameSink) ([]Detection, int, error) {
	detections := make([]Detection, 0)
	// detector and renderer calls are never interrupted mid-frame
	callCtx := context.WithoutCancel(ctx)

	frameIndex := 0
	for {
		if err := ctx.Err(); err != nil {
			return detections, frameIndex, fmt.Errorf("cancelled before frame %d: %w", frameIndex, err)
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return detections, frameIndex, nil
		}
		if err != nil {
			return detections, frameIndex, withKind(ErrSourceUnavailable, fmt.Errorf("frame %d: %w", frameIndex, err))
		}

		objs, err := p.detector.Detect(callCtx, frame)
		if err != nil {
			return detections, frameIndex, withKind(ErrDetectorFailure, fmt.Errorf("frame %d: %w", frameIndex, err))
		}
		for _, obj := range objs {
			detections = append(detections, newDetection(frameIndex, obj))
		}

		annotated, err := p.renderer.Render(frame, objs)
		if err != nil {
			return detections, frameIndex, withKind(ErrRenderFailure, fmt.Errorf("frame %d: %w", frameIndex, err))
		}

		if err := sink.Write(annotated); err != nil {
			return detections, frameIndex, withKind(ErrSinkUnavailable, fmt.Errorf("frame %d: %w", frameIndex, err))
		}

		frameIndex++
	}
}

// closeAll closes both ends even when the first close fails
func closeAll(src FrameSource, sink FrameSink) error {
	return multierr.Combine(src.Close(), sink.Close())
}

func newDetection(frameIndex int, obj ai.Object) Detection {
	d := Detection{
		FrameIndex: frameIndex,
		ClassLabel: obj.ClassLabel,
		BBox:       []float64{},
	}
	if obj.Confidence != nil {
		c := *obj.Confidence
		d.Confidence = &c
	}
	if len(obj.BBox) > 0 {
		d.BBox = slices.Clone(obj.BBox)
	}
	return d
}

func uniqueClasses(detections []Detection) []string {
	classes := lo.Uniq(lo.Map(detections, func(d Detection, _ int) string {
		return d.ClassLabel
	}))
	slices.Sort(classes)
	return classes
}
