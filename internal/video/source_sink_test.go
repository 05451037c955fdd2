package video

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/vzahanych/view-guard-meta/detection/internal/ai"
	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/render"
)

func countFrames(t *testing.T, src FrameSource) int {
	t.Helper()
	n := 0
	for {
		_, err := src.Next()
		if errors.Is(err, io.EOF) {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestOpenSource_MissingFile(t *testing.T) {
	_, err := OpenSource(filepath.Join(t.TempDir(), "missing.mp4"), SourceOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestOpenSource_NotAVideo(t *testing.T) {
	setupTestFFmpeg(t)
	path := filepath.Join(t.TempDir(), "notes.mp4")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a container"), 0644))

	_, err := OpenSource(path, SourceOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestOpenSource_ReadsAllFrames(t *testing.T) {
	setupTestFFmpeg(t)
	path := makeTestVideo(t, t.TempDir(), 12, 64, 48, "12")

	src, err := OpenSource(path, SourceOptions{})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 64, src.Width())
	assert.Equal(t, 48, src.Height())
	assert.InDelta(t, 12.0, src.FrameRate(), 0.01)

	frame, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), frame.Bounds())

	assert.Equal(t, 11, countFrames(t, src))
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestOpenSource_CloseEarly(t *testing.T) {
	setupTestFFmpeg(t)
	path := makeTestVideo(t, t.TempDir(), 30, 64, 48, "30")

	src, err := OpenSource(path, SourceOptions{})
	require.NoError(t, err)
	_, err = src.Next()
	require.NoError(t, err)
	assert.NoError(t, src.Close())
}

// meanAbsDiff averages the per-channel difference of two equally sized images
func meanAbsDiff(a, b image.Image) float64 {
	bounds := a.Bounds()
	var sum float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			ar, ag, ab, _ := a.At(x, y).RGBA()
			br, bg, bb, _ := b.At(x-bounds.Min.X+b.Bounds().Min.X, y-bounds.Min.Y+b.Bounds().Min.Y).RGBA()
			sum += math.Abs(float64(ar>>8)-float64(br>>8)) +
				math.Abs(float64(ag>>8)-float64(bg>>8)) +
				math.Abs(float64(ab>>8)-float64(bb>>8))
		}
	}
	return sum / float64(bounds.Dx()*bounds.Dy()*3)
}

func TestOpenSource_RotatedInputUsesDisplaySize(t *testing.T) {
	setupTestFFmpeg(t)
	dir := t.TempDir()
	plain := makeTestVideo(t, dir, 3, 64, 48, "10")
	rotated := rotateTestVideo(t, plain)

	info, err := Probe(rotated)
	require.NoError(t, err)
	if info.Rotation == 0 {
		t.Skip("ffmpeg did not record a display rotation")
	}

	ref, err := OpenSource(plain, SourceOptions{})
	require.NoError(t, err)
	defer ref.Close()
	want, err := ref.Next()
	require.NoError(t, err)

	src, err := OpenSource(rotated, SourceOptions{})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 48, src.Width())
	assert.Equal(t, 64, src.Height())

	got, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, src.Width(), src.Height()), got.Bounds())

	// an upright frame matches the reference turned one way or the other;
	// a frame read at the wrong stride matches neither
	diff := math.Min(meanAbsDiff(got, imaging.Rotate90(want)), meanAbsDiff(got, imaging.Rotate270(want)))
	assert.Less(t, diff, 12.0)

	assert.Equal(t, 2, countFrames(t, src))
}

func TestOpenSink_Validation(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenSink(filepath.Join(dir, "a.mp4"), 25, 0, 10, SinkOptions{})
	assert.ErrorIs(t, err, ErrSinkUnavailable)

	_, err = OpenSink(filepath.Join(dir, "a.mp4"), 0, 10, 10, SinkOptions{})
	assert.ErrorIs(t, err, ErrSinkUnavailable)

	_, err = OpenSink(filepath.Join(dir, "no-such-dir", "a.mp4"), 25, 10, 10, SinkOptions{})
	assert.ErrorIs(t, err, ErrSinkUnavailable)
}

func TestSink_RejectsWrongSize(t *testing.T) {
	w := setupTestFFmpeg(t)
	if !w.IsEncoderAvailable("libx264") {
		t.Skip("libx264 not available")
	}

	sink, err := OpenSink(filepath.Join(t.TempDir(), "out.mp4"), 10, 32, 24, SinkOptions{})
	require.NoError(t, err)
	defer sink.Close()

	err = sink.Write(image.NewRGBA(image.Rect(0, 0, 33, 24)))
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Contains(t, err.Error(), "does not match sink size")
}

type boxDetector struct{}

func (boxDetector) Detect(ctx context.Context, img image.Image) ([]ai.Object, error) {
	conf := 0.75
	return []ai.Object{{ClassID: 1, ClassLabel: "pattern", Confidence: &conf, BBox: []float64{4, 4, 40, 30}}}, nil
}

func TestPipeline_EndToEndPreservesFramesAndSize(t *testing.T) {
	w := setupTestFFmpeg(t)
	if !w.IsEncoderAvailable("libx264") {
		t.Skip("libx264 not available")
	}
	dir := t.TempDir()
	input := makeTestVideo(t, dir, 10, 64, 48, "10")

	p := NewPipeline(PipelineConfig{
		OutputDir:  dir,
		OpenSource: NewSourceOpener(SourceOptions{FFmpegPath: w.Path()}),
		OpenSink:   NewSinkOpener(SinkOptions{FFmpegPath: w.Path(), Preset: "ultrafast", CRF: 23}),
	}, boxDetector{}, render.New(render.Config{}), logger.NewNopLogger())

	res, err := p.Annotate(context.Background(), input, "annotated.mp4")
	require.NoError(t, err)
	assert.Equal(t, 10, res.FrameCount)
	assert.Len(t, res.Detections, 10)
	assert.Equal(t, []string{"pattern"}, res.UniqueClasses)
	assert.Equal(t, 9, res.Detections[9].FrameIndex)

	out, err := OpenSource(p.OutputPath("annotated.mp4"), SourceOptions{})
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, 64, out.Width())
	assert.Equal(t, 48, out.Height())
	assert.InDelta(t, 10.0, out.FrameRate(), 0.01)

	assert.Equal(t, 10, countFrames(t, out))
}

func TestSink_CloseWithoutFramesWritesValidContainer(t *testing.T) {
	w := setupTestFFmpeg(t)
	if !w.IsEncoderAvailable("libx264") {
		t.Skip("libx264 not available")
	}
	path := filepath.Join(t.TempDir(), "empty.mp4")

	sink, err := OpenSink(path, 25, 64, 48, SinkOptions{FFmpegPath: w.Path(), Preset: "ultrafast"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.NoError(t, sink.Close())

	raw, err := ffmpeg.Probe(path)
	require.NoError(t, err, "empty output still carries container headers")

	var probe probeOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &probe))
	require.NotEmpty(t, probe.Streams)
	assert.Equal(t, "video", probe.Streams[0].CodecType)
	assert.Equal(t, 64, probe.Streams[0].Width)
	assert.Equal(t, 48, probe.Streams[0].Height)
}

// failingDetector fails on one frame index and boxes every other frame
type failingDetector struct {
	failAt int
	calls  int
}

func (d *failingDetector) Detect(ctx context.Context, img image.Image) ([]ai.Object, error) {
	idx := d.calls
	d.calls++
	if idx == d.failAt {
		return nil, errors.New("model crashed")
	}
	return boxDetector{}.Detect(ctx, img)
}

func TestPipeline_DetectorFailureReapsProcesses(t *testing.T) {
	w := setupTestFFmpeg(t)
	if !w.IsEncoderAvailable("libx264") {
		t.Skip("libx264 not available")
	}
	dir := t.TempDir()
	input := makeTestVideo(t, dir, 60, 64, 48, "30")

	var (
		source *ffmpegSource
		sink   *ffmpegSink
	)
	openSource := NewSourceOpener(SourceOptions{FFmpegPath: w.Path()})
	openSink := NewSinkOpener(SinkOptions{FFmpegPath: w.Path(), Preset: "ultrafast"})

	detector := &failingDetector{failAt: 3}
	p := NewPipeline(PipelineConfig{
		OutputDir: dir,
		OpenSource: func(path string) (FrameSource, error) {
			src, err := openSource(path)
			if err == nil {
				source = src.(*ffmpegSource)
			}
			return src, err
		},
		OpenSink: func(path string, fps float64, width, height int) (FrameSink, error) {
			snk, err := openSink(path, fps, width, height)
			if err == nil {
				sink = snk.(*ffmpegSink)
			}
			return snk, err
		},
	}, detector, render.New(render.Config{}), logger.NewNopLogger())

	res, err := p.Annotate(context.Background(), input, "broken.mp4")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDetectorFailure)
	assert.Equal(t, 4, detector.calls)

	require.NotNil(t, source)
	require.NotNil(t, sink)
	assert.NotNil(t, source.cmd.ProcessState, "decoder was waited on")
	assert.NotNil(t, sink.cmd.ProcessState, "encoder was waited on")
}

func TestEncoderStream_Args(t *testing.T) {
	args := encoderStream("/tmp/out.mp4", 29.97, 64, 48, SinkOptions{Preset: "fast", CRF: 20}).GetArgs()
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-f rawvideo")
	assert.Contains(t, joined, "-s 64x48")
	assert.Contains(t, joined, "-framerate 29.97")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-crf 20")
	assert.Contains(t, joined, "-preset fast")
	assert.Contains(t, joined, "-pix_fmt yuv420p")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-2])
}

func TestEncoderStream_OddSizeKeepsDimensions(t *testing.T) {
	args := strings.Join(encoderStream("/tmp/out.mp4", 25, 63, 47, SinkOptions{}).GetArgs(), " ")
	assert.Contains(t, args, "-s 63x47")
	assert.Contains(t, args, "-pix_fmt yuv444p")
	assert.NotContains(t, args, "-crf")
}

func TestEncoderStream_HardwareEncoderSkipsX264Options(t *testing.T) {
	args := strings.Join(encoderStream("/tmp/out.mp4", 25, 64, 48, SinkOptions{Encoder: "h264_nvenc", Preset: "slow", CRF: 18}).GetArgs(), " ")
	assert.Contains(t, args, "-c:v h264_nvenc")
	assert.NotContains(t, args, "-preset")
	assert.NotContains(t, args, "-crf")
}
