package video

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"os"
	"os/exec"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FrameSink encodes frames of one fixed size into a container. Close
// finalizes the file and must run on every exit path; repeated calls are
// no-ops.
type FrameSink interface {
	Write(frame image.Image) error
	Close() error
}

// SinkOpener opens a FrameSink at path
type SinkOpener func(path string, fps float64, width, height int) (FrameSink, error)

// SinkOptions configures the ffmpeg encoder
type SinkOptions struct {
	FFmpegPath string
	Encoder    string // default libx264
	Preset     string
	CRF        int
}

type ffmpegSink struct {
	path   string
	width  int
	height int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	buf    []byte
	closed bool
}

// NewSinkOpener returns a SinkOpener backed by ffmpeg
func NewSinkOpener(opts SinkOptions) SinkOpener {
	return func(path string, fps float64, width, height int) (FrameSink, error) {
		return OpenSink(path, fps, width, height, opts)
	}
}

// OpenSink starts an encoder writing an MP4 at path with the given frame
// rate and size. Every failure wraps ErrSinkUnavailable.
func OpenSink(path string, fps float64, width, height int, opts SinkOptions) (FrameSink, error) {
	if width <= 0 || height <= 0 {
		return nil, withKind(ErrSinkUnavailable, fmt.Errorf("invalid frame size %dx%d", width, height))
	}
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return nil, withKind(ErrSinkUnavailable, fmt.Errorf("invalid frame rate %v", fps))
	}

	// fail early on an unwritable destination instead of after the first frame
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, withKind(ErrSinkUnavailable, err)
	}
	f.Close()

	cmd := compile(encoderStream(path, fps, width, height, opts), opts.FFmpegPath)
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(path)
		return nil, withKind(ErrSinkUnavailable, fmt.Errorf("failed to create encoder pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, withKind(ErrSinkUnavailable, fmt.Errorf("failed to start encoder: %w", err))
	}

	return &ffmpegSink{
		path:   path,
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		buf:    make([]byte, width*height*3),
	}, nil
}

func encoderStream(path string, fps float64, width, height int, opts SinkOptions) *ffmpeg.Stream {
	encoder := opts.Encoder
	if encoder == "" {
		encoder = "libx264"
	}

	// 4:2:0 chroma needs even dimensions; odd sizes keep full chroma
	// rather than being padded or cropped
	pixFmt := "yuv420p"
	if width%2 != 0 || height%2 != 0 {
		pixFmt = "yuv444p"
	} else if encoder != "libx264" && encoder != "libx265" {
		// hardware encoders take system-memory nv12
		pixFmt = "nv12"
	}

	out := ffmpeg.KwArgs{
		"c:v":      encoder,
		"pix_fmt":  pixFmt,
		"movflags": "+faststart",
		"format":   "mp4",
	}
	if encoder == "libx264" || encoder == "libx265" {
		if opts.Preset != "" {
			out["preset"] = opts.Preset
		}
		if opts.CRF > 0 {
			out["crf"] = opts.CRF
		}
	}

	return ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgb24",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": formatRate(fps),
	}).Output(path, out).OverWriteOutput()
}

// Write sends one frame to the encoder. Frames must match the size given
// at open.
func (s *ffmpegSink) Write(frame image.Image) error {
	if s.closed {
		return withKind(ErrSinkUnavailable, errors.New("write to closed sink"))
	}
	if frame == nil {
		return withKind(ErrSinkUnavailable, errors.New("nil frame"))
	}
	b := frame.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return withKind(ErrSinkUnavailable, fmt.Errorf("frame size %dx%d does not match sink size %dx%d", b.Dx(), b.Dy(), s.width, s.height))
	}

	rgbaToRGB24(s.buf, frame)
	if _, err := s.stdin.Write(s.buf); err != nil {
		return withKind(ErrSinkUnavailable, fmt.Errorf("encoder write failed: %w: %s", err, s.stderr))
	}
	return nil
}

// Close flushes the encoder and waits for the container trailer
func (s *ffmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed for %s: %w: %s", s.path, err, s.stderr)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fmt.Errorf("failed to close encoder input: %w", closeErr)
	}
	return nil
}

// rgbaToRGB24 packs frame into dst as rgb24
func rgbaToRGB24(dst []byte, frame image.Image) {
	rgba, ok := frame.(*image.RGBA)
	if !ok || rgba.Bounds().Min != (image.Point{}) || rgba.Stride != 4*rgba.Bounds().Dx() {
		b := frame.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), frame, b.Min, draw.Src)
	}
	src := rgba.Pix
	for i, j := 0, 0; j+2 < len(dst) && i+3 < len(src); i, j = i+4, j+3 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
	}
}
