package video

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FrameSource yields the frames of one video in order. Next returns io.EOF
// once after the last frame. Close must be called exactly once by the owner;
// repeated calls are no-ops.
type FrameSource interface {
	Next() (image.Image, error)
	FrameRate() float64
	Width() int
	Height() int
	Close() error
}

// SourceOpener opens a FrameSource for a file
type SourceOpener func(path string) (FrameSource, error)

// SourceOptions configures the ffmpeg decoder
type SourceOptions struct {
	FFmpegPath string
}

// ffmpegSource decodes a container to rgb24 frames over a pipe
type ffmpegSource struct {
	info      *StreamInfo
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *tailBuffer
	frameSize int
	buf       []byte
	exhausted bool
	closed    bool
}

// NewSourceOpener returns a SourceOpener backed by ffmpeg
func NewSourceOpener(opts SourceOptions) SourceOpener {
	return func(path string) (FrameSource, error) {
		return OpenSource(path, opts)
	}
}

// OpenSource probes path and starts decoding it. Every failure wraps
// ErrSourceUnavailable.
func OpenSource(path string, opts SourceOptions) (FrameSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, withKind(ErrSourceUnavailable, err)
	}

	info, err := Probe(path)
	if err != nil {
		return nil, withKind(ErrSourceUnavailable, err)
	}

	// the decoder autorotates, so frames arrive at the display size that
	// Probe reports
	stream := ffmpeg.Input(path).Output("pipe:", ffmpeg.KwArgs{
		"map":     "0:v:0",
		"an":      "",
		"sn":      "",
		"vsync":   "passthrough",
		"format":  "rawvideo",
		"pix_fmt": "rgb24",
	})
	cmd := compile(stream, opts.FFmpegPath)

	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, withKind(ErrSourceUnavailable, fmt.Errorf("failed to create decoder pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, withKind(ErrSourceUnavailable, fmt.Errorf("failed to start decoder: %w", err))
	}

	frameSize := info.Width * info.Height * 3
	return &ffmpegSource{
		info:      info,
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		frameSize: frameSize,
		buf:       make([]byte, frameSize),
	}, nil
}

func (s *ffmpegSource) FrameRate() float64 { return s.info.FrameRate }
func (s *ffmpegSource) Width() int         { return s.info.Width }
func (s *ffmpegSource) Height() int        { return s.info.Height }

// Next reads one frame. A decoder that exits with an error surfaces here
// rather than as a silent end of stream.
func (s *ffmpegSource) Next() (image.Image, error) {
	if s.exhausted || s.closed {
		return nil, io.EOF
	}

	_, err := io.ReadFull(s.stdout, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.exhausted = true
		if werr := s.cmd.Wait(); werr != nil {
			return nil, withKind(ErrSourceUnavailable, fmt.Errorf("decoder failed: %w: %s", werr, s.stderr))
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.exhausted = true
		_ = s.cmd.Wait()
		return nil, withKind(ErrSourceUnavailable, fmt.Errorf("truncated frame: %s", s.stderr))
	default:
		return nil, withKind(ErrSourceUnavailable, fmt.Errorf("failed to read frame: %w", err))
	}

	return rgb24ToRGBA(s.buf, s.info.Width, s.info.Height), nil
}

// Close stops the decoder if frames are still pending and reaps it
func (s *ffmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.exhausted {
		return nil
	}

	// the decoder may be blocked writing to the pipe
	_ = s.stdout.Close()
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = s.cmd.Wait()
		return fmt.Errorf("failed to stop decoder: %w", err)
	}
	_ = s.cmd.Wait()
	return nil
}

func rgb24ToRGBA(src []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	dst := img.Pix
	for i, j := 0, 0; i+2 < len(src) && j+3 < len(dst); i, j = i+3, j+4 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
		dst[j+3] = 0xff
	}
	return img
}
