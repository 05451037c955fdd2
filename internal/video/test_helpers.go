package video

import (
	"fmt"
	"path/filepath"
	"testing"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

func setupTestFFmpeg(t *testing.T) *FFmpegWrapper {
	t.Helper()
	w, err := NewFFmpegWrapper("", logger.NewNopLogger())
	if err != nil {
		t.Skipf("FFmpeg not available, skipping test: %v", err)
	}
	return w
}

// makeTestVideo renders frames of the lavfi test pattern into an MPEG-4
// file and returns its path
func makeTestVideo(t *testing.T, dir string, frames, width, height int, fps string) string {
	t.Helper()
	path := filepath.Join(dir, "input.mp4")
	src := ffmpeg.Input(
		fmt.Sprintf("testsrc=size=%dx%d:rate=%s", width, height, fps),
		ffmpeg.KwArgs{"f": "lavfi"},
	)
	err := src.Output(path, ffmpeg.KwArgs{
		"frames:v": frames,
		"c:v":      "mpeg4",
		"pix_fmt":  "yuv420p",
	}).OverWriteOutput().Run()
	if err != nil {
		t.Fatalf("Failed to create test video: %v", err)
	}
	return path
}

// rotateTestVideo stream-copies src with a 90 degree display rotation.
// Older ffmpeg builds only honour the rotate metadata tag.
func rotateTestVideo(t *testing.T, src string) string {
	t.Helper()
	dst := filepath.Join(filepath.Dir(src), "rotated.mp4")

	err := ffmpeg.Input(src, ffmpeg.KwArgs{"display_rotation": "90"}).
		Output(dst, ffmpeg.KwArgs{"c": "copy"}).
		OverWriteOutput().Run()
	if err != nil {
		err = ffmpeg.Input(src).
			Output(dst, ffmpeg.KwArgs{"c": "copy", "metadata:s:v:0": "rotate=90"}).
			OverWriteOutput().Run()
	}
	if err != nil {
		t.Fatalf("Failed to create rotated test video: %v", err)
	}
	return dst
}
