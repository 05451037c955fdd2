package video

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoders(t *testing.T) {
	enc := parseEncoders([]byte(sampleEncoders))
	assert.True(t, enc["libx264"])
	assert.True(t, enc["h264_nvenc"])
	assert.True(t, enc["aac"])
	assert.False(t, enc["="], "legend lines are skipped")
	assert.Len(t, enc, 3)
}

func TestGetPreferredEncoder(t *testing.T) {
	w := &FFmpegWrapper{encoders: map[string]bool{}}
	assert.Equal(t, "libx264", w.GetPreferredEncoder("h264"))
	assert.Equal(t, "libx265", w.GetPreferredEncoder("hevc"))
	assert.Equal(t, "mpeg4", w.GetPreferredEncoder("mpeg4"))

	w.hardwareAccel.IntelQSV = true
	assert.Equal(t, "h264_qsv", w.GetPreferredEncoder("h264"))

	w.hardwareAccel.NVIDIANVENC = true
	assert.Equal(t, "h264_nvenc", w.GetPreferredEncoder("h264"))
}

func TestFFmpegWrapper_Version(t *testing.T) {
	w := setupTestFFmpeg(t)
	version, err := w.GetVersion()
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(version, "ffmpeg"), version)
	assert.True(t, w.IsEncoderAvailable("rawvideo"))
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	tb.Write([]byte(strings.Repeat("a", stderrTailBytes)))
	tb.Write([]byte("tail"))
	assert.Len(t, tb.String(), stderrTailBytes)
	assert.True(t, strings.HasSuffix(tb.String(), "tail"))
}
