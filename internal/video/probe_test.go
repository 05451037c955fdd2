package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbe = `{
  "streams": [
    {"index": 0, "codec_type": "audio", "codec_name": "aac"},
    {"index": 1, "codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720,
     "r_frame_rate": "30000/1001", "avg_frame_rate": "30000/1001", "nb_frames": "300", "duration": "10.010000"}
  ],
  "format": {"duration": "10.020000"}
}`

func TestParseProbe(t *testing.T) {
	info, err := parseProbe(sampleProbe)
	require.NoError(t, err)

	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.InDelta(t, 29.97, info.FrameRate, 0.001)
	assert.Equal(t, 300, info.Frames)
	assert.InDelta(t, 10.01, info.Duration, 1e-9)
}

func TestParseProbe_FallsBackToAverageRate(t *testing.T) {
	info, err := parseProbe(`{"streams":[{"codec_type":"video","width":2,"height":2,"r_frame_rate":"0/0","avg_frame_rate":"25/1"}],"format":{"duration":"1.5"}}`)
	require.NoError(t, err)
	assert.Equal(t, 25.0, info.FrameRate)
	assert.Equal(t, 0, info.Frames)
	assert.Equal(t, 1.5, info.Duration)
}

func TestParseProbe_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"not json", "nope", "failed to parse ffprobe output"},
		{"audio only", `{"streams":[{"codec_type":"audio"}]}`, "no video stream found"},
		{"bad size", `{"streams":[{"codec_type":"video","width":0,"height":10,"r_frame_rate":"25/1"}]}`, "invalid size"},
		{"no rate", `{"streams":[{"codec_type":"video","width":4,"height":4,"r_frame_rate":"0/0","avg_frame_rate":"0/0"}]}`, "no usable frame rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseProbe(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRational(t *testing.T) {
	v, ok := parseRational("25")
	assert.True(t, ok)
	assert.Equal(t, 25.0, v)

	v, ok = parseRational("24000/1001")
	assert.True(t, ok)
	assert.InDelta(t, 23.976, v, 0.001)

	for _, bad := range []string{"", "0/0", "x/1", "1/y", "-5/1"} {
		_, ok := parseRational(bad)
		assert.False(t, ok, bad)
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "25", formatRate(25))
	assert.Equal(t, "29.97", formatRate(29.97))
}

func TestParseProbe_DisplayMatrixSwapsSize(t *testing.T) {
	info, err := parseProbe(`{"streams":[{"codec_type":"video","width":1920,"height":1080,"r_frame_rate":"30/1",
		"side_data_list":[{"side_data_type":"Display Matrix","displaymatrix":"...","rotation":-90}]}]}`)
	require.NoError(t, err)
	assert.Equal(t, 270, info.Rotation)
	assert.Equal(t, 1080, info.Width)
	assert.Equal(t, 1920, info.Height)
}

func TestParseProbe_RotateTag(t *testing.T) {
	info, err := parseProbe(`{"streams":[{"codec_type":"video","width":640,"height":360,"r_frame_rate":"25/1","tags":{"rotate":"90"}}]}`)
	require.NoError(t, err)
	assert.Equal(t, 90, info.Rotation)
	assert.Equal(t, 360, info.Width)
	assert.Equal(t, 640, info.Height)
}

func TestParseProbe_UpsideDownKeepsSize(t *testing.T) {
	info, err := parseProbe(`{"streams":[{"codec_type":"video","width":640,"height":360,"r_frame_rate":"25/1",
		"side_data_list":[{"side_data_type":"Display Matrix","rotation":180}]}]}`)
	require.NoError(t, err)
	assert.Equal(t, 180, info.Rotation)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
}

func TestNormalizeRotation(t *testing.T) {
	tests := map[float64]int{0: 0, 90: 90, -90: 270, 180: 180, -180: 180, 270: 270, 360: 0, -270: 90, 89.9: 90}
	for in, want := range tests {
		assert.Equal(t, want, normalizeRotation(in), "rotation %v", in)
	}
}
