package video

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// StreamInfo describes the first video stream of a container
type StreamInfo struct {
	Codec     string
	Width     int
	Height    int
	FrameRate float64
	// Frames is the container's frame count, 0 when unknown
	Frames   int
	Duration float64
	// Rotation is the display rotation in degrees, normalized to [0, 360).
	// Width and Height are already swapped for 90 and 270 since the decoder
	// autorotates.
	Rotation int
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			SideDataType string   `json:"side_data_type"`
			Rotation     *float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe on path and returns its first video stream
func Probe(path string) (*StreamInfo, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out string) (*StreamInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("video stream has invalid size %dx%d", s.Width, s.Height)
		}

		fps, ok := parseRational(s.RFrameRate)
		if !ok {
			fps, ok = parseRational(s.AvgFrameRate)
		}
		if !ok {
			return nil, fmt.Errorf("video stream has no usable frame rate (r=%q avg=%q)", s.RFrameRate, s.AvgFrameRate)
		}

		info := &StreamInfo{
			Codec:     s.CodecName,
			Width:     s.Width,
			Height:    s.Height,
			FrameRate: fps,
		}

		// display matrix side data wins over the legacy rotate tag
		rotation := 0.0
		if r, err := strconv.ParseFloat(s.Tags.Rotate, 64); err == nil {
			rotation = r
		}
		for _, sd := range s.SideDataList {
			if sd.Rotation != nil {
				rotation = *sd.Rotation
				break
			}
		}
		info.Rotation = normalizeRotation(rotation)
		if info.Rotation == 90 || info.Rotation == 270 {
			info.Width, info.Height = info.Height, info.Width
		}

		if n, err := strconv.Atoi(s.NbFrames); err == nil {
			info.Frames = n
		}
		dur := s.Duration
		if dur == "" {
			dur = probe.Format.Duration
		}
		if d, err := strconv.ParseFloat(dur, 64); err == nil {
			info.Duration = d
		}
		return info, nil
	}

	return nil, fmt.Errorf("no video stream found")
}

// normalizeRotation rounds to the nearest quarter turn in [0, 360)
func normalizeRotation(deg float64) int {
	r := int(math.Round(deg/90)) * 90 % 360
	if r < 0 {
		r += 360
	}
	return r
}

// parseRational parses ffprobe rates such as "30000/1001" or "25"
func parseRational(s string) (float64, bool) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, false
		}
	}
	if d == 0 || n <= 0 {
		return 0, false
	}
	v := n / d
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// formatRate renders fps for ffmpeg's -framerate option
func formatRate(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
