package video

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// FFmpegWrapper locates the ffmpeg binary and knows which encoders it offers
type FFmpegWrapper struct {
	logger        *logger.Logger
	ffmpegPath    string
	hardwareAccel HardwareAcceleration
	encoders      map[string]bool
	mu            sync.RWMutex
}

// HardwareAcceleration represents available hardware encoders
type HardwareAcceleration struct {
	IntelQSV    bool // Intel Quick Sync Video
	NVIDIANVENC bool // NVIDIA NVENC
	Software    bool // always true
}

// NewFFmpegWrapper finds ffmpeg (preferring path when non-empty) and
// inspects its encoder list
func NewFFmpegWrapper(path string, log *logger.Logger) (*FFmpegWrapper, error) {
	w := &FFmpegWrapper{
		logger:   log,
		encoders: make(map[string]bool),
	}

	ffmpegPath, err := detectFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	w.ffmpegPath = ffmpegPath

	encoders, err := w.listEncoders()
	if err != nil {
		log.Warn("Failed to list ffmpeg encoders", "error", err)
	} else {
		w.encoders = encoders
	}
	w.hardwareAccel = w.detectHardwareAcceleration()

	log.Info("FFmpeg wrapper initialized",
		"path", w.ffmpegPath,
		"intel_qsv", w.hardwareAccel.IntelQSV,
		"nvidia_nvenc", w.hardwareAccel.NVIDIANVENC,
	)

	return w, nil
}

func detectFFmpeg(preferred string) (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if preferred != "" {
		paths = append([]string{preferred}, paths...)
	}

	for _, path := range paths {
		resolved, err := exec.LookPath(path)
		if err != nil {
			continue
		}
		if err := exec.Command(resolved, "-version").Run(); err == nil {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// listEncoders parses `ffmpeg -encoders`. Encoder lines look like
// " V....D libx264   libx264 H.264 / AVC ..."
func (f *FFmpegWrapper) listEncoders() (map[string]bool, error) {
	out, err := exec.Command(f.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get encoders: %w", err)
	}
	return parseEncoders(out), nil
}

func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	pastHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !pastHeader {
			pastHeader = strings.HasPrefix(line, "---")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

func (f *FFmpegWrapper) detectHardwareAcceleration() HardwareAcceleration {
	accel := HardwareAcceleration{Software: true}

	if f.encoders["h264_qsv"] && exec.Command("vainfo").Run() == nil {
		accel.IntelQSV = true
	}
	if f.encoders["h264_nvenc"] && exec.Command("nvidia-smi").Run() == nil {
		accel.NVIDIANVENC = true
	}
	return accel
}

// Path returns the resolved ffmpeg binary
func (f *FFmpegWrapper) Path() string {
	return f.ffmpegPath
}

func (f *FFmpegWrapper) GetHardwareAcceleration() HardwareAcceleration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hardwareAccel
}

// IsEncoderAvailable reports whether ffmpeg lists the encoder
func (f *FFmpegWrapper) IsEncoderAvailable(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.encoders[name]
}

// GetPreferredEncoder returns the encoder to use for a codec family,
// favouring hardware encoders
func (f *FFmpegWrapper) GetPreferredEncoder(codec string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	switch codec {
	case "h264":
		if f.hardwareAccel.NVIDIANVENC {
			return "h264_nvenc"
		}
		if f.hardwareAccel.IntelQSV {
			return "h264_qsv"
		}
		return "libx264"
	case "hevc", "h265":
		if f.hardwareAccel.NVIDIANVENC {
			return "hevc_nvenc"
		}
		if f.hardwareAccel.IntelQSV {
			return "hevc_qsv"
		}
		return "libx265"
	}
	return codec
}

// GetVersion returns the first line of `ffmpeg -version`
func (f *FFmpegWrapper) GetVersion() (string, error) {
	out, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	if line = strings.TrimSpace(line); line != "" {
		return line, nil
	}
	return "unknown", nil
}

// ValidateInput checks that path holds a decodable video stream
func (f *FFmpegWrapper) ValidateInput(path string) (*StreamInfo, error) {
	info, err := Probe(path)
	if err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return info, nil
}
