package video

import (
	"os/exec"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const stderrTailBytes = 4096

// tailBuffer keeps the last stderrTailBytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// compile turns a stream into a command, optionally pointing it at a
// specific ffmpeg binary
func compile(stream *ffmpeg.Stream, ffmpegPath string) *exec.Cmd {
	cmd := stream.
		GlobalArgs("-hide_banner", "-nostdin", "-loglevel", "error").
		Compile()
	if ffmpegPath != "" {
		cmd.Path = ffmpegPath
		cmd.Err = nil
	}
	return cmd
}
