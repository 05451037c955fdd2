package video

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the pipeline wraps exactly one of
// these, except cancellation, which wraps only the context's error. Use
// errors.Is to classify.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSinkUnavailable   = errors.New("sink unavailable")
	ErrDetectorFailure   = errors.New("detector failure")
	ErrRenderFailure     = errors.New("render failure")
	ErrCloseFailure      = errors.New("close failure")
)

// Stage names the pipeline step that failed
type Stage string

const (
	StageOpenSource   Stage = "open_source"
	StageOpenSink     Stage = "open_sink"
	StageProcessFrame Stage = "process_frame"
	StageClose        Stage = "close"
)

// PipelineError is returned by Pipeline.Annotate
type PipelineError struct {
	Stage Stage
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("annotate video: %s: %v", e.Stage, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// withKind wraps err with kind unless it already carries it
func withKind(kind, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
