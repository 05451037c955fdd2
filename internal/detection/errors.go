package detection

import "errors"

// ErrNoInput is returned when a request names neither an image nor a video
var ErrNoInput = errors.New("no image or video provided")

// ErrAmbiguousInput is returned when a request names both an image and a video
var ErrAmbiguousInput = errors.New("cannot process a video and an image in one request")

// RequestError marks a failure caused by the caller's input
type RequestError struct {
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(msg string, err error) error {
	return &RequestError{Message: msg, Err: err}
}
