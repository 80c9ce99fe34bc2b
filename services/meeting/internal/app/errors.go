package app

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure by the stage it came from.
type ErrorKind string

const (
	KindCapture       ErrorKind = "capture"
	KindValidation    ErrorKind = "validation"
	KindTranscription ErrorKind = "transcription"
	KindSummarization ErrorKind = "summarization"
	KindPersistence   ErrorKind = "persistence"
)

var (
	ErrNoSession        = errors.New("no active session")
	ErrNoChunks         = errors.New("no recorded chunks found")
	ErrReconstruction   = errors.New("recording is incomplete")
	ErrNoAudio          = errors.New("no audio to process")
	ErrEmptyTranscript  = errors.New("transcript is empty")
	ErrUnsupportedAudio = errors.New("unsupported audio type")
	ErrAudioTooLarge    = errors.New("audio file too large")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no microphone found")
	ErrJobNotFound      = errors.New("job not found")
)

// PipelineError is the failure attached to a session or a job. Message is
// the short text shown to the user.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	switch e.Kind {
	case KindTranscription:
		return "Transcription failed: " + detail
	case KindSummarization:
		return "Summarization failed: " + detail
	case KindPersistence:
		return "save error: " + detail
	default:
		return detail
	}
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether the user may retry the same session.
func (e *PipelineError) Retryable() bool {
	switch e.Kind {
	case KindTranscription, KindSummarization, KindPersistence:
		return true
	default:
		return false
	}
}

func newError(kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}

func captureError(format string, args ...any) *PipelineError {
	return newError(KindCapture, fmt.Errorf(format, args...))
}

// KindOf returns the kind of a pipeline error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
