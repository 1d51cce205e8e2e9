package transcribe

import (
	"errors"
	"fmt"
)

// Kind identifies the pipeline stage that failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindModelNotFound
	KindModelLoad
	KindAudioOpen
	KindSession
	KindInference
	KindSegmentExtraction
)

func (k Kind) String() string {
	switch k {
	case KindModelNotFound:
		return "model_not_found"
	case KindModelLoad:
		return "model_load"
	case KindAudioOpen:
		return "audio_open"
	case KindSession:
		return "session"
	case KindInference:
		return "inference"
	case KindSegmentExtraction:
		return "segment_extraction"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrModelNotFound     = &Error{Kind: KindModelNotFound}
	ErrModelLoad         = &Error{Kind: KindModelLoad}
	ErrAudioOpen         = &Error{Kind: KindAudioOpen}
	ErrSession           = &Error{Kind: KindSession}
	ErrInference         = &Error{Kind: KindInference}
	ErrSegmentExtraction = &Error{Kind: KindSegmentExtraction}
)

// Error is returned by every failing stage of Bridge.Transcribe.
type Error struct {
	Kind   Kind
	Path   string
	Index  int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindModelNotFound:
		return fmt.Sprintf("whisper model not found at %q", e.Path)
	case KindModelLoad:
		return fmt.Sprintf("load model: %s", e.Detail)
	case KindAudioOpen:
		return fmt.Sprintf("open wav file %q: %s", e.Path, e.Detail)
	case KindSession:
		return fmt.Sprintf("create inference state: %s", e.Detail)
	case KindInference:
		return fmt.Sprintf("full transcription failed: %s", e.Detail)
	case KindSegmentExtraction:
		if e.Detail == "" {
			return fmt.Sprintf("segment %d text unavailable", e.Index)
		}
		return fmt.Sprintf("segment %d text unavailable: %s", e.Index, e.Detail)
	default:
		return e.Detail
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the stage kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

func stageError(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}
