//go:build !whisper_cpp

package whisper

import (
	"errors"

	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

// ErrCPPDisabled is returned when the binary was built without the
// whisper_cpp tag.
var ErrCPPDisabled = errors.New("whisper.cpp support is disabled in this build (rebuild with -tags whisper_cpp)")

type cppEngine struct{}

// NewCPPEngine returns an engine whose LoadModel always fails; the real
// engine needs cgo and libwhisper.
func NewCPPEngine() (transcribe.Engine, error) {
	return cppEngine{}, nil
}

func (cppEngine) LoadModel(transcribe.ModelParams) (transcribe.Model, error) {
	return nil, ErrCPPDisabled
}
