package whisper

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

type mockEngine struct{}

// NewMockEngine returns an engine that never reads the model and reports one
// segment describing the audio it was given. Silence yields no segments.
func NewMockEngine() transcribe.Engine {
	return mockEngine{}
}

func (mockEngine) LoadModel(transcribe.ModelParams) (transcribe.Model, error) {
	return mockModel{}, nil
}

type mockModel struct{}

func (mockModel) NewSession() (transcribe.Session, error) { return &mockSession{}, nil }
func (mockModel) Close() error                            { return nil }

type mockSession struct {
	texts []string
}

func (s *mockSession) Full(params transcribe.DecodeParams, samples []float32) error {
	s.texts = nil
	voiced := 0
	for _, v := range samples {
		if v != 0 {
			voiced++
		}
	}
	if voiced == 0 {
		return nil
	}
	s.texts = []string{fmt.Sprintf("[mock %s transcript samples=%d voiced=%d]", strings.ToLower(params.Language), len(samples), voiced)}
	return nil
}

func (s *mockSession) NumSegments() int { return len(s.texts) }

func (s *mockSession) SegmentText(i int) (string, error) {
	if i < 0 || i >= len(s.texts) {
		return "", fmt.Errorf("segment %d out of range", i)
	}
	return s.texts[i], nil
}

func (s *mockSession) Close() error { return nil }
