//go:build whisper_cpp

package whisper

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-transcriber/internal/transcribe"

	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

type cppEngine struct{}

// NewCPPEngine returns an engine backed by the whisper.cpp Go bindings.
func NewCPPEngine() (transcribe.Engine, error) {
	return cppEngine{}, nil
}

func (cppEngine) LoadModel(params transcribe.ModelParams) (transcribe.Model, error) {
	if params.UseGPU || params.FlashAttention || params.GPUDevice != 0 {
		return nil, errors.New("whisper.cpp bindings load models with CPU defaults; gpu options are not supported")
	}
	model, err := whispercpp.New(params.Path)
	if err != nil {
		return nil, err
	}
	return &cppModel{model: model}, nil
}

// cppModel serializes Full calls: every context created from a model shares
// the model's native state.
type cppModel struct {
	model whispercpp.Model
	mu    sync.Mutex
}

func (m *cppModel) NewSession() (transcribe.Session, error) {
	ctx, err := m.model.NewContext()
	if err != nil {
		return nil, err
	}
	return &cppSession{owner: m, ctx: ctx}, nil
}

func (m *cppModel) Close() error {
	return m.model.Close()
}

type cppSession struct {
	owner    *cppModel
	ctx      whispercpp.Context
	segments []whispercpp.Segment
}

func (s *cppSession) Full(params transcribe.DecodeParams, samples []float32) error {
	temperature, fallback, err := greedySampling(params)
	if err != nil {
		return err
	}
	s.ctx.SetTemperature(temperature)
	s.ctx.SetTemperatureFallback(fallback)
	if err := s.ctx.SetLanguage(params.Language); err != nil {
		return fmt.Errorf("set language %q: %w", params.Language, err)
	}
	s.ctx.SetThreads(uint(params.Threads))

	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if err := s.ctx.Process(samples, nil, nil, nil); err != nil {
		return err
	}
	s.segments = s.segments[:0]
	for {
		seg, err := s.ctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("collect segments: %w", err)
		}
		s.segments = append(s.segments, seg)
	}
}

func (s *cppSession) NumSegments() int { return len(s.segments) }

func (s *cppSession) SegmentText(i int) (string, error) {
	if i < 0 || i >= len(s.segments) {
		return "", fmt.Errorf("segment %d out of range", i)
	}
	return s.segments[i].Text, nil
}

func (s *cppSession) Close() error { return nil }
