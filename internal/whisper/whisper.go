// Package whisper provides the speech engines the transcription bridge runs
// on: whisper.cpp through its Go bindings, an external CLI, and a mock.
package whisper

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

// New selects the engine named by cfg.Mode.
func New(cfg config.STTConfig) (transcribe.Engine, error) {
	switch cfg.Mode {
	case "whispercpp":
		return NewCPPEngine()
	case "exec":
		return NewExecEngine(cfg.Command, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// BridgeConfig maps the stt section onto the bridge configuration.
func BridgeConfig(cfg config.STTConfig) transcribe.Config {
	return transcribe.Config{
		ModelPath:      cfg.ModelPath,
		Language:       cfg.Language,
		Threads:        cfg.Threads,
		UseGPU:         cfg.UseGPU,
		FlashAttention: cfg.FlashAttention,
		GPUDevice:      cfg.GPUDevice,
		ShareModel:     cfg.ShareModel,
	}
}

// greedySampling returns the temperature and temperature-fallback step that
// make whisper.cpp decode exactly once with greedy search. A zero fallback
// step stops the decoder from retrying at higher temperatures, which would
// otherwise sample several candidates per retry.
func greedySampling(params transcribe.DecodeParams) (temperature, fallback float32, err error) {
	if params.Strategy != transcribe.StrategyGreedy {
		return 0, 0, fmt.Errorf("sampling strategy %d not supported", params.Strategy)
	}
	if params.BestOf > 1 {
		return 0, 0, errors.New("best-of above 1 requires temperature sampling, which is not supported")
	}
	return 0, 0, nil
}
