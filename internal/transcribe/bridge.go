// Package transcribe turns a PCM WAV file into text with a speech model.
//
// A Bridge call is synchronous and blocking: it resolves and loads the model,
// decodes the waveform, runs a single full inference and concatenates the
// produced segments. Callers that must stay responsive dispatch it onto a
// worker (see internal/dispatch).
package transcribe

import (
	"errors"
	"os"
	"strings"
	"time"
)

const (
	DefaultLanguage = "en"
	DefaultThreads  = 4
	// LanguageAuto lets the engine detect the spoken language.
	LanguageAuto = "auto"
)

// Config replaces the deployment-time constants of the bridge.
type Config struct {
	ModelPath      string
	Language       string
	Threads        int
	UseGPU         bool
	FlashAttention bool
	GPUDevice      int
	// ShareModel keeps one loaded model for all calls instead of loading it
	// per call.
	ShareModel bool
}

// Result is the detailed output of a transcription.
type Result struct {
	Text       string
	Segments   []Segment
	Samples    int
	SampleRate int
	Timings    Timings
}

// Timings records how long each stage took.
type Timings struct {
	Load      time.Duration
	Decode    time.Duration
	Inference time.Duration
}

// Bridge runs the transcription pipeline against an Engine.
type Bridge struct {
	cfg    Config
	engine Engine
	cache  *ModelCache
	now    func() time.Time
}

// New validates cfg and returns a Bridge. Empty Language and non-positive
// Threads fall back to the defaults.
func New(cfg Config, engine Engine) (*Bridge, error) {
	if engine == nil {
		return nil, errors.New("transcribe: engine is required")
	}
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("transcribe: model path must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	b := &Bridge{cfg: cfg, engine: engine, now: time.Now}
	if cfg.ShareModel {
		b.cache = NewModelCache(engine, b.modelParams())
	}
	return b, nil
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config { return b.cfg }

// Cache returns the shared model cache, or nil when models are loaded per call.
func (b *Bridge) Cache() *ModelCache { return b.cache }

// Close releases the shared model, if any.
func (b *Bridge) Close() error {
	if b.cache == nil {
		return nil
	}
	return b.cache.Close()
}

// Transcribe returns the concatenated text of every segment recognized in the
// WAV file at audioPath.
func (b *Bridge) Transcribe(audioPath string) (string, error) {
	res, err := b.TranscribeDetailed(audioPath)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// TranscribeDetailed is Transcribe with segments and stage timings.
func (b *Bridge) TranscribeDetailed(audioPath string) (Result, error) {
	var res Result

	if _, err := os.Stat(b.cfg.ModelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, &Error{Kind: KindModelNotFound, Path: b.cfg.ModelPath, Err: err}
		}
		return res, &Error{Kind: KindModelLoad, Path: b.cfg.ModelPath, Detail: err.Error(), Err: err}
	}

	start := b.now()
	model, release, err := b.acquireModel()
	if err != nil {
		return res, err
	}
	defer release()
	res.Timings.Load = b.now().Sub(start)

	start = b.now()
	wave, err := DecodeWAV(audioPath)
	if err != nil {
		return res, err
	}
	res.Timings.Decode = b.now().Sub(start)
	res.Samples = len(wave.Samples)
	res.SampleRate = wave.SampleRate

	session, err := model.NewSession()
	if err != nil {
		return res, stageError(KindSession, err)
	}
	defer session.Close()

	start = b.now()
	if err := session.Full(b.decodeParams(wave), wave.Samples); err != nil {
		return res, stageError(KindInference, err)
	}
	res.Timings.Inference = b.now().Sub(start)

	segments, err := extractSegments(session)
	if err != nil {
		return Result{}, err
	}
	var text strings.Builder
	for _, seg := range segments {
		text.WriteString(seg.Text)
	}
	res.Text = text.String()
	res.Segments = segments
	return res, nil
}

func (b *Bridge) acquireModel() (Model, func(), error) {
	if b.cache != nil {
		return b.cache.Acquire()
	}
	model, err := b.engine.LoadModel(b.modelParams())
	if err != nil {
		return nil, nil, &Error{Kind: KindModelLoad, Path: b.cfg.ModelPath, Detail: err.Error(), Err: err}
	}
	return model, func() { _ = model.Close() }, nil
}

func (b *Bridge) modelParams() ModelParams {
	return ModelParams{
		Path:           b.cfg.ModelPath,
		UseGPU:         b.cfg.UseGPU,
		FlashAttention: b.cfg.FlashAttention,
		GPUDevice:      b.cfg.GPUDevice,
	}
}

func (b *Bridge) decodeParams(wave Audio) DecodeParams {
	return DecodeParams{
		Strategy:   StrategyGreedy,
		BestOf:     1,
		Language:   b.cfg.Language,
		Threads:    b.cfg.Threads,
		SampleRate: wave.SampleRate,
		Channels:   wave.Channels,
	}
}

func extractSegments(session Session) ([]Segment, error) {
	n := session.NumSegments()
	segments := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		text, err := session.SegmentText(i)
		if err != nil {
			e := stageError(KindSegmentExtraction, err)
			e.Index = i
			return nil, e
		}
		segments = append(segments, Segment{Index: i, Text: text})
	}
	return segments, nil
}
