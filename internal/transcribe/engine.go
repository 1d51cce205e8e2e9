package transcribe

// Strategy selects the decoder search policy.
type Strategy int

const (
	StrategyGreedy Strategy = iota
	StrategyBeamSearch
)

// DTWParams carries token-level timestamp alignment options. The zero value
// leaves alignment at the engine default.
type DTWParams struct {
	Enabled bool
	Preset  string
}

// ModelParams describes how a model is loaded.
type ModelParams struct {
	Path           string
	UseGPU         bool
	FlashAttention bool
	GPUDevice      int
	DTW            DTWParams
}

// DecodeParams configures a single full inference run.
type DecodeParams struct {
	Strategy Strategy
	BestOf   int
	Language string
	Threads  int
	// SampleRate and Channels describe the samples as decoded from the file.
	SampleRate int
	Channels   int
}

// Segment is one span of recognized speech.
type Segment struct {
	Index int
	Text  string
}

// Engine loads speech models. Implementations live in internal/whisper.
type Engine interface {
	LoadModel(params ModelParams) (Model, error)
}

// Model is a loaded model. A Model must allow concurrent NewSession calls;
// sessions are never shared between goroutines.
type Model interface {
	NewSession() (Session, error)
	Close() error
}

// Session holds per-call inference state.
type Session interface {
	Full(params DecodeParams, samples []float32) error
	NumSegments() int
	SegmentText(i int) (string, error)
	Close() error
}
