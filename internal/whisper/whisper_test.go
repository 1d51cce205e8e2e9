package whisper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewSelectsMode(t *testing.T) {
	for _, mode := range []string{"whispercpp", "mock"} {
		if _, err := New(config.STTConfig{Mode: mode}); err != nil {
			t.Fatalf("mode %s: %v", mode, err)
		}
	}
	if _, err := New(config.STTConfig{Mode: "exec", Command: "whisper-cli"}); err != nil {
		t.Fatalf("exec mode: %v", err)
	}
	if _, err := New(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	if _, err := New(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestBridgeConfig(t *testing.T) {
	cfg := config.Default().STT
	bc := BridgeConfig(cfg)
	if bc.ModelPath != cfg.ModelPath || bc.Language != "en" || bc.Threads != 4 {
		t.Fatalf("unexpected bridge config %+v", bc)
	}
}

func TestMockEngineThroughBridge(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	silent := filepath.Join(dir, "silence.wav")
	voiced := filepath.Join(dir, "voiced.wav")
	writeTestWAV(t, silent, make([]float32, 100))
	writeTestWAV(t, voiced, []float32{0, 0.25, -0.25, 0})

	b, err := transcribe.New(transcribe.Config{ModelPath: model}, NewMockEngine())
	if err != nil {
		t.Fatal(err)
	}
	text, err := b.Transcribe(silent)
	if err != nil || text != "" {
		t.Fatalf("expected empty transcript for silence, got %q, %v", text, err)
	}
	text, err = b.Transcribe(voiced)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "[mock en transcript samples=4 voiced=2]" {
		t.Fatalf("unexpected mock text %q", text)
	}
}

func TestGreedySampling(t *testing.T) {
	temp, fallback, err := greedySampling(transcribe.DecodeParams{Strategy: transcribe.StrategyGreedy, BestOf: 1})
	if err != nil {
		t.Fatalf("greedy best-of 1: %v", err)
	}
	if temp != 0 || fallback != 0 {
		t.Fatalf("expected fixed zero temperature without fallback, got %v/%v", temp, fallback)
	}
	if _, _, err := greedySampling(transcribe.DecodeParams{Strategy: transcribe.StrategyGreedy, BestOf: 5}); err == nil {
		t.Fatal("expected best-of 5 to be rejected")
	}
	if _, _, err := greedySampling(transcribe.DecodeParams{Strategy: transcribe.StrategyBeamSearch, BestOf: 1}); err == nil {
		t.Fatal("expected beam search to be rejected")
	}
}

func TestCPPEngineWithoutTag(t *testing.T) {
	engine, err := NewCPPEngine()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	model := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := transcribe.New(transcribe.Config{ModelPath: model}, engine)
	if err != nil {
		t.Fatal(err)
	}
	wavPath := filepath.Join(dir, "a.wav")
	writeTestWAV(t, wavPath, []float32{0.1})
	_, err = b.Transcribe(wavPath)
	if !errors.Is(err, transcribe.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
}

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) Invalidate() { c.n.Add(1) }

func TestWatchModelInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.bin")
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(model, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := &countingInvalidator{}
	done := make(chan error, 1)
	go func() { done <- WatchModel(ctx, model, inv, newLogger()) }()

	// Give the watcher time to register before producing events.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(other, []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(model, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for inv.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if inv.n.Load() == 0 {
		t.Fatal("expected model invalidation after write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestExecEngineParsesSegments(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-whisper.sh")
	argsFile := filepath.Join(dir, "args.txt")
	body := "#!/bin/sh\necho \"$@\" > " + argsFile + "\necho '{\"segments\":[{\"text\":\" hello\"},{\"text\":\" world\"}]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	model := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	wavPath := filepath.Join(dir, "a.wav")
	writeTestWAV(t, wavPath, []float32{0.5, -0.5})

	engine, err := NewExecEngine(script+" --output-json", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	b, err := transcribe.New(transcribe.Config{ModelPath: model, Language: "auto", Threads: 2}, engine)
	if err != nil {
		t.Fatal(err)
	}
	text, err := b.Transcribe(wavPath)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != " hello world" {
		t.Fatalf("unexpected text %q", text)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--output-json", "--model " + model, "--language auto", "--threads 2", "--best-of 1", "--no-gpu"} {
		if !strings.Contains(string(args), want) {
			t.Fatalf("expected %q in args %q", want, args)
		}
	}
}

func TestExecEngineKeepsSourceFormat(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-whisper.sh")
	copied := filepath.Join(dir, "received.wav")
	body := "#!/bin/sh\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = \"--audio\" ]; then cp \"$2\" " + copied + "; fi\n  shift\ndone\necho '{\"segments\":[]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	model := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	wavPath := filepath.Join(dir, "narrowband.wav")
	f, err := os.Create(wavPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeSamplesToWav(f, []float32{0.25, -0.25, 0.5, -0.5}, 8000, 2); err != nil {
		t.Fatal(err)
	}
	f.Close()

	engine, err := NewExecEngine(script, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	b, err := transcribe.New(transcribe.Config{ModelPath: model}, engine)
	if err != nil {
		t.Fatal(err)
	}
	text, err := b.Transcribe(wavPath)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty text, got %q", text)
	}

	got, err := transcribe.DecodeWAV(copied)
	if err != nil {
		t.Fatalf("decode forwarded wav: %v", err)
	}
	if got.SampleRate != 8000 || got.Channels != 2 || len(got.Samples) != 4 {
		t.Fatalf("expected 8 kHz stereo with 4 samples, got rate=%d channels=%d samples=%d", got.SampleRate, got.Channels, len(got.Samples))
	}
}

func TestExecEngineNullSegmentText(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-whisper.sh")
	body := "#!/bin/sh\necho '{\"segments\":[{\"text\":\"ok\"},{\"text\":null}]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	model := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	wavPath := filepath.Join(dir, "a.wav")
	writeTestWAV(t, wavPath, []float32{0.5})

	engine, err := NewExecEngine(script, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := transcribe.New(transcribe.Config{ModelPath: model}, engine)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Transcribe(wavPath)
	var te *transcribe.Error
	if !errors.As(err, &te) || te.Kind != transcribe.KindSegmentExtraction || te.Index != 1 {
		t.Fatalf("expected segment extraction error at index 1, got %v", err)
	}
}

func TestExecEngineCommandFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	model := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	wavPath := filepath.Join(dir, "a.wav")
	writeTestWAV(t, wavPath, []float32{0.5})

	engine, err := NewExecEngine(script, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := transcribe.New(transcribe.Config{ModelPath: model}, engine)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Transcribe(wavPath)
	if !errors.Is(err, transcribe.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in detail, got %v", err)
	}
}

func TestExecEngineMissingBinary(t *testing.T) {
	engine, err := NewExecEngine("/nonexistent/whisper-cli", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.LoadModel(transcribe.ModelParams{Path: "m"}); err == nil {
		t.Fatal("expected load error for missing binary")
	}
}

func writeTestWAV(t *testing.T, path string, samples []float32) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := writeSamplesToWav(f, samples, 16000, 1); err != nil {
		t.Fatal(err)
	}
}
