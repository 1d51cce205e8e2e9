package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
	"github.com/mattn/go-shellwords"
)

// defaultSampleRate labels the temp file when the caller did not say what
// rate the samples were decoded at.
const defaultSampleRate = 16000

type execEngine struct {
	cmd     []string
	timeout time.Duration
}

type execSegment struct {
	Text *string `json:"text"`
}

type execResult struct {
	Text     *string       `json:"text"`
	Segments []execSegment `json:"segments"`
}

// NewExecEngine runs an external whisper CLI per inference. The command gets
// --model, --audio, --language and --threads appended and must print
// {"segments":[{"text":"..."}]} on stdout.
func NewExecEngine(command string, timeout time.Duration) (transcribe.Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, timeout: timeout}, nil
}

func (e *execEngine) LoadModel(params transcribe.ModelParams) (transcribe.Model, error) {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return nil, fmt.Errorf("stt command: %w", err)
	}
	return &execModel{engine: e, params: params}, nil
}

type execModel struct {
	engine *execEngine
	params transcribe.ModelParams
}

func (m *execModel) NewSession() (transcribe.Session, error) {
	return &execSession{model: m}, nil
}

func (m *execModel) Close() error { return nil }

type execSession struct {
	model    *execModel
	segments []execSegment
}

func (s *execSession) Full(params transcribe.DecodeParams, samples []float32) error {
	file, err := os.CreateTemp(os.TempDir(), "loqa_stt_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	rate, channels := params.SampleRate, params.Channels
	if rate <= 0 {
		rate = defaultSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	if err := writeSamplesToWav(file, samples, rate, channels); err != nil {
		return err
	}

	ctx := context.Background()
	if s.model.engine.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.model.engine.timeout)
		defer cancel()
	}

	args := append([]string{}, s.model.engine.cmd[1:]...)
	args = append(args,
		"--model", s.model.params.Path,
		"--audio", file.Name(),
		"--language", params.Language,
		"--threads", strconv.Itoa(params.Threads),
	)
	if params.BestOf > 0 {
		args = append(args, "--best-of", strconv.Itoa(params.BestOf))
	}
	if s.model.params.UseGPU {
		args = append(args, "--gpu-device", strconv.Itoa(s.model.params.GPUDevice))
	} else {
		args = append(args, "--no-gpu")
	}
	if s.model.params.FlashAttention {
		args = append(args, "--flash-attn")
	}

	command := exec.CommandContext(ctx, s.model.engine.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode stt response: %w", err)
	}
	s.segments = resp.Segments
	if len(s.segments) == 0 && resp.Text != nil && *resp.Text != "" {
		s.segments = []execSegment{{Text: resp.Text}}
	}
	return nil
}

func (s *execSession) NumSegments() int { return len(s.segments) }

func (s *execSession) SegmentText(i int) (string, error) {
	if i < 0 || i >= len(s.segments) {
		return "", fmt.Errorf("segment %d out of range", i)
	}
	if s.segments[i].Text == nil {
		return "", fmt.Errorf("segment %d has no text", i)
	}
	return *s.segments[i].Text, nil
}

func (s *execSession) Close() error { return nil }

func writeSamplesToWav(file *os.File, samples []float32, sampleRate, channels int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		s := int(v * 32768)
		if s > 32767 {
			s = 32767
		}
		buffer.Data[i] = s
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
