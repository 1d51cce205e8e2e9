package transcribe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestNormalizeRange(t *testing.T) {
	pcm := make([]int, 0, 65536)
	for s := math.MinInt16; s <= math.MaxInt16; s++ {
		pcm = append(pcm, s)
	}
	out := Normalize(pcm)
	if len(out) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(out))
	}
	for i, s := range pcm {
		want := float32(s) / 32768.0
		if out[i] != want {
			t.Fatalf("sample %d: got %v want %v", s, out[i], want)
		}
		if out[i] < -1.0 || out[i] >= 1.0 {
			t.Fatalf("sample %d out of range: %v", s, out[i])
		}
	}
	if out[0] != -1.0 {
		t.Fatalf("expected -32768 to map to -1.0, got %v", out[0])
	}
	if last := out[len(out)-1]; last != float32(32767)/32768.0 {
		t.Fatalf("unexpected max amplitude %v", last)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if out := Normalize(nil); len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}
}

func TestDecodeWAV(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, "tone.wav", []int{0, 16384, -16384, 32767, -32768})

	wave, err := DecodeWAV(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float32{0, 0.5, -0.5, float32(32767) / 32768.0, -1}
	if len(wave.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(wave.Samples))
	}
	for i := range want {
		if wave.Samples[i] != want[i] {
			t.Fatalf("sample %d: got %v want %v", i, wave.Samples[i], want[i])
		}
	}
	if wave.SampleRate != 16000 || wave.Channels != 1 {
		t.Fatalf("unexpected format: %+v", wave)
	}
}

func TestDecodeWAVSkipsTruncatedSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.wav")
	data := []byte{0x00, 0x40, 0x00, 0xC0, 0xFF, 0x7F, 0x01}
	if err := os.WriteFile(path, rawWAV(16000, 16, data), 0o644); err != nil {
		t.Fatal(err)
	}

	wave, err := DecodeWAV(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(wave.Samples) != 3 {
		t.Fatalf("expected 3 whole samples, got %d", len(wave.Samples))
	}
	if wave.Samples[0] != 0.5 || wave.Samples[1] != -0.5 {
		t.Fatalf("unexpected samples %v", wave.Samples)
	}
}

func TestDecodeWAVRejectsOtherBitDepths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "8bit.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 8000, 8, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 8000}, Data: []int{1, 2, 3, 4}, SourceBitDepth: 8}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = DecodeWAV(path)
	if !errors.Is(err, ErrAudioOpen) {
		t.Fatalf("expected AudioOpenError, got %v", err)
	}
}

func rawWAV(sampleRate, bitDepth int, data []byte) []byte {
	var b bytes.Buffer
	blockAlign := bitDepth / 8
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(4+8+16+8+len(data)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&b, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&b, binary.LittleEndian, uint16(bitDepth))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}
